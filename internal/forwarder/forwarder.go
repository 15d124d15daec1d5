// Package forwarder is the ICANN backend driver: it forwards a wire-format
// DNS message to a single configured upstream over UDP and returns the
// response without interpreting it.
//
// Grounded on a prior doQuery (resolver.go), which built a *dns.Client,
// called ExchangeContext with a per-query address, and classified the
// outcome; this package strips away the NS-chasing that doQuery layered
// on top, since here there is always exactly one upstream.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// ErrTimeout is returned when the upstream does not answer within the
// forwarder's configured timeout.
var ErrTimeout = errors.New("forwarder: timeout")

// ErrMalformed is returned when the upstream's reply cannot be parsed as a
// DNS message.
var ErrMalformed = errors.New("forwarder: malformed response")

// Forwarder issues queries to a single configured ICANN upstream resolver.
type Forwarder struct {
	upstream string
	client   *dns.Client

	// delegationTimeout bounds NS-delegation hops (ForwardTo), which may
	// target addresses well outside the configured upstream.
	delegationTimeout TimeoutPolicy
}

// New returns a Forwarder that sends queries to upstream (host:port) through
// client, whose Timeout bounds each query to the upstream.
func New(upstream string, client *dns.Client) *Forwarder {
	return &Forwarder{
		upstream:          upstream,
		client:            client,
		delegationTimeout: DefaultTimeoutPolicy(),
	}
}

// Forward sends msg to the configured upstream and returns its response.
// The forwarder does not interpret the response; parsing and
// recursion-chasing is the resolver engine's job.
func (f *Forwarder) Forward(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := f.client.ExchangeContext(ctx, msg, f.upstream)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp == nil {
		return nil, ErrMalformed
	}

	return resp, nil
}

// ForwardTo sends msg to an arbitrary addr (host:port), used by the
// resolver engine when chasing an NS delegation to a server other than the
// configured ICANN upstream.
func (f *Forwarder) ForwardTo(ctx context.Context, msg *dns.Msg, addr string) (*dns.Msg, error) {
	if timeout := f.delegationTimeout(addr); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, _, err := f.client.ExchangeContext(ctx, msg, addr)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp == nil {
		return nil, ErrMalformed
	}

	return resp, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
