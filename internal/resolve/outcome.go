package resolve

import "github.com/miekg/dns"

// Outcome is what the resolver engine hands back to the dispatcher. The
// dispatcher reuses the inbound id and question and sets qr/aa/ra itself;
// Outcome only carries what the engine decided.
type Outcome struct {
	// Drop is true when the query should be silently discarded (ANY
	// suppression). No response should be sent.
	Drop bool

	// Rcode is dns.RcodeSuccess, RcodeNameError, RcodeServerFailure or
	// RcodeNotImplemented, or the rcode passed through unchanged from the
	// ICANN upstream or a delegated nameserver.
	Rcode int

	// Answer is the answer section to attach to the response, in
	// traversal order: CNAMEs in the order chased, followed by the
	// terminal RR set.
	Answer []dns.RR
}
