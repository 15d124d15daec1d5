// Package trace records the backend lookups made while resolving one query,
// for optional diagnostic dumping.
//
// Adapted from a prior Trace/TraceNode shape that recorded the chain of
// DNS requests a resolver issued while chasing one query; this version
// records pkdns's two backend kinds (pkarr DHT lookups, ICANN forwards)
// instead of a uniform NS-chasing step.
package trace

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// Trace is the root of one query's lookup tree.
type Trace struct {
	Steps []*Step
	stack []*Step
}

// Step is one backend lookup: a DHT get(pubkey) or an ICANN forward.
type Step struct {
	Backend string // "pkarr" or "icann"
	Name    string
	Qtype   string
	Server  string
	RTT     time.Duration
	Rcode   string
	Err     error

	Children []*Step
}

// Push records s as a new step, nested under whichever step is currently
// open, and opens it for nested children.
func (t *Trace) Push(s *Step) {
	if len(t.stack) == 0 {
		t.Steps = append(t.Steps, s)
	} else {
		parent := t.stack[len(t.stack)-1]
		parent.Children = append(parent.Children, s)
	}
	t.stack = append(t.stack, s)
}

// Pop closes the most recently pushed step.
func (t *Trace) Pop() {
	if len(t.stack) > 0 {
		t.stack = t.stack[:len(t.stack)-1]
	}
}

// Dump renders the trace for human consumption. Lines starting with a
// question mark are lookups; lines starting with an X are failures.
func (t *Trace) Dump() string {
	buf := &bytes.Buffer{}
	for _, s := range t.Steps {
		s.dump(buf, 0)
	}
	return buf.String()
}

func (s *Step) dump(w io.Writer, depth int) {
	if s == nil || depth > 20 {
		return
	}

	indent := strings.Repeat(" ", depth*4)
	fmt.Fprintf(w, "%s? %s %s %s @%s %dms\n", indent, s.Backend, s.Name, s.Qtype, s.Server, s.RTT.Milliseconds())

	if s.Err != nil {
		fmt.Fprintf(w, "%s  X %v\n", indent, s.Err)
	} else if s.Rcode != "" && s.Rcode != "NOERROR" {
		fmt.Fprintf(w, "%s  X %s\n", indent, s.Rcode)
	}

	for _, c := range s.Children {
		c.dump(w, depth+1)
	}
}
