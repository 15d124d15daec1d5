package resolve

import (
	"context"

	"github.com/pkdns/pkdns/internal/trace"
)

type traceContextKey struct{}

// WithTrace attaches a trace.Trace to ctx; backend calls made while
// resolving that context record a Step into it. Callers that don't care
// about diagnostics can pass a context with no trace attached, in which
// case tracing is a no-op.
func WithTrace(ctx context.Context, t *trace.Trace) context.Context {
	return context.WithValue(ctx, traceContextKey{}, t)
}

func traceFromContext(ctx context.Context) *trace.Trace {
	t, _ := ctx.Value(traceContextKey{}).(*trace.Trace)
	return t
}
