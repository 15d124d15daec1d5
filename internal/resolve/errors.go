package resolve

import "errors"

// ErrLoopDetected is yielded when a (qname, qtype) pair is visited twice
// within one resolution.
var ErrLoopDetected = errors.New("resolve: loop detected")

// ErrBudgetExhausted is yielded when the recursion budget reaches zero
// before resolution completes.
var ErrBudgetExhausted = errors.New("resolve: recursion budget exhausted")

// ErrRateLimited is returned internally when the DHT rate limiter denies a
// lookup and no stale cache entry can stand in for it.
var ErrRateLimited = errors.New("resolve: dht lookup rate limited")

// ErrUnsupportedType is yielded for qtypes this resolver doesn't serve.
var ErrUnsupportedType = errors.New("resolve: unsupported qtype")
