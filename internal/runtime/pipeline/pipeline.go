// Package pipeline defines the single function contract every interceptor
// stage adapts: (context, call) -> (result, error). Stages wrap an Operation
// and the chain is a static list of such decorators applied outer to inner.
package pipeline

import "context"

// Operation is one executable unit: either the handler body or a stage
// wrapping it.
type Operation func(ctx context.Context, call *Call) (any, error)

// Stage decorates an Operation with one cross-cutting behavior.
type Stage interface {
	Name() string
	Wrap(next Operation) Operation
}
