package pipeline

import (
	"context"
	"sync"

	"github.com/l0p7/proxykit/internal/runtime/policy"
	"github.com/l0p7/proxykit/internal/runtime/subject"
)

// Call is the request-scoped state the chain threads through every stage.
// The argument tuple is opaque to the stages; they only hash or serialize it.
type Call struct {
	Method  MethodKey
	Args    []any
	Subject subject.Subject

	CorrelationID  string
	TraceID        string
	IdempotencyKey string

	// NewResult produces a zero value of the operation's return type so a
	// stored response can be deserialized after process restart. Nil marks a
	// unit-returning operation.
	NewResult func() any

	// PolicyLookup resolves the (subject, method) override row. The chain
	// binds it at invocation; stages read it through Policy so the store is
	// consulted at most once per call.
	PolicyLookup func(ctx context.Context) (*policy.Policy, error)

	policyOnce sync.Once
	policyVal  *policy.Policy
	policyErr  error
}

// Policy memoizes the override lookup for the lifetime of this call. A nil
// policy with nil error means no override row exists for the pair.
func (c *Call) Policy(ctx context.Context) (*policy.Policy, error) {
	c.policyOnce.Do(func() {
		if c.PolicyLookup == nil {
			return
		}
		c.policyVal, c.policyErr = c.PolicyLookup(ctx)
	})
	return c.policyVal, c.policyErr
}

// StagesEnabled reports whether the non-audit stages should run for this
// call. A policy row with Enabled=false switches everything but audit off
// for its pair; lookup failures fail open so a policy-store outage cannot
// take the handler down.
func (c *Call) StagesEnabled(ctx context.Context) bool {
	p, err := c.Policy(ctx)
	if err != nil || p == nil {
		return true
	}
	return p.Enabled
}
