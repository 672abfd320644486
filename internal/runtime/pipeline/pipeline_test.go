package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxykit/internal/runtime/policy"
)

func TestNewMethodKeyRendersFullAndShortForms(t *testing.T) {
	key := NewMethodKey("proxykit/demo.DemoService", "submitPayment", "PaymentRequest")
	assert.Equal(t, "proxykit/demo.DemoService#submitPayment(PaymentRequest)", key.Full)
	assert.Equal(t, "DemoService#submitPayment", key.Short)
}

func TestNewMethodKeyWithoutArgs(t *testing.T) {
	key := NewMethodKey("proxykit/demo.DemoService", "ping")
	assert.Equal(t, "proxykit/demo.DemoService#ping()", key.Full)
	assert.Equal(t, "DemoService#ping", key.Short)
}

func TestNewMethodKeyMultipleArgs(t *testing.T) {
	key := NewMethodKey("billing.Invoices", "charge", "string", "int64")
	assert.Equal(t, "billing.Invoices#charge(string,int64)", key.Full)
	assert.Equal(t, "Invoices#charge", key.Short)
}

func TestCallPolicyLooksUpOnce(t *testing.T) {
	calls := 0
	override := &policy.Policy{SubjectKey: "user:alice", Enabled: true}
	call := &Call{
		PolicyLookup: func(context.Context) (*policy.Policy, error) {
			calls++
			return override, nil
		},
	}

	ctx := context.Background()
	for range 3 {
		p, err := call.Policy(ctx)
		require.NoError(t, err)
		assert.Equal(t, "user:alice", p.SubjectKey)
	}
	assert.Equal(t, 1, calls)
}

func TestCallPolicyWithoutLookupIsAbsent(t *testing.T) {
	call := &Call{}
	p, err := call.Policy(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestStagesEnabledFailsOpen(t *testing.T) {
	lookupErr := &Call{
		PolicyLookup: func(context.Context) (*policy.Policy, error) {
			return nil, errors.New("store down")
		},
	}
	assert.True(t, lookupErr.StagesEnabled(context.Background()))

	absent := &Call{}
	assert.True(t, absent.StagesEnabled(context.Background()))
}

func TestStagesEnabledHonorsDisabledPolicy(t *testing.T) {
	call := &Call{
		PolicyLookup: func(context.Context) (*policy.Policy, error) {
			return &policy.Policy{Enabled: false}, nil
		},
	}
	assert.False(t, call.StagesEnabled(context.Background()))
}
