package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smarter/internal/provision"
)

func sampleSpec() provision.Spec {
	return provision.Spec{
		AccountID: "acct-1", AccountNumber: "1234-5678-9012", ResourceID: "res-1", Name: "support_bot",
		Hostname: "support-bot.1234-5678-9012.example.com",
	}
}

func TestMockProvisionerForwardsAcceptedCalls(t *testing.T) {
	m := NewMockProvisioner().Passthrough()
	ctx := context.Background()

	res, err := m.Provision(ctx, sampleSpec())
	require.NoError(t, err)
	assert.Contains(t, res.URL, "support-bot")
	_, ok := m.Inner.(*provision.Local).Deployed("res-1")
	assert.True(t, ok)

	require.NoError(t, m.Teardown(ctx, sampleSpec()))
	_, ok = m.Inner.(*provision.Local).Deployed("res-1")
	assert.False(t, ok)

	m.AssertNumberOfCalls(t, "Provision", 1)
	m.AssertNumberOfCalls(t, "Teardown", 1)
	m.AssertCalled(t, "Provision", mock.Anything, sampleSpec())
}

func TestMockProvisionerFailProvision(t *testing.T) {
	m := NewMockProvisioner().Passthrough()
	down := &provision.Error{Op: "provision", Retryable: true, Err: errors.New("down")}
	m.FailProvision(down)

	_, err := m.Provision(context.Background(), sampleSpec())
	require.ErrorIs(t, err, down)
	assert.True(t, provision.IsRetryable(err))
	_, ok := m.Inner.(*provision.Local).Deployed("res-1")
	assert.False(t, ok)

	require.NoError(t, m.Teardown(context.Background(), sampleSpec()))
	m.AssertNumberOfCalls(t, "Provision", 1)
}
