package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"smarter/internal/provision"
)

// MockProvisioner records Provision and Teardown calls. A call whose
// expectation returns nil is forwarded to Inner so deployed state stays
// observable.
type MockProvisioner struct {
	mock.Mock
	Inner provision.Provisioner
}

func NewMockProvisioner() *MockProvisioner {
	return &MockProvisioner{Inner: provision.NewLocal()}
}

// Passthrough accepts every call.
func (m *MockProvisioner) Passthrough() *MockProvisioner {
	m.On("Provision", mock.Anything, mock.Anything).Return(nil)
	m.On("Teardown", mock.Anything, mock.Anything).Return(nil)
	return m
}

// FailProvision replaces the Provision expectation with one returning err.
func (m *MockProvisioner) FailProvision(err error) {
	for _, c := range append([]*mock.Call(nil), m.ExpectedCalls...) {
		if c.Method == "Provision" {
			c.Unset()
		}
	}
	m.On("Provision", mock.Anything, mock.Anything).Return(err)
}

func (m *MockProvisioner) Provision(ctx context.Context, spec provision.Spec) (provision.Result, error) {
	args := m.Called(ctx, spec)
	if err := args.Error(0); err != nil {
		return provision.Result{}, err
	}
	return m.Inner.Provision(ctx, spec)
}

func (m *MockProvisioner) Teardown(ctx context.Context, spec provision.Spec) error {
	args := m.Called(ctx, spec)
	if err := args.Error(0); err != nil {
		return err
	}
	return m.Inner.Teardown(ctx, spec)
}

// Health is not recorded.
func (m *MockProvisioner) Health(ctx context.Context) provision.Health {
	return m.Inner.Health(ctx)
}
