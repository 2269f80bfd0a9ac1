// Package provision publishes deployed chatbots to the infrastructure that
// serves them.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Spec is everything a provisioner needs to publish one chatbot.
type Spec struct {
	AccountID     string            `json:"account_id"`
	AccountNumber string            `json:"account_number"`
	ResourceID    string            `json:"resource_id"`
	Name          string            `json:"name"`
	Hostname      string            `json:"hostname"`
	Plugins       []string          `json:"plugins,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
}

type Result struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type Health struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (Result, error)
	Teardown(ctx context.Context, spec Spec) error
	Health(ctx context.Context) Health
}

// Error reports a provisioning failure. Retryable failures leave the
// deploy pending for another attempt.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt. Unknown errors
// are retried.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return err != nil
}

// Hostname returns the public host of a chatbot.
func Hostname(name, accountNumber, rootDomain, customDomain string) string {
	if customDomain != "" {
		return strings.ToLower(customDomain)
	}
	label := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	return fmt.Sprintf("%s.%s.%s", label, accountNumber, rootDomain)
}

// Local records deployments in memory and serves them from the configured
// root domain. It is the default for single node installs.
type Local struct {
	Scheme string

	mu       sync.Mutex
	deployed map[string]Spec
}

func NewLocal() *Local {
	return &Local{Scheme: "https", deployed: map[string]Spec{}}
}

func (l *Local) Provision(_ context.Context, spec Spec) (Result, error) {
	if spec.Hostname == "" {
		return Result{}, &Error{Op: "provision", Err: errors.New("hostname required")}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deployed == nil {
		l.deployed = map[string]Spec{}
	}
	l.deployed[spec.ResourceID] = spec
	scheme := l.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return Result{URL: scheme + "://" + spec.Hostname + "/"}, nil
}

func (l *Local) Teardown(_ context.Context, spec Spec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.deployed, spec.ResourceID)
	return nil
}

func (l *Local) Health(context.Context) Health {
	return Health{Ready: true, Detail: "local"}
}

// Deployed returns the spec published for a resource.
func (l *Local) Deployed(resourceID string) (Spec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.deployed[resourceID]
	return s, ok
}
