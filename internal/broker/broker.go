// Package broker implements the six verbs for every Kind. Brokers own
// idempotency and the ordering of side effects: every record change and the
// tasks it requires commit in one transaction.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/manifest"
	"smarter/internal/repo"
	"smarter/internal/schema"
	"smarter/internal/tasks"
	"smarter/internal/transform"
)

type Verb string

const (
	VerbApply    Verb = "apply"
	VerbDelete   Verb = "delete"
	VerbDeploy   Verb = "deploy"
	VerbDescribe Verb = "describe"
	VerbLogs     Verb = "logs"
	VerbStatus   Verb = "status"
)

// Verbs lists every verb in dispatch order.
var Verbs = []Verb{VerbApply, VerbDelete, VerbDeploy, VerbDescribe, VerbLogs, VerbStatus}

// maxApplyAttempts bounds retries of a lost compare-and-swap.
const maxApplyAttempts = 3

// RequestContext is threaded from the controller through the broker.
type RequestContext struct {
	RequestID  string
	Principal  domain.Principal
	Kind       string
	APIVersion string
	Variant    string
	Verb       Verb
	Name       string
	Document   *manifest.Document
	Model      *schema.Model
	Logs       LogQuery
}

func (rc RequestContext) accountID() string {
	return rc.Principal.Account.ID
}

type Result struct {
	Verb     Verb               `json:"verb"`
	Created  bool               `json:"created,omitempty"`
	Accepted bool               `json:"accepted,omitempty"`
	Op       transform.Op       `json:"op,omitempty"`
	Diff     []transform.Change `json:"diff,omitempty"`
	Report   *manifest.Document `json:"report,omitempty"`
	Logs     *LogPage           `json:"logs,omitempty"`
}

// Variant is one implementation of a Kind.
type Variant struct {
	Name        string
	Validator   schema.Validator
	Transformer transform.Transformer
	Example     string
}

type Broker interface {
	Kind() string
	APIVersion() string
	// Discriminator is nil for single-variant kinds.
	Discriminator() *schema.Discriminator
	Variants() []Variant

	Apply(ctx context.Context, rc RequestContext) (Result, error)
	Delete(ctx context.Context, rc RequestContext) (Result, error)
	Deploy(ctx context.Context, rc RequestContext) (Result, error)
	Describe(ctx context.Context, rc RequestContext) (Result, error)
	Logs(ctx context.Context, rc RequestContext) (Result, error)
	Status(ctx context.Context, rc RequestContext) (Result, error)
}

// ReadOnlyKind is implemented by brokers whose records cannot be changed
// through manifests. The controller skips validation for them.
type ReadOnlyKind interface {
	ReadOnly() bool
}

// Deps are the collaborators shared by all brokers.
type Deps struct {
	Repo    repo.Repo
	Events  events.Writer
	Queue   tasks.Queue
	Catalog *schema.Catalog
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) variant(kind, name string, tr transform.Transformer, example string) (Variant, error) {
	s, ok := d.Catalog.Get(kind, name)
	if !ok {
		return Variant{}, fmt.Errorf("no schema for %s/%s", kind, name)
	}
	return Variant{Name: name, Validator: d.Catalog.Bind(s), Transformer: tr, Example: example}, nil
}

// refs answers reference checks inside the caller's account, optionally
// bound to a transaction.
type refs struct {
	repo      repo.Repo
	tx        *sql.Tx
	accountID string
}

func (r refs) Exists(ctx context.Context, kind, name string) (bool, error) {
	return r.repo.ResourceExists(ctx, r.tx, r.accountID, kind, name)
}

// Refs returns a schema.References for an account outside any transaction.
func Refs(r repo.Repo, accountID string) schema.References {
	return refs{repo: r, accountID: accountID}
}

func notImplemented(kind string, verb Verb) error {
	return apierr.New(apierr.NotImplemented, "%s does not support %s", kind, verb)
}

func notFound(kind, name string) error {
	return apierr.New(apierr.NotFound, "%s %q not found", kind, name)
}

func internal(err error, format string, args ...any) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apierr.Wrap(apierr.Internal, err, format, args...)
}

func actor(rc RequestContext) string {
	if rc.Principal.ActorID == "" {
		return "system"
	}
	return rc.Principal.ActorID
}
