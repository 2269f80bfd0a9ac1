// Package controller resolves a request to the broker serving its kind and
// runs the verb. Parsing, discriminator checks and validation happen here,
// before any broker is called, so unknown kinds and invalid manifests never
// reach persistence.
package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"smarter/internal/apierr"
	"smarter/internal/broker"
	"smarter/internal/domain"
	"smarter/internal/manifest"
	"smarter/internal/repo"
)

// Journal receives one entry per dispatched request. Record must not block.
type Journal interface {
	Record(e domain.JournalEntry) bool
}

// Request is one verb invocation. Body and ContentType are used by apply
// and validate; Name by the per-record verbs.
type Request struct {
	RequestID   string
	Principal   domain.Principal
	Verb        broker.Verb
	Kind        string
	APIVersion  string
	Name        string
	Body        []byte
	ContentType string
	Logs        broker.LogQuery
}

type Controller struct {
	Registry *Registry
	Repo     repo.Repo
	Journal  Journal
	Metrics  *Metrics
	Logger   *log.Logger
	Now      func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) logf(format string, args ...any) {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("controller: "+format, args...)
}

// Dispatch runs req and records its outcome.
func (c *Controller) Dispatch(ctx context.Context, req Request) (broker.Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	start := c.now()
	res, kind, err := c.dispatch(ctx, &req)
	c.record(req, kind, start, err)
	return res, err
}

func (c *Controller) dispatch(ctx context.Context, req *Request) (broker.Result, string, error) {
	if req.Principal.Account.ID == "" {
		return broker.Result{}, req.Kind, apierr.New(apierr.Unauthenticated, "no authenticated account")
	}
	switch req.Verb {
	case broker.VerbApply:
		b, rc, err := c.prepare(ctx, req)
		req.Name = rc.Name
		if err != nil {
			return broker.Result{}, rc.Kind, err
		}
		res, err := b.Apply(ctx, rc)
		return res, rc.Kind, err
	case broker.VerbDelete, broker.VerbDeploy, broker.VerbDescribe, broker.VerbLogs, broker.VerbStatus:
	default:
		return broker.Result{}, req.Kind, apierr.New(apierr.BadRequest, "unknown verb %q", req.Verb)
	}
	if req.Kind == "" {
		return broker.Result{}, "", apierr.New(apierr.BadRequest, "kind required")
	}
	b, err := c.Registry.Lookup(req.Kind, req.APIVersion)
	if err != nil {
		return broker.Result{}, req.Kind, err
	}
	if req.Verb != broker.VerbStatus && req.Name == "" {
		return broker.Result{}, req.Kind, apierr.New(apierr.BadRequest, "%s requires a name", req.Verb)
	}
	rc := broker.RequestContext{
		RequestID:  req.RequestID,
		Principal:  req.Principal,
		Kind:       b.Kind(),
		APIVersion: b.APIVersion(),
		Verb:       req.Verb,
		Name:       req.Name,
		Logs:       req.Logs,
	}
	var res broker.Result
	switch req.Verb {
	case broker.VerbDelete:
		res, err = b.Delete(ctx, rc)
	case broker.VerbDeploy:
		res, err = b.Deploy(ctx, rc)
	case broker.VerbDescribe:
		res, err = b.Describe(ctx, rc)
	case broker.VerbLogs:
		res, err = b.Logs(ctx, rc)
	case broker.VerbStatus:
		res, err = b.Status(ctx, rc)
	}
	return res, rc.Kind, err
}

// Validate parses and validates a manifest without touching state. It
// returns the document as it would be stored.
func (c *Controller) Validate(ctx context.Context, req Request) (*manifest.Document, error) {
	req.Verb = broker.VerbApply
	b, rc, err := c.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}
	if rc.Model == nil {
		return nil, apierr.New(apierr.ReadOnly, "%s is read-only", b.Kind())
	}
	m := rc.Model
	meta := m.Metadata
	meta.PluginClass = rc.Variant
	return &manifest.Document{APIVersion: m.APIVersion, Kind: m.Kind, Metadata: meta, Spec: m.Spec}, nil
}

// prepare parses the body, resolves the broker and variant, and validates
// the document. Read-only kinds skip validation.
func (c *Controller) prepare(ctx context.Context, req *Request) (broker.Broker, broker.RequestContext, error) {
	rc := broker.RequestContext{RequestID: req.RequestID, Principal: req.Principal, Verb: req.Verb, Kind: req.Kind}
	doc, err := manifest.Parse(req.Body, req.ContentType)
	var prior field.ErrorList
	if err != nil {
		var pe *manifest.ParseError
		if !errors.As(err, &pe) {
			return nil, rc, apierr.Wrap(apierr.Internal, err, "parse manifest")
		}
		if pe.Kind != manifest.MissingEnvelopeField || doc == nil {
			return nil, rc, apierr.New(apierr.BadRequest, "malformed manifest: %s", pe.Detail)
		}
		prior = pe.Fields
	}
	if doc.Kind == "" {
		return nil, rc, apierr.Invalid("manifest failed validation", prior)
	}
	rc.Kind = doc.Kind
	b, err := c.Registry.Lookup(doc.Kind, doc.APIVersion)
	if err != nil {
		return nil, rc, err
	}
	rc.Kind = b.Kind()
	rc.APIVersion = b.APIVersion()
	rc.Name = doc.Metadata.Name
	rc.Document = doc
	if ro, ok := b.(broker.ReadOnlyKind); ok && ro.ReadOnly() {
		return b, rc, nil
	}

	if d := b.Discriminator(); d != nil {
		v, ferr := d.Resolve(doc)
		if ferr != nil {
			return nil, rc, apierr.Invalid(b.Kind()+" failed validation", append(prior, ferr))
		}
		rc.Variant = v
	}
	var variant *broker.Variant
	for _, v := range b.Variants() {
		if v.Name == rc.Variant {
			v := v
			variant = &v
			break
		}
	}
	if variant == nil {
		return nil, rc, apierr.New(apierr.Internal, "%s has no variant %q", b.Kind(), rc.Variant)
	}
	model, err := variant.Validator.Validate(ctx, doc, broker.Refs(c.Repo, req.Principal.Account.ID), prior)
	if err != nil {
		return nil, rc, err
	}
	rc.Model = model
	return b, rc, nil
}

func (c *Controller) record(req Request, kind string, start time.Time, err error) {
	elapsed := c.now().Sub(start)
	outcome := "ok"
	entry := domain.JournalEntry{
		ID:         uuid.NewString(),
		TS:         domain.FormatTime(start),
		RequestID:  req.RequestID,
		ActorID:    req.Principal.ActorID,
		AccountID:  req.Principal.Account.ID,
		Verb:       string(req.Verb),
		Kind:       kind,
		Name:       req.Name,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		ae := apierr.From(err)
		outcome = "error"
		entry.ErrorKind = string(ae.Kind)
		entry.Detail = ae.Detail
		if ae.Kind == apierr.Internal {
			c.logf("%s %s %s: %v", req.Verb, kind, req.Name, err)
		}
	}
	entry.Outcome = outcome
	c.Metrics.observe(kind, string(req.Verb), outcome, elapsed)
	if c.Journal != nil {
		c.Journal.Record(entry)
	}
}

// KindInfo describes one registered kind.
type KindInfo struct {
	Kind       string   `json:"kind" yaml:"kind"`
	APIVersion string   `json:"apiVersion" yaml:"apiVersion"`
	Variants   []string `json:"variants,omitempty" yaml:"variants,omitempty"`
	ReadOnly   bool     `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

func (c *Controller) Kinds() []KindInfo {
	var out []KindInfo
	for _, kind := range c.Registry.Kinds() {
		for _, b := range c.Registry.Brokers(kind) {
			info := KindInfo{Kind: b.Kind(), APIVersion: b.APIVersion()}
			if b.Discriminator() != nil {
				for _, v := range b.Variants() {
					info.Variants = append(info.Variants, v.Name)
				}
			}
			if ro, ok := b.(broker.ReadOnlyKind); ok {
				info.ReadOnly = ro.ReadOnly()
			}
			out = append(out, info)
		}
	}
	return out
}

// Example returns the example manifest of a kind. variant may be empty for
// the first variant.
func (c *Controller) Example(kind, variant string) (*manifest.Document, error) {
	b, err := c.Registry.Lookup(kind, "")
	if err != nil {
		return nil, err
	}
	for _, v := range b.Variants() {
		if variant == "" || v.Name == variant {
			return manifest.Parse([]byte(v.Example), "")
		}
	}
	return nil, apierr.New(apierr.NotFound, "%s has no variant %q", kind, variant)
}
