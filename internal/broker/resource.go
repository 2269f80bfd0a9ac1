package broker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/manifest"
	"smarter/internal/repo"
	"smarter/internal/schema"
	"smarter/internal/transform"
)

// statusItemLimit caps the items listed by the status verb.
const statusItemLimit = 200

type hooks struct {
	// beforeWrite may adjust the record and enqueue tasks in tx.
	beforeWrite func(ctx context.Context, tx *sql.Tx, rc RequestContext, existing *domain.Resource, mut *transform.Mutation) error
	// beforeDelete runs in the delete transaction.
	beforeDelete func(ctx context.Context, tx *sql.Tx, rc RequestContext, res domain.Resource) error
	liveStatus   func(ctx context.Context, res domain.Resource) map[string]any
	kindStatus   func(ctx context.Context) map[string]any
}

// Resource is the broker for kinds persisted as resource records. Deploy
// and logs are not supported unless a wrapping broker provides them.
type Resource struct {
	Deps
	kind          string
	discriminator *schema.Discriminator
	variants      []Variant
	deployable    bool
	hooks         hooks
}

func (b *Resource) Kind() string                         { return b.kind }
func (b *Resource) APIVersion() string                   { return manifest.APIVersion }
func (b *Resource) Discriminator() *schema.Discriminator { return b.discriminator }
func (b *Resource) Variants() []Variant                  { return b.variants }

func (b *Resource) variantFor(name string) (Variant, error) {
	for _, v := range b.variants {
		if v.Name == name {
			return v, nil
		}
	}
	if name == "" && len(b.variants) == 1 {
		return b.variants[0], nil
	}
	return Variant{}, apierr.New(apierr.BadRequest, "%s has no implementation %q", b.kind, name)
}

func (b *Resource) Apply(ctx context.Context, rc RequestContext) (Result, error) {
	if rc.Document == nil {
		return Result{}, apierr.New(apierr.BadRequest, "apply requires a manifest")
	}
	v, err := b.variantFor(rc.Variant)
	if err != nil {
		return Result{}, err
	}
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		res, err := b.applyOnce(ctx, rc, v)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		return res, err
	}
	return Result{}, apierr.New(apierr.BadRequest, "concurrent modification of %s %q, retry the request", b.kind, rc.Document.Metadata.Name)
}

func (b *Resource) applyOnce(ctx context.Context, rc RequestContext, v Variant) (Result, error) {
	tx, err := b.Repo.Begin(ctx)
	if err != nil {
		return Result{}, internal(err, "begin apply")
	}
	defer tx.Rollback()

	// references may have changed since the controller validated
	model, err := v.Validator.Validate(ctx, rc.Document, refs{repo: b.Repo, tx: tx, accountID: rc.accountID()}, nil)
	if err != nil {
		return Result{}, err
	}
	var existing *domain.Resource
	current, err := b.Repo.GetResource(ctx, tx, rc.accountID(), b.kind, model.Metadata.Name)
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, repo.ErrNotFound):
	default:
		return Result{}, internal(err, "load %s %s", b.kind, model.Metadata.Name)
	}

	mut, err := v.Transformer.ToRecord(model, existing)
	if err != nil {
		return Result{}, err
	}
	if mut.Op == transform.OpNone {
		return Result{Verb: VerbApply, Op: transform.OpNone, Report: b.report(ctx, mut.Record)}, nil
	}

	now := domain.FormatTime(b.now())
	mut.Record.UpdatedAt = now
	if mut.Op == transform.OpCreate {
		mut.Record.ID = uuid.NewString()
		mut.Record.AccountID = rc.accountID()
		mut.Record.CreatedAt = now
		mut.Record.ResourceVersion = 1
		mut.Record.DeployState = domain.NotDeployed
	}
	if b.hooks.beforeWrite != nil {
		if err := b.hooks.beforeWrite(ctx, tx, rc, existing, &mut); err != nil {
			return Result{}, err
		}
	}

	evtType := events.ResourceUpdated
	if mut.Op == transform.OpCreate {
		evtType = events.ResourceCreated
		if err := b.Repo.InsertResource(ctx, tx, mut.Record); err != nil {
			return Result{}, conflictOr(err, "insert %s %s", b.kind, mut.Record.Name)
		}
	} else {
		if err := b.Repo.UpdateResource(ctx, tx, mut.Record, existing.ResourceVersion); err != nil {
			return Result{}, conflictOr(err, "update %s %s", b.kind, mut.Record.Name)
		}
		mut.Record.ResourceVersion = existing.ResourceVersion + 1
	}
	if _, err := b.Events.Append(ctx, tx, evtType, entityOf(mut.Record), actor(rc), events.EventPayload{
		"request_id":       rc.RequestID,
		"resource_version": mut.Record.ResourceVersion,
		"diff":             mut.Diff,
	}); err != nil {
		return Result{}, internal(err, "record %s event", evtType)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, conflictOr(err, "commit %s %s", b.kind, mut.Record.Name)
	}
	return Result{
		Verb:    VerbApply,
		Created: mut.Op == transform.OpCreate,
		Op:      mut.Op,
		Diff:    mut.Diff,
		Report:  b.report(ctx, mut.Record),
	}, nil
}

func (b *Resource) Describe(ctx context.Context, rc RequestContext) (Result, error) {
	res, err := b.load(ctx, nil, rc)
	if err != nil {
		return Result{}, err
	}
	return Result{Verb: VerbDescribe, Report: b.report(ctx, res)}, nil
}

func (b *Resource) Delete(ctx context.Context, rc RequestContext) (Result, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		res, err := b.deleteOnce(ctx, rc)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		return res, err
	}
	return Result{}, apierr.New(apierr.BadRequest, "concurrent modification of %s %q, retry the request", b.kind, rc.Name)
}

func (b *Resource) deleteOnce(ctx context.Context, rc RequestContext) (Result, error) {
	tx, err := b.Repo.Begin(ctx)
	if err != nil {
		return Result{}, internal(err, "begin delete")
	}
	defer tx.Rollback()
	res, err := b.load(ctx, tx, rc)
	if err != nil {
		return Result{}, err
	}
	if b.hooks.beforeDelete != nil {
		if err := b.hooks.beforeDelete(ctx, tx, rc, res); err != nil {
			return Result{}, err
		}
	}
	if err := b.Repo.DeleteResource(ctx, tx, res.ID, res.ResourceVersion); err != nil {
		return Result{}, conflictOr(err, "delete %s %s", b.kind, res.Name)
	}
	if _, err := b.Events.Append(ctx, tx, events.ResourceDeleted, entityOf(res), actor(rc), events.EventPayload{
		"request_id": rc.RequestID,
	}); err != nil {
		return Result{}, internal(err, "record delete event")
	}
	if err := tx.Commit(); err != nil {
		return Result{}, conflictOr(err, "commit delete %s %s", b.kind, res.Name)
	}
	report := b.report(ctx, res)
	report.Status = map[string]any{"deleted": true}
	return Result{Verb: VerbDelete, Report: report}, nil
}

func (b *Resource) Deploy(context.Context, RequestContext) (Result, error) {
	return Result{}, notImplemented(b.kind, VerbDeploy)
}

func (b *Resource) Logs(context.Context, RequestContext) (Result, error) {
	return Result{}, notImplemented(b.kind, VerbLogs)
}

func (b *Resource) Status(ctx context.Context, rc RequestContext) (Result, error) {
	items, err := b.Repo.ListResources(ctx, repo.ResourceFilter{AccountID: rc.accountID(), Kind: b.kind, Limit: statusItemLimit})
	if err != nil {
		return Result{}, internal(err, "list %s", b.kind)
	}
	counts, err := b.Repo.CountResources(ctx, rc.accountID(), b.kind)
	if err != nil {
		return Result{}, internal(err, "count %s", b.kind)
	}
	total := 0
	states := map[string]any{}
	for state, n := range counts {
		total += n
		states[string(state)] = n
	}
	list := make([]any, 0, len(items))
	for _, res := range items {
		item := map[string]any{"name": res.Name, "modified": res.UpdatedAt}
		if res.Variant != "" {
			item["variant"] = res.Variant
		}
		if b.deployable {
			item["deployState"] = string(res.DeployState)
			if res.URL != "" {
				item["url"] = res.URL
			}
		}
		list = append(list, item)
	}
	status := map[string]any{"total": total, "items": list}
	if b.deployable {
		status["deployStates"] = states
	}
	if b.hooks.kindStatus != nil {
		for k, v := range b.hooks.kindStatus(ctx) {
			status[k] = v
		}
	}
	return Result{Verb: VerbStatus, Report: &manifest.Document{
		APIVersion: manifest.APIVersion,
		Kind:       b.kind,
		Metadata:   manifest.Metadata{Name: rc.Principal.Account.Name},
		Status:     status,
	}}, nil
}

func (b *Resource) load(ctx context.Context, tx *sql.Tx, rc RequestContext) (domain.Resource, error) {
	if rc.Name == "" {
		return domain.Resource{}, apierr.New(apierr.BadRequest, "%s name required", b.kind)
	}
	res, err := b.Repo.GetResource(ctx, tx, rc.accountID(), b.kind, rc.Name)
	if errors.Is(err, repo.ErrNotFound) {
		return res, notFound(b.kind, rc.Name)
	}
	if err != nil {
		return res, internal(err, "load %s %s", b.kind, rc.Name)
	}
	return res, nil
}

// report renders res with its live status.
func (b *Resource) report(ctx context.Context, res domain.Resource) *manifest.Document {
	var doc *manifest.Document
	if v, err := b.variantFor(res.Variant); err == nil {
		doc = v.Transformer.ToManifest(res)
	} else {
		doc = transform.Resource{Kind: b.kind}.ToManifest(res)
	}
	status := map[string]any{
		"id":              res.ID,
		"resourceVersion": res.ResourceVersion,
		"created":         res.CreatedAt,
		"modified":        res.UpdatedAt,
	}
	if b.deployable {
		status["deployState"] = string(res.DeployState)
	}
	if b.hooks.liveStatus != nil {
		for k, v := range b.hooks.liveStatus(ctx, res) {
			status[k] = v
		}
	}
	doc.Status = status
	return doc
}

func entityOf(res domain.Resource) events.Entity {
	return events.Entity{AccountID: res.AccountID, Kind: res.Kind, ID: res.ID, Name: res.Name}
}

// conflictOr passes ErrConflict through for a retry and wraps anything else.
func conflictOr(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrConflict) {
		return err
	}
	return internal(err, format, args...)
}
