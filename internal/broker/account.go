package broker

import (
	"context"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/manifest"
	"smarter/internal/repo"
	"smarter/internal/schema"
)

// Account exposes the caller's account. Accounts are created by operators,
// never through manifests.
type Account struct {
	Deps
	variants []Variant
}

func NewAccount(d Deps) (*Account, error) {
	v, err := d.variant(schema.KindAccount, "", nil, exampleAccount)
	if err != nil {
		return nil, err
	}
	return &Account{Deps: d, variants: []Variant{v}}, nil
}

func (b *Account) Kind() string                         { return schema.KindAccount }
func (b *Account) APIVersion() string                   { return manifest.APIVersion }
func (b *Account) Discriminator() *schema.Discriminator { return nil }
func (b *Account) Variants() []Variant                  { return b.variants }
func (b *Account) ReadOnly() bool                       { return true }

func (b *Account) Apply(context.Context, RequestContext) (Result, error) {
	return Result{}, apierr.New(apierr.ReadOnly, "Account is read-only")
}

func (b *Account) Delete(context.Context, RequestContext) (Result, error) {
	return Result{}, apierr.New(apierr.ReadOnly, "Account is read-only")
}

func (b *Account) Deploy(context.Context, RequestContext) (Result, error) {
	return Result{}, apierr.New(apierr.ReadOnly, "Account is read-only")
}

func (b *Account) Logs(context.Context, RequestContext) (Result, error) {
	return Result{}, notImplemented(schema.KindAccount, VerbLogs)
}

func (b *Account) Describe(_ context.Context, rc RequestContext) (Result, error) {
	acct := rc.Principal.Account
	if rc.Name != acct.Name && rc.Name != acct.AccountNumber {
		return Result{}, notFound(schema.KindAccount, rc.Name)
	}
	doc := AccountManifest(acct)
	doc.Status = map[string]any{"id": acct.ID, "created": acct.CreatedAt}
	return Result{Verb: VerbDescribe, Report: doc}, nil
}

func (b *Account) Status(ctx context.Context, rc RequestContext) (Result, error) {
	items, err := b.Repo.ListResources(ctx, repo.ResourceFilter{AccountID: rc.accountID()})
	if err != nil {
		return Result{}, internal(err, "list resources")
	}
	counts := map[string]any{}
	for _, res := range items {
		n, _ := counts[res.Kind].(int)
		counts[res.Kind] = n + 1
	}
	doc := AccountManifest(rc.Principal.Account)
	doc.Status = map[string]any{"resources": counts, "total": len(items)}
	return Result{Verb: VerbStatus, Report: doc}, nil
}

// AccountManifest renders an account as a document.
func AccountManifest(a domain.Account) *manifest.Document {
	spec := map[string]any{
		"accountNumber": a.AccountNumber,
		"companyName":   a.CompanyName,
	}
	if a.PhoneNumber != "" {
		spec["phoneNumber"] = a.PhoneNumber
	}
	if a.Address != "" {
		spec["address1"] = a.Address
	}
	return &manifest.Document{
		APIVersion: manifest.APIVersion,
		Kind:       schema.KindAccount,
		Metadata:   manifest.Metadata{Name: a.Name},
		Spec:       spec,
	}
}
