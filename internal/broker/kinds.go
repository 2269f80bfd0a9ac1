package broker

import (
	"context"
	"time"

	"smarter/internal/domain"
	"smarter/internal/provision"
	"smarter/internal/schema"
	"smarter/internal/secrets"
	"smarter/internal/transform"
)

// Options configure the kinds that need more than Deps.
type Options struct {
	Sealer      secrets.Sealer
	Provisioner provision.Provisioner
	RootDomain  string
}

// All returns one broker per served Kind.
func All(d Deps, opts Options) ([]Broker, error) {
	account, err := NewAccount(d)
	if err != nil {
		return nil, err
	}
	secret, err := NewSecret(d, opts.Sealer)
	if err != nil {
		return nil, err
	}
	sqlConn, err := newPlain(d, schema.KindSqlConnection, exampleSqlConnection)
	if err != nil {
		return nil, err
	}
	apiConn, err := newPlain(d, schema.KindApiConnection, exampleApiConnection)
	if err != nil {
		return nil, err
	}
	plugin, err := NewPlugin(d)
	if err != nil {
		return nil, err
	}
	chatbot, err := NewChatBot(d, opts.Provisioner, opts.RootDomain)
	if err != nil {
		return nil, err
	}
	return []Broker{account, secret, sqlConn, apiConn, plugin, chatbot}, nil
}

func newPlain(d Deps, kind, example string) (*Resource, error) {
	v, err := d.variant(kind, "", transform.Resource{Kind: kind}, example)
	if err != nil {
		return nil, err
	}
	return &Resource{Deps: d, kind: kind, variants: []Variant{v}}, nil
}

func NewSecret(d Deps, sealer secrets.Sealer) (*Resource, error) {
	tr := transform.Resource{Kind: schema.KindSecret, Sealed: []string{"spec.value"}, Sealer: sealer}
	v, err := d.variant(schema.KindSecret, "", tr, exampleSecret)
	if err != nil {
		return nil, err
	}
	b := &Resource{Deps: d, kind: schema.KindSecret, variants: []Variant{v}}
	b.hooks.liveStatus = func(_ context.Context, res domain.Resource) map[string]any {
		exp, _ := res.Spec["expirationDate"].(string)
		if exp == "" {
			return nil
		}
		at, err := time.Parse(time.DateOnly, exp)
		if err != nil {
			return nil
		}
		return map[string]any{"expired": !at.After(b.now())}
	}
	return b, nil
}

func NewPlugin(d Deps) (*Resource, error) {
	b := &Resource{Deps: d, kind: schema.KindPlugin, discriminator: schema.PluginDiscriminator}
	for _, class := range schema.PluginDiscriminator.Values {
		v, err := d.variant(schema.KindPlugin, class, transform.Resource{Kind: schema.KindPlugin}, pluginExamples[class])
		if err != nil {
			return nil, err
		}
		b.variants = append(b.variants, v)
	}
	return b, nil
}
