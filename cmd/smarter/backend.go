package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"smarter/internal/broker"
	"smarter/internal/controller"
	"smarter/internal/domain"
	"smarter/internal/engine"
	"smarter/internal/manifest"
	smartersdk "smarter/sdk/go"
)

// backend runs manifest verbs either in-process against the workspace
// database or through the HTTP API.
type backend interface {
	apply(ctx context.Context, body []byte, contentType string) (any, error)
	validate(ctx context.Context, body []byte, contentType string) (any, error)
	describe(ctx context.Context, kind, name string) (any, error)
	deploy(ctx context.Context, kind, name string) (any, error)
	delete(ctx context.Context, kind, name string) (any, error)
	logs(ctx context.Context, kind, name string, limit int, cursor string) (smartersdk.LogPage, error)
	status(ctx context.Context, kind string) ([]any, error)
	kinds(ctx context.Context) ([]smartersdk.KindInfo, error)
	example(ctx context.Context, kind, variant string) (any, error)
	whoami(ctx context.Context) (smartersdk.WhoAmI, error)
	// waitDeployed blocks until the resource leaves the pending state.
	waitDeployed(ctx context.Context, kind, name string) (any, error)
}

func withBackend(ctx context.Context, fn func(context.Context, backend) error) error {
	remote := strings.TrimRight(viper.GetString("remote"), "/")
	if remote != "" {
		key := viper.GetString("api-key")
		if key == "" {
			stored, err := keyring.Get(keyringService, remote)
			if err != nil {
				return fmt.Errorf("no API key for %s: pass --api-key or run smarter login (%w)", remote, err)
			}
			key = stored
		}
		return fn(ctx, remoteBackend{c: newClient(remote, key)})
	}
	return withPrincipal(ctx, func(ctx context.Context, e *engine.Engine, p domain.Principal) error {
		return fn(ctx, localBackend{e: e, p: p})
	})
}

func newClient(remote, key string) *smartersdk.Client {
	c := smartersdk.New(remote)
	if bp := viper.GetString("base-path"); bp != "" {
		c.BasePath = bp
	}
	c.APIKey = key
	return c
}

type localBackend struct {
	e *engine.Engine
	p domain.Principal
}

func (b localBackend) dispatch(ctx context.Context, req controller.Request) (broker.Result, error) {
	req.Principal = b.p
	return b.e.Controller.Dispatch(ctx, req)
}

func (b localBackend) kind(kind string) string {
	for _, k := range b.e.Controller.Registry.Kinds() {
		if strings.EqualFold(k, kind) {
			return k
		}
	}
	return kind
}

func (b localBackend) apply(ctx context.Context, body []byte, contentType string) (any, error) {
	return b.dispatch(ctx, controller.Request{Verb: broker.VerbApply, Body: body, ContentType: contentType})
}

func (b localBackend) validate(ctx context.Context, body []byte, contentType string) (any, error) {
	return b.e.Controller.Validate(ctx, controller.Request{Principal: b.p, Body: body, ContentType: contentType})
}

func (b localBackend) describe(ctx context.Context, kind, name string) (any, error) {
	res, err := b.dispatch(ctx, controller.Request{Verb: broker.VerbDescribe, Kind: b.kind(kind), Name: name})
	if err != nil {
		return nil, err
	}
	return res.Report, nil
}

func (b localBackend) deploy(ctx context.Context, kind, name string) (any, error) {
	return b.dispatch(ctx, controller.Request{Verb: broker.VerbDeploy, Kind: b.kind(kind), Name: name})
}

func (b localBackend) delete(ctx context.Context, kind, name string) (any, error) {
	return b.dispatch(ctx, controller.Request{Verb: broker.VerbDelete, Kind: b.kind(kind), Name: name})
}

func (b localBackend) logs(ctx context.Context, kind, name string, limit int, cursor string) (smartersdk.LogPage, error) {
	res, err := b.dispatch(ctx, controller.Request{
		Verb: broker.VerbLogs,
		Kind: b.kind(kind),
		Name: name,
		Logs: broker.LogQuery{Limit: limit, Cursor: cursor},
	})
	if err != nil {
		return smartersdk.LogPage{}, err
	}
	page := smartersdk.LogPage{Items: []smartersdk.LogLine{}}
	if res.Logs == nil {
		return page, nil
	}
	page.NextCursor = res.Logs.NextCursor
	for _, l := range res.Logs.Items {
		page.Items = append(page.Items, smartersdk.LogLine{TS: l.TS, Type: l.Type, Actor: l.Actor, Message: l.Message, Data: l.Data})
	}
	return page, nil
}

func (b localBackend) status(ctx context.Context, kind string) ([]any, error) {
	var reqs []controller.Request
	if kind != "" {
		reqs = append(reqs, controller.Request{Verb: broker.VerbStatus, Kind: b.kind(kind)})
	} else {
		for _, k := range b.e.Controller.Kinds() {
			reqs = append(reqs, controller.Request{Verb: broker.VerbStatus, Kind: k.Kind, APIVersion: k.APIVersion})
		}
	}
	out := []any{}
	for _, req := range reqs {
		res, err := b.dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Report)
	}
	return out, nil
}

func (b localBackend) kinds(ctx context.Context) ([]smartersdk.KindInfo, error) {
	var out []smartersdk.KindInfo
	for _, k := range b.e.Controller.Kinds() {
		out = append(out, smartersdk.KindInfo{Kind: k.Kind, APIVersion: k.APIVersion, Variants: k.Variants, ReadOnly: k.ReadOnly})
	}
	return out, nil
}

func (b localBackend) example(ctx context.Context, kind, variant string) (any, error) {
	return b.e.Controller.Example(b.kind(kind), variant)
}

func (b localBackend) whoami(ctx context.Context) (smartersdk.WhoAmI, error) {
	var who smartersdk.WhoAmI
	who.ActorID = b.p.ActorID
	who.Account.ID = b.p.Account.ID
	who.Account.Name = b.p.Account.Name
	who.Account.AccountNumber = b.p.Account.AccountNumber
	return who, nil
}

// waitDeployed runs queued tasks in-process, since no workers run for a
// local command.
func (b localBackend) waitDeployed(ctx context.Context, kind, name string) (any, error) {
	return pollDeployState(ctx, func(ctx context.Context) (any, map[string]any, error) {
		if err := b.e.Runner.Drain(ctx); err != nil {
			return nil, nil, err
		}
		doc, err := b.describe(ctx, kind, name)
		if err != nil {
			return nil, nil, err
		}
		return doc, doc.(*manifest.Document).Status, nil
	})
}

type remoteBackend struct {
	c *smartersdk.Client
}

func (b remoteBackend) apply(ctx context.Context, body []byte, contentType string) (any, error) {
	return b.c.Apply(ctx, body, contentType)
}

func (b remoteBackend) validate(ctx context.Context, body []byte, contentType string) (any, error) {
	return b.c.Validate(ctx, body, contentType)
}

func (b remoteBackend) describe(ctx context.Context, kind, name string) (any, error) {
	return b.c.Describe(ctx, kind, name)
}

func (b remoteBackend) deploy(ctx context.Context, kind, name string) (any, error) {
	return b.c.Deploy(ctx, kind, name)
}

func (b remoteBackend) delete(ctx context.Context, kind, name string) (any, error) {
	return b.c.Delete(ctx, kind, name)
}

func (b remoteBackend) logs(ctx context.Context, kind, name string, limit int, cursor string) (smartersdk.LogPage, error) {
	return b.c.Logs(ctx, kind, name, limit, cursor)
}

func (b remoteBackend) status(ctx context.Context, kind string) ([]any, error) {
	if kind != "" {
		doc, err := b.c.Status(ctx, kind)
		if err != nil {
			return nil, err
		}
		return []any{doc}, nil
	}
	docs, err := b.c.StatusAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	return out, nil
}

func (b remoteBackend) kinds(ctx context.Context) ([]smartersdk.KindInfo, error) {
	return b.c.Kinds(ctx)
}

func (b remoteBackend) example(ctx context.Context, kind, variant string) (any, error) {
	return b.c.Example(ctx, kind, variant)
}

func (b remoteBackend) whoami(ctx context.Context) (smartersdk.WhoAmI, error) {
	return b.c.WhoAmI(ctx)
}

func (b remoteBackend) waitDeployed(ctx context.Context, kind, name string) (any, error) {
	return pollDeployState(ctx, func(ctx context.Context) (any, map[string]any, error) {
		doc, err := b.c.Describe(ctx, kind, name)
		if err != nil {
			return nil, nil, err
		}
		return doc, doc.Status, nil
	})
}

func pollDeployState(ctx context.Context, step func(context.Context) (any, map[string]any, error)) (any, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		doc, status, err := step(ctx)
		if err != nil {
			return nil, err
		}
		switch domain.DeployState(fmt.Sprint(status["deployState"])) {
		case domain.Deployed, domain.Failed, domain.NotDeployed:
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("deployment still pending: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
