package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarter/internal/apierr"
	"smarter/internal/broker"
	"smarter/internal/controller"
	"smarter/internal/db"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/migrate"
	"smarter/internal/provision"
	"smarter/internal/repo"
	"smarter/internal/schema"
	"smarter/internal/tasks"
	"smarter/internal/testutil"
)

type testEnv struct {
	Ctx        context.Context
	Repo       repo.Repo
	Controller *controller.Controller
	Runner     *tasks.Runner
	Journal    *testutil.MockJournal
	Principal  domain.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	ctx := context.Background()
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	acct := domain.Account{ID: "acct-1", AccountNumber: "1234-5678-9012", Name: "acme", CompanyName: "Acme", CreatedAt: "2024-01-01T00:00:00.000000Z"}
	require.NoError(t, r.InsertAccount(ctx, nil, acct))

	catalog, err := schema.Default()
	require.NoError(t, err)
	deps := broker.Deps{
		Repo:    r,
		Events:  events.Writer{Dialect: db.SQLite},
		Queue:   tasks.Queue{Repo: r},
		Catalog: catalog,
	}
	all, err := broker.All(deps, broker.Options{Provisioner: provision.NewLocal()})
	require.NoError(t, err)
	runner := tasks.NewRunner(r)
	runner.Backoff = 0
	for _, b := range all {
		if cb, ok := b.(*broker.ChatBot); ok {
			cb.Register(runner)
		}
	}
	registry, err := controller.NewRegistry(all...)
	require.NoError(t, err)
	journal := testutil.NewMockJournal()
	ctl := &controller.Controller{Registry: registry, Repo: r, Journal: journal, Metrics: controller.NewMetrics()}
	return testEnv{
		Ctx: ctx, Repo: r, Controller: ctl, Runner: runner, Journal: journal,
		Principal: domain.Principal{ActorID: "alice", Account: acct},
	}
}

func (e testEnv) apply(body string) (broker.Result, error) {
	return e.Controller.Dispatch(e.Ctx, controller.Request{Principal: e.Principal, Verb: broker.VerbApply, Body: []byte(body)})
}

func (e testEnv) call(verb broker.Verb, kind, name string) (broker.Result, error) {
	return e.Controller.Dispatch(e.Ctx, controller.Request{Principal: e.Principal, Verb: verb, Kind: kind, Name: name})
}

const plugin = `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: example_configuration
  pluginClass: static
spec:
  selector:
    directive: always
  prompt:
    provider: openai
    systemRole: You are helpful.
    model: gpt-4o-mini
  data:
    staticData:
      founded: 2023
`

func TestRegistryRejectsDuplicates(t *testing.T) {
	catalog, err := schema.Default()
	require.NoError(t, err)
	d := broker.Deps{Catalog: catalog}
	a, err := broker.NewAccount(d)
	require.NoError(t, err)
	b, err := broker.NewAccount(d)
	require.NoError(t, err)
	_, err = controller.NewRegistry(a, b)
	assert.Error(t, err)

	reg, err := controller.NewRegistry(a)
	require.NoError(t, err)
	got, err := reg.Lookup(schema.KindAccount, "")
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = reg.Lookup(schema.KindAccount, "smarter.sh/v2")
	assert.Equal(t, apierr.UnknownKind, apierr.KindOf(err))
}

func TestApplyThenDescribe(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.apply(plugin)
	require.NoError(t, err)
	assert.True(t, res.Created)

	desc, err := env.call(broker.VerbDescribe, schema.KindPlugin, "example_configuration")
	require.NoError(t, err)
	assert.Equal(t, "static", desc.Report.Metadata.PluginClass)
	assert.Equal(t, res.Report.Status["id"], desc.Report.Status["id"])

	again, err := env.apply(plugin)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Empty(t, again.Diff)
}

func TestUnknownKindHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(`apiVersion: smarter.sh/v1
kind: Widget
metadata:
  name: w
spec: {}
`)
	ae := apierr.From(err)
	assert.Equal(t, apierr.UnknownKind, ae.Kind)
	assert.Equal(t, 500, ae.Status())

	items, err := env.Repo.ListResources(env.Ctx, repo.ResourceFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, items)
	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, evts)

	_, err = env.call(broker.VerbDescribe, "Widget", "w")
	assert.Equal(t, apierr.UnknownKind, apierr.KindOf(err))
}

func TestApplyReportsEveryFieldError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(`apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  pluginClass: static
spec:
  selector:
    directive: always
  prompt:
    provider: openai
    systemRole: You are helpful.
    model: gpt-4o-mini
  data: not-an-object
`)
	ae := apierr.From(err)
	require.Equal(t, apierr.BadRequest, ae.Kind)
	fields := map[string]string{}
	for _, fe := range ae.Fields {
		fields[fe.Field] = fe.Code
	}
	assert.Equal(t, map[string]string{
		"metadata.name": "required",
		"spec.data":     "type_invalid",
	}, fields)
}

func TestMissingTopLevelFieldsHaveRootPaths(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(`kind: Plugin
metadata:
  name: p1
  pluginClass: static
`)
	ae := apierr.From(err)
	require.Equal(t, apierr.BadRequest, ae.Kind)
	var fields []string
	for _, fe := range ae.Fields {
		assert.Equal(t, "required", fe.Code)
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"apiVersion", "spec"}, fields)
}

func TestDiscriminatorCheckedFirst(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(`apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: p
  pluginClass: graphql
spec: {}
`)
	ae := apierr.From(err)
	require.Equal(t, apierr.BadRequest, ae.Kind)
	require.Len(t, ae.Fields, 1)
	assert.Equal(t, "metadata.pluginClass", ae.Fields[0].Field)
	assert.Equal(t, "not_supported", ae.Fields[0].Code)
}

func TestMalformedManifest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply("kind: [unterminated")
	assert.Equal(t, apierr.BadRequest, apierr.KindOf(err))
	_, err = env.apply("- just\n- a list\n")
	assert.Equal(t, apierr.BadRequest, apierr.KindOf(err))
}

func TestReadOnlyKindSkipsValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(`apiVersion: smarter.sh/v1
kind: Account
metadata:
  name: acme
spec:
  companyName: 42
`)
	ae := apierr.From(err)
	assert.Equal(t, apierr.ReadOnly, ae.Kind)
	assert.Equal(t, 405, ae.Status())
}

func TestDeployThroughController(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(plugin)
	require.NoError(t, err)
	_, err = env.apply(`apiVersion: smarter.sh/v1
kind: ChatBot
metadata:
  name: support_bot
spec:
  config:
    subdomain: support
  plugins: [example_configuration]
`)
	require.NoError(t, err)

	res, err := env.call(broker.VerbDeploy, schema.KindChatBot, "support_bot")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.NoError(t, env.Runner.Drain(env.Ctx))

	st, err := env.call(broker.VerbStatus, schema.KindChatBot, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"deployed": 1}, st.Report.Status["deployStates"])
}

func TestDispatchRequiresNameAndAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.call(broker.VerbDescribe, schema.KindPlugin, "")
	assert.Equal(t, apierr.BadRequest, apierr.KindOf(err))

	_, err = env.Controller.Dispatch(env.Ctx, controller.Request{Verb: broker.VerbStatus, Kind: schema.KindPlugin})
	assert.Equal(t, apierr.Unauthenticated, apierr.KindOf(err))

	_, err = env.call(broker.Verb("patch"), schema.KindPlugin, "x")
	assert.Equal(t, apierr.BadRequest, apierr.KindOf(err))
}

func TestJournalAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.Controller.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err := env.call(broker.VerbDelete, schema.KindPlugin, "missing")
	require.Error(t, err)

	last, ok := env.Journal.Last()
	require.True(t, ok)
	assert.Equal(t, "delete", last.Verb)
	assert.Equal(t, schema.KindPlugin, last.Kind)
	assert.Equal(t, "missing", last.Name)
	assert.Equal(t, "error", last.Outcome)
	assert.Equal(t, string(apierr.NotFound), last.ErrorKind)
	assert.NotEmpty(t, last.RequestID)

	families, err := env.Controller.Metrics.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() != "smarter_broker_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["kind"] == schema.KindPlugin && labels["verb"] == "delete" && labels["outcome"] == "error" {
				found = true
				assert.Equal(t, 1.0, m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found)
}

func TestValidateHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.Controller.Validate(env.Ctx, controller.Request{Principal: env.Principal, Body: []byte(plugin)})
	require.NoError(t, err)
	assert.Equal(t, "example_configuration", doc.Metadata.Name)
	assert.Equal(t, "static", doc.Metadata.PluginClass)

	items, err := env.Repo.ListResources(env.Ctx, repo.ResourceFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestKindsAndExamples(t *testing.T) {
	env := newTestEnv(t)
	kinds := env.Controller.Kinds()
	names := []string{}
	for _, k := range kinds {
		names = append(names, k.Kind)
		if k.Kind == schema.KindPlugin {
			assert.ElementsMatch(t, []string{"static", "sql", "api"}, k.Variants)
		}
		if k.Kind == schema.KindAccount {
			assert.True(t, k.ReadOnly)
		}
	}
	assert.Equal(t, []string{"Account", "ApiConnection", "ChatBot", "Plugin", "Secret", "SqlConnection"}, names)

	ex, err := env.Controller.Example(schema.KindPlugin, "sql")
	require.NoError(t, err)
	assert.Equal(t, "sql", ex.Metadata.PluginClass)
	_, err = env.Controller.Example(schema.KindPlugin, "graphql")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
	_, err = env.Controller.Example("Widget", "")
	assert.Equal(t, apierr.UnknownKind, apierr.KindOf(err))
}
