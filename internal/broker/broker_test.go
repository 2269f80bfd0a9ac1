package broker_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarter/internal/apierr"
	"smarter/internal/broker"
	"smarter/internal/db"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/manifest"
	"smarter/internal/migrate"
	"smarter/internal/provision"
	"smarter/internal/repo"
	"smarter/internal/schema"
	"smarter/internal/secrets"
	"smarter/internal/tasks"
	"smarter/internal/testutil"
	"smarter/internal/transform"
)

type testEnv struct {
	Ctx         context.Context
	Repo        repo.Repo
	Deps        broker.Deps
	Brokers     map[string]broker.Broker
	Runner      *tasks.Runner
	Provisioner *testutil.MockProvisioner
	Principal   domain.Principal
	Logs        *bytes.Buffer
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

	catalog, err := schema.NewCatalog()
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	catalog.Now = now
	key, err := secrets.NewKey()
	require.NoError(t, err)
	sealer, err := secrets.NewSealer(key)
	require.NoError(t, err)

	deps := broker.Deps{
		Repo:    r,
		Events:  events.Writer{Dialect: db.SQLite, Now: time.Now},
		Queue:   tasks.Queue{Repo: r, MaxAttempts: 2, Now: time.Now},
		Catalog: catalog,
		Now:     time.Now,
	}
	prov := testutil.NewMockProvisioner().Passthrough()
	all, err := broker.All(deps, broker.Options{Sealer: sealer, Provisioner: prov, RootDomain: "example.com"})
	require.NoError(t, err)

	var logs bytes.Buffer
	runner := tasks.NewRunner(r)
	runner.Backoff = 0
	runner.Logger = log.New(&logs, "", 0)
	env := testEnv{
		Ctx: ctx, Repo: r, Deps: deps, Brokers: map[string]broker.Broker{}, Runner: runner, Provisioner: prov,
		Principal: domain.Principal{ActorID: "alice", Account: acct}, Logs: &logs,
	}
	for _, b := range all {
		env.Brokers[b.Kind()] = b
		if cb, ok := b.(*broker.ChatBot); ok {
			cb.Register(runner)
		}
	}
	return env
}

func (e testEnv) rc(t *testing.T, verb broker.Verb, kind, name string) broker.RequestContext {
	t.Helper()
	return broker.RequestContext{RequestID: "req-1", Principal: e.Principal, Kind: kind, Verb: verb, Name: name}
}

func (e testEnv) apply(t *testing.T, raw string) (broker.Result, error) {
	t.Helper()
	doc, err := manifest.Parse([]byte(raw), "")
	require.NoError(t, err)
	b := e.Brokers[doc.Kind]
	require.NotNil(t, b, "kind %s", doc.Kind)
	rc := e.rc(t, broker.VerbApply, doc.Kind, doc.Metadata.Name)
	rc.Document = doc
	if d := b.Discriminator(); d != nil {
		v, ferr := d.Resolve(doc)
		require.Nil(t, ferr)
		rc.Variant = v
	}
	return b.Apply(e.Ctx, rc)
}

func (e testEnv) mustApply(t *testing.T, raw string) broker.Result {
	t.Helper()
	res, err := e.apply(t, raw)
	require.NoError(t, err)
	return res
}

func errKind(t *testing.T, err error) apierr.Kind {
	t.Helper()
	require.Error(t, err)
	var ae *apierr.Error
	require.True(t, errors.As(err, &ae), "got %T %v", err, err)
	return ae.Kind
}

const staticPlugin = `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: example_configuration
  version: 0.1.0
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

const chatbot = `apiVersion: smarter.sh/v1
kind: ChatBot
metadata:
  name: support_bot
spec:
  config:
    appName: Support
    subdomain: support
  plugins: [example_configuration]
`

func TestApplyCreatesThenDescribeMatches(t *testing.T) {
	env := newTestEnv(t)
	res := env.mustApply(t, staticPlugin)
	assert.True(t, res.Created)
	assert.Equal(t, transform.OpCreate, res.Op)

	desc, err := env.Brokers[schema.KindPlugin].Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindPlugin, "example_configuration"))
	require.NoError(t, err)
	in, err := manifest.Parse([]byte(staticPlugin), "")
	require.NoError(t, err)
	assert.Equal(t, in.Spec, desc.Report.Spec)
	assert.Equal(t, "static", desc.Report.Metadata.PluginClass)
	assert.Equal(t, res.Report.Status["id"], desc.Report.Status["id"])
}

func TestReapplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	first := env.mustApply(t, chatbot)
	_, err := env.Brokers[schema.KindChatBot].Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	require.NoError(t, env.Runner.Drain(env.Ctx))
	env.Provisioner.AssertNumberOfCalls(t, "Provision", 1)

	again := env.mustApply(t, chatbot)
	assert.False(t, again.Created)
	assert.Equal(t, transform.OpNone, again.Op)
	assert.Empty(t, again.Diff)
	assert.Equal(t, first.Report.Status["id"], again.Report.Status["id"])
	require.NoError(t, env.Runner.Drain(env.Ctx))
	env.Provisioner.AssertNumberOfCalls(t, "Provision", 1)
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Brokers[schema.KindPlugin].Delete(env.Ctx, env.rc(t, broker.VerbDelete, schema.KindPlugin, "nope"))
	assert.Equal(t, apierr.NotFound, errKind(t, err))
	assert.Equal(t, 404, apierr.From(err).Status())
}

func TestDeleteRemovesRecord(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	b := env.Brokers[schema.KindPlugin]
	res, err := b.Delete(env.Ctx, env.rc(t, broker.VerbDelete, schema.KindPlugin, "example_configuration"))
	require.NoError(t, err)
	assert.Equal(t, true, res.Report.Status["deleted"])
	_, err = b.Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindPlugin, "example_configuration"))
	assert.Equal(t, apierr.NotFound, errKind(t, err))
}

func TestDeployChatBotSettlesAsync(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	env.mustApply(t, chatbot)
	b := env.Brokers[schema.KindChatBot]

	res, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "pending", res.Report.Status["deployState"])
	taskID := res.Report.Status["deployTaskId"]
	require.NotEmpty(t, taskID)

	// a second deploy while pending is accepted without a new task
	again, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	assert.Equal(t, taskID, again.Report.Status["deployTaskId"])

	require.NoError(t, env.Runner.Drain(env.Ctx))
	env.Provisioner.AssertNumberOfCalls(t, "Provision", 1)

	status, err := b.Status(env.Ctx, env.rc(t, broker.VerbStatus, schema.KindChatBot, ""))
	require.NoError(t, err)
	items := status.Report.Status["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "deployed", item["deployState"])
	assert.Equal(t, "https://support.1234-5678-9012.example.com/", item["url"])
	assert.Equal(t, map[string]any{"deployed": 1}, status.Report.Status["deployStates"])

	logs, err := b.Logs(env.Ctx, env.rc(t, broker.VerbLogs, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	var types []string
	for _, l := range logs.Logs.Items {
		types = append(types, l.Type)
	}
	assert.Equal(t, []string{events.ResourceCreated, events.DeployRequested, events.DeploySucceeded}, types)
}

func TestDeployFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.Provisioner.FailProvision(&provision.Error{Op: "provision", Retryable: true, Err: errors.New("cluster down")})
	env.mustApply(t, staticPlugin)
	env.mustApply(t, chatbot)
	b := env.Brokers[schema.KindChatBot]
	_, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	require.NoError(t, env.Runner.Drain(env.Ctx))

	desc, err := b.Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	assert.Equal(t, "failed", desc.Report.Status["deployState"])
	assert.Contains(t, desc.Report.Status["deployDetail"], "cluster down")
	env.Provisioner.AssertNumberOfCalls(t, "Provision", 2)
}

func TestDeployNotReadyWhenProvisionerDown(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	env.mustApply(t, chatbot)
	cb, err := broker.NewChatBot(env.Deps, downProvisioner{provision.NewLocal()}, "")
	require.NoError(t, err)
	_, err = cb.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	assert.Equal(t, apierr.NotReady, errKind(t, err))
}

type downProvisioner struct{ *provision.Local }

func (downProvisioner) Health(context.Context) provision.Health {
	return provision.Health{Ready: false, Detail: "maintenance"}
}

func TestSpecChangeRedeploysAndDeleteTearsDown(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	env.mustApply(t, chatbot)
	b := env.Brokers[schema.KindChatBot]
	_, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	require.NoError(t, env.Runner.Drain(env.Ctx))

	changed := env.mustApply(t, `apiVersion: smarter.sh/v1
kind: ChatBot
metadata:
  name: support_bot
spec:
  config:
    subdomain: help
`)
	assert.Equal(t, transform.OpUpdate, changed.Op)
	assert.Equal(t, "pending", changed.Report.Status["deployState"])
	require.NoError(t, env.Runner.Drain(env.Ctx))
	env.Provisioner.AssertNumberOfCalls(t, "Provision", 2)

	desc, err := b.Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	assert.Equal(t, "https://help.1234-5678-9012.example.com/", desc.Report.Status["url"])
	assert.Equal(t, "Support", desc.Report.Spec["config"].(map[string]any)["appName"], "partial update kept appName")

	_, err = b.Delete(env.Ctx, env.rc(t, broker.VerbDelete, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	require.NoError(t, env.Runner.Drain(env.Ctx))
	env.Provisioner.AssertNumberOfCalls(t, "Teardown", 1)
}

func TestConcurrentApplyKeepsOneRecord(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.apply(t, staticPlugin)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	items, err := env.Repo.ListResources(env.Ctx, repo.ResourceFilter{AccountID: "acct-1", Kind: schema.KindPlugin})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].ResourceVersion)
}

func TestAccountIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	b := env.Brokers[schema.KindAccount]
	_, err := b.Apply(env.Ctx, env.rc(t, broker.VerbApply, schema.KindAccount, "acme"))
	assert.Equal(t, apierr.ReadOnly, errKind(t, err))
	_, err = b.Delete(env.Ctx, env.rc(t, broker.VerbDelete, schema.KindAccount, "acme"))
	assert.Equal(t, apierr.ReadOnly, errKind(t, err))
	_, err = b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindAccount, "acme"))
	assert.Equal(t, apierr.ReadOnly, errKind(t, err))
	_, err = b.Logs(env.Ctx, env.rc(t, broker.VerbLogs, schema.KindAccount, "acme"))
	assert.Equal(t, apierr.NotImplemented, errKind(t, err))

	desc, err := b.Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindAccount, "acme"))
	require.NoError(t, err)
	assert.Equal(t, "1234-5678-9012", desc.Report.Spec["accountNumber"])
	_, err = b.Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindAccount, "other"))
	assert.Equal(t, apierr.NotFound, errKind(t, err))
}

func TestUnsupportedVerbs(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	b := env.Brokers[schema.KindPlugin]
	_, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindPlugin, "example_configuration"))
	assert.Equal(t, apierr.NotImplemented, errKind(t, err))
	_, err = b.Logs(env.Ctx, env.rc(t, broker.VerbLogs, schema.KindPlugin, "example_configuration"))
	assert.Equal(t, apierr.NotImplemented, errKind(t, err))

	env.mustApply(t, chatbot)
	_, err = env.Brokers[schema.KindChatBot].Logs(env.Ctx, env.rc(t, broker.VerbLogs, schema.KindChatBot, "support_bot"))
	assert.Equal(t, apierr.BadRequest, errKind(t, err), "logs need a deployed chatbot")
	assert.Equal(t, 400, apierr.From(err).Status())
}

func TestApplyChecksReferencesInsideTransaction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.apply(t, chatbot)
	ae := apierr.From(err)
	require.Equal(t, apierr.BadRequest, ae.Kind)
	require.Len(t, ae.Fields, 1)
	assert.Equal(t, "spec.plugins[0]", ae.Fields[0].Field)
	assert.Equal(t, "not_found", ae.Fields[0].Code)
}

func TestSecretIsMaskedOnDescribe(t *testing.T) {
	env := newTestEnv(t)
	res := env.mustApply(t, `apiVersion: smarter.sh/v1
kind: Secret
metadata:
  name: openai_key
spec:
  value: sk-live-1
  expirationDate: "2099-01-01"
`)
	assert.Equal(t, secrets.Mask, res.Report.Spec["value"])
	assert.Equal(t, false, res.Report.Status["expired"])

	stored, err := env.Repo.GetResource(env.Ctx, nil, "acct-1", schema.KindSecret, "openai_key")
	require.NoError(t, err)
	assert.True(t, secrets.IsSealed(stored.Spec["value"].(string)))
}

func TestLogsPagination(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	env.mustApply(t, chatbot)
	b := env.Brokers[schema.KindChatBot]
	_, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	require.NoError(t, env.Runner.Drain(env.Ctx))

	rc := env.rc(t, broker.VerbLogs, schema.KindChatBot, "support_bot")
	rc.Logs = broker.LogQuery{Limit: 2}
	first, err := b.Logs(env.Ctx, rc)
	require.NoError(t, err)
	require.Len(t, first.Logs.Items, 2)
	require.NotEmpty(t, first.Logs.NextCursor)

	rc.Logs.Cursor = first.Logs.NextCursor
	second, err := b.Logs(env.Ctx, rc)
	require.NoError(t, err)
	require.Len(t, second.Logs.Items, 1)
	assert.Empty(t, second.Logs.NextCursor)
	assert.Contains(t, second.Logs.Items[0].Message, "deployed at")

	rc.Logs.Cursor = "garbage"
	_, err = b.Logs(env.Ctx, rc)
	assert.Equal(t, apierr.BadRequest, errKind(t, err))
}

func TestReconcilerFailsOrphanedPendingRecords(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, staticPlugin)
	env.mustApply(t, chatbot)
	b := env.Brokers[schema.KindChatBot]
	res, err := b.Deploy(env.Ctx, env.rc(t, broker.VerbDeploy, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	taskID := res.Report.Status["deployTaskId"].(string)

	// the task ends without settling the record
	require.NoError(t, env.Repo.FailTask(env.Ctx, taskID, "worker lost", domain.FormatTime(time.Now())))

	var logs bytes.Buffer
	rec := broker.Reconciler{Repo: env.Repo, Runner: env.Runner, Events: events.Writer{Dialect: db.SQLite}, Logger: log.New(&logs, "", 0)}
	report, err := rec.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, logs.String(), "marked failed")

	desc, err := b.Describe(env.Ctx, env.rc(t, broker.VerbDescribe, schema.KindChatBot, "support_bot"))
	require.NoError(t, err)
	assert.Equal(t, "failed", desc.Report.Status["deployState"])

	report, err = rec.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)
}

func TestExamplesValidate(t *testing.T) {
	env := newTestEnv(t)
	for _, b := range env.Brokers {
		for _, v := range b.Variants() {
			doc, err := manifest.Parse([]byte(v.Example), "")
			require.NoError(t, err, "%s/%s", b.Kind(), v.Name)
			_, err = v.Validator.Validate(env.Ctx, doc, nil, nil)
			assert.NoError(t, err, "%s/%s", b.Kind(), v.Name)
		}
	}
}
