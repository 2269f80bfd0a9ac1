package engine_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"smarter/internal/apierr"
	"smarter/internal/app"
	"smarter/internal/broker"
	"smarter/internal/config"
	"smarter/internal/controller"
	"smarter/internal/db"
	"smarter/internal/domain"
	"smarter/internal/engine"
	"smarter/internal/migrate"
	"smarter/internal/secrets"
	"smarter/internal/testutil"
)

type testEnv struct {
	Engine      *engine.Engine
	Ctx         context.Context
	Provisioner *testutil.MockProvisioner
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := secrets.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Tasks.Backoff = 0
	prov := testutil.NewMockProvisioner().Passthrough()
	eng, err := engine.New(conn, cfg, engine.Options{SecretsKey: key, JWTSecret: "test", Provisioner: prov})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background(), Provisioner: prov}
}

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t)
	acct, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{Name: "acme", CompanyName: "Acme Inc."})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if !regexp.MustCompile(`^\d{4}-\d{4}-\d{4}$`).MatchString(acct.AccountNumber) {
		t.Fatalf("unexpected account number %q", acct.AccountNumber)
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{Name: "acme"}); apierr.KindOf(err) != apierr.BadRequest {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{Name: "Not Valid"}); apierr.KindOf(err) != apierr.BadRequest {
		t.Fatalf("expected name rejection, got %v", err)
	}
}

func TestResolvePrincipalBootstrapsDefaultAccount(t *testing.T) {
	env := newTestEnv(t)
	p, err := app.ResolvePrincipal(env.Ctx, env.Engine, "", "tester")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Account.Name != app.DefaultAccount || p.ActorID != "tester" {
		t.Fatalf("unexpected principal %+v", p)
	}
	again, err := app.ResolvePrincipal(env.Ctx, env.Engine, "", "tester")
	if err != nil || again.Account.ID != p.Account.ID {
		t.Fatalf("expected same account, got %+v %v", again, err)
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{Name: "second"}); err != nil {
		t.Fatal(err)
	}
	if _, err := app.ResolvePrincipal(env.Ctx, env.Engine, "", "tester"); err == nil {
		t.Fatalf("expected ambiguity error")
	}
	byNumber, err := app.ResolvePrincipal(env.Ctx, env.Engine, p.Account.AccountNumber, "tester")
	if err != nil || byNumber.Account.ID != p.Account.ID {
		t.Fatalf("lookup by number: %+v %v", byNumber, err)
	}
}

func TestEndToEndDeploy(t *testing.T) {
	env := newTestEnv(t)
	acct, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{Name: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	p := domain.Principal{ActorID: "tester", Account: acct}
	ctl := env.Engine.Controller
	for _, body := range []string{
		"apiVersion: smarter.sh/v1\nkind: Plugin\nmetadata:\n  name: faq\n  pluginClass: static\nspec:\n  selector:\n    directive: always\n  prompt:\n    provider: openai\n    systemRole: hi\n    model: gpt-4o-mini\n  data:\n    staticData:\n      a: b\n",
		"apiVersion: smarter.sh/v1\nkind: ChatBot\nmetadata:\n  name: helper\nspec:\n  config:\n    appName: Helper\n  plugins: [faq]\n",
	} {
		if _, err := ctl.Dispatch(env.Ctx, controller.Request{Principal: p, Verb: broker.VerbApply, Body: []byte(body)}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	res, err := ctl.Dispatch(env.Ctx, controller.Request{Principal: p, Verb: broker.VerbDeploy, Kind: "ChatBot", Name: "helper"})
	if err != nil || !res.Accepted {
		t.Fatalf("deploy: %+v %v", res, err)
	}
	if err := env.Engine.Runner.Drain(env.Ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	desc, err := ctl.Dispatch(env.Ctx, controller.Request{Principal: p, Verb: broker.VerbDescribe, Kind: "ChatBot", Name: "helper"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	want := "https://helper." + acct.AccountNumber + ".smarter.local/"
	if desc.Report.Status["deployState"] != "deployed" || desc.Report.Status["url"] != want {
		t.Fatalf("unexpected status %+v", desc.Report.Status)
	}
	if !env.Provisioner.AssertNumberOfCalls(t, "Provision", 1) {
		t.FailNow()
	}
	counts, err := env.Engine.TaskCounts(env.Ctx)
	if err != nil || counts[domain.TaskDone] != 1 {
		t.Fatalf("task counts %v %v", counts, err)
	}
}

func TestJournalFlushesOnClose(t *testing.T) {
	env := newTestEnv(t)
	acct, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{Name: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	p := domain.Principal{ActorID: "tester", Account: acct}
	_, _ = env.Engine.Controller.Dispatch(env.Ctx, controller.Request{Principal: p, Verb: broker.VerbStatus, Kind: "Plugin"})
	env.Engine.Close()
	entries, err := env.Engine.Repo.ListJournal(env.Ctx, acct.ID, 10)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(entries) != 1 || entries[0].Verb != "status" || entries[0].Outcome != "ok" {
		t.Fatalf("unexpected journal %+v", entries)
	}
}
