package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"smarter/internal/config"
	"smarter/internal/db"
	"smarter/internal/engine"
	"smarter/internal/migrate"
	"smarter/internal/secrets"
	"smarter/internal/testutil"
)

const pluginManifest = `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: example_configuration
  pluginClass: static
  description: Static answers about the company
spec:
  selector:
    directive: search_terms
    searchTerms: [hours, pricing]
  prompt:
    provider: openai
    systemRole: You are a helpful assistant.
    model: gpt-4o-mini
    temperature: 0.5
  data:
    description: Company facts
    staticData:
      hours: 9am to 5pm
      pricing: contact sales
`

const chatbotManifest = `apiVersion: smarter.sh/v1
kind: ChatBot
metadata:
  name: support
spec:
  config:
    appName: Support
  plugins: [example_configuration]
`

type testServer struct {
	URL    string
	Engine *engine.Engine
	APIKey string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := secrets.NewKey()
	if err != nil {
		t.Fatalf("secrets key: %v", err)
	}
	cfg := config.Default()
	cfg.Tasks.Backoff = 0
	e, err := engine.New(conn, cfg, engine.Options{SecretsKey: key, JWTSecret: "test-secret", Provisioner: testutil.NewMockProvisioner().Passthrough()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	acct, err := e.CreateAccount(context.Background(), engine.AccountCreateOptions{Name: "acme", AccountNumber: "1234-5678-9012"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	apiKey, _, err := e.Auth.CreateAPIKey(context.Background(), acct, "tester", "test")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/api/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		APIKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doRaw(t *testing.T, client *http.Client, method, url, contentType string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		raw = b
	}
	return doRaw(t, client, method, url, "application/json", raw, headers)
}

func (s *testServer) auth() map[string]string {
	return map[string]string{"X-Api-Key": s.APIKey}
}

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

func TestApplyThenDescribe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doRaw(t, client, http.MethodPost, srv.URL+"/api/v1/manifests", "application/yaml", []byte(pluginManifest), srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	applied := decodeMap(t, data)
	if applied["op"] != "create" {
		t.Fatalf("expected create op, got %v", applied["op"])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/plugin/example_configuration", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("describe status %d: %s", res.StatusCode, string(data))
	}
	desc := decodeMap(t, data)
	spec, _ := desc["spec"].(map[string]any)
	dataSpec, _ := spec["data"].(map[string]any)
	static, _ := dataSpec["staticData"].(map[string]any)
	if static["hours"] != "9am to 5pm" {
		t.Fatalf("unexpected spec %v", spec)
	}
	if desc["kind"] != "Plugin" {
		t.Fatalf("unexpected kind %v", desc["kind"])
	}

	// A described manifest applies again without changes.
	res, data = doRaw(t, client, http.MethodPut, srv.URL+"/api/v1/manifests", "application/json", data, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reapply status %d: %s", res.StatusCode, string(data))
	}
	if op := decodeMap(t, data)["op"]; op != "none" {
		t.Fatalf("expected no-op reapply, got %v", op)
	}
}

func TestIdempotentApply(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/api/v1/manifests"

	res, data := doRaw(t, client, http.MethodPost, url, "", []byte(pluginManifest), srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	first, err := srv.Engine.Repo.GetResource(context.Background(), nil, accountID(t, srv), "Plugin", "example_configuration")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res, data = doRaw(t, client, http.MethodPost, url, "", []byte(pluginManifest), srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reapply status %d: %s", res.StatusCode, string(data))
	}
	body := decodeMap(t, data)
	if body["op"] != "none" || body["diff"] != nil {
		t.Fatalf("expected empty diff, got %v", body)
	}
	second, err := srv.Engine.Repo.GetResource(context.Background(), nil, accountID(t, srv), "Plugin", "example_configuration")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.ID != second.ID || first.ResourceVersion != second.ResourceVersion {
		t.Fatalf("record changed: %+v vs %+v", first, second)
	}
}

func accountID(t *testing.T, srv *testServer) string {
	t.Helper()
	acct, err := srv.Engine.Repo.FindAccount(context.Background(), "acme")
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	return acct.ID
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/v1/Plugin/nope", nil, srv.auth())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeMap(t, data)
	if body["error"] != "NOT_FOUND" || body["detail"] == "" {
		t.Fatalf("unexpected envelope %v", body)
	}
}

func TestInvalidManifestReportsEveryFieldError(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	manifest := `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  pluginClass: static
spec:
  selector:
    directive: always
  prompt:
    provider: openai
    systemRole: hi
    model: gpt-4o-mini
  data: not-a-mapping
`
	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/manifests", "application/yaml", []byte(manifest), srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var env struct {
		Error       string `json:"error"`
		FieldErrors []struct {
			Field string `json:"field"`
			Code  string `json:"code"`
		} `json:"field_errors"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error != "BAD_REQUEST" || len(env.FieldErrors) != 2 {
		t.Fatalf("expected two field errors, got %s", string(data))
	}
	got := map[string]string{}
	for _, fe := range env.FieldErrors {
		got[fe.Field] = fe.Code
	}
	if got["metadata.name"] != "required" || got["spec.data"] != "type_invalid" {
		t.Fatalf("unexpected field errors %v", got)
	}
}

func TestDeployIsAcceptedAndSettles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, m := range []string{pluginManifest, chatbotManifest} {
		res, data := doRaw(t, client, http.MethodPost, srv.URL+"/api/v1/manifests", "application/yaml", []byte(m), srv.auth())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/api/v1/chatbot/support", nil, srv.auth())
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("deploy status %d: %s", res.StatusCode, string(data))
	}
	if decodeMap(t, data)["accepted"] != true {
		t.Fatalf("expected accepted result: %s", string(data))
	}
	if err := srv.Engine.Runner.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/status?kind=ChatBot", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"deployState": "deployed"`) {
		t.Fatalf("expected deployed state in %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/ChatBot/support/logs?limit=10", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs %d: %s", res.StatusCode, string(data))
	}
	items, _ := decodeMap(t, data)["items"].([]any)
	if len(items) == 0 {
		t.Fatalf("expected log lines: %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/kinds", nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if decodeMap(t, data)["error"] != "UNAUTHENTICATED" {
		t.Fatalf("unexpected envelope %s", string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/kinds", nil, map[string]string{"X-Api-Key": "sk_wrong"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for bad key, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	acct, err := srv.Engine.Repo.FindAccount(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	token, err := srv.Engine.Auth.IssueToken("alice", acct, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/whoami", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "alice" || who.Account.AccountNumber != "1234-5678-9012" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestReadOnlyAndUnknownKinds(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/Account/acme", nil, srv.auth())
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d: %s", res.StatusCode, string(data))
	}
	if decodeMap(t, data)["error"] != "READ_ONLY" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	unknown := "apiVersion: smarter.sh/v1\nkind: Spaceship\nmetadata:\n  name: x\nspec: {}\n"
	res, data = doRaw(t, client, http.MethodPost, srv.URL+"/api/v1/manifests", "application/yaml", []byte(unknown), srv.auth())
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeMap(t, data)
	if body["error"] != "UNKNOWN_KIND" {
		t.Fatalf("unexpected envelope %v", body)
	}
	if _, ok := body["stack_trace"]; ok {
		t.Fatalf("stack trace leaked outside debug mode")
	}
}

func TestYAMLFormatAndValidate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doRaw(t, client, http.MethodPost, srv.URL+"/api/v1/manifests/validate", "application/yaml", []byte(pluginManifest), srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate %d: %s", res.StatusCode, string(data))
	}
	if _, err := srv.Engine.Repo.GetResource(context.Background(), nil, accountID(t, srv), "Plugin", "example_configuration"); err == nil {
		t.Fatalf("validate must not persist")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/kinds/Plugin/example?format=yaml&variant=static", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("example %d: %s", res.StatusCode, string(data))
	}
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "application/yaml") {
		t.Fatalf("unexpected content type %q", res.Header.Get("Content-Type"))
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if doc["kind"] != "Plugin" {
		t.Fatalf("unexpected example %v", doc)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/kinds/Plugin/example?format=xml", nil, srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad format, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/Plugin/nope", nil, srv.auth())

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `smarter_broker_requests_total{kind="Plugin",outcome="error",verb="delete"} 1`) {
		t.Fatalf("missing request counter in %s", string(data))
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/api/v1/manifests") {
		t.Fatalf("openapi missing manifests path")
	}
}
