package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("shop")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg, engine.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.LoadIntents(context.Background()); err != nil {
		t.Fatalf("load intents: %v", err)
	}
	if _, err := e.InitializeProject(context.Background(), cfg.Project.ID, "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "shipline_http_requests_total") {
		t.Fatalf("metrics status %d missing request counter", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestInferIntent(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intents/infer", map[string]any{
		"command": "analyze security",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("infer status %d: %s", res.StatusCode, data)
	}
	var in domain.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		t.Fatalf("unmarshal intent: %v", err)
	}
	if in.Name != "analyze" || in.Target != "security" {
		t.Fatalf("unexpected intent %+v", in)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intents/infer", map[string]any{
		"command": "xyzzy plugh",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "inference_failed" {
		t.Fatalf("expected 422 inference_failed, got %d: %s", res.StatusCode, data)
	}
}

func TestAssessRisk(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/risk/assess", map[string]any{
		"intent":     map[string]any{"intent": "deploy", "target": "production"},
		"project_id": "shop",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assess status %d: %s", res.StatusCode, data)
	}
	var a domain.RiskAssessment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	if !a.RequiresConfirmation || !a.Level.AtLeast(domain.RiskHigh) {
		t.Fatalf("production deploy should be high risk with confirmation: %+v", a)
	}
}

func TestProjectLifecycleEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/shop"

	res, data := doJSON(t, client, http.MethodPost, base+"/transition", map[string]any{"phase": "STAGING"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/transition", map[string]any{"phase": "DEVELOPMENT"}, map[string]string{"X-User-Id": "bob"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/metrics", map[string]any{"test_coverage": 0.85, "open_issues": 2, "total_issues": 10}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/metrics", map[string]any{"test_coverage": 1.5}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for coverage out of range, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/metrics/custom/risk_security", map[string]any{"value": 0.2}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("custom metric status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, base, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}
	var st domain.ProjectState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.Phase != domain.PhaseDevelopment || st.OpenIssues != 2 || st.CustomMetrics["risk_security"] != 0.2 {
		t.Fatalf("unexpected state %+v", st)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/readiness", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readiness status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?type=project.state.updated&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/events?type=project.state.updated&limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, data)
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].ActorID != "bob" || next.NextCursor != "" {
		t.Fatalf("expected bob's transition on the last page, got %+v", next)
	}
}

func TestRunAndHistory(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	headers := map[string]string{"X-User-Id": "alice"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/shop/run", map[string]any{"command": "status"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	var out engine.RunResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if out.Execution == nil || out.Execution.OverallStatus != domain.StatusSuccess {
		t.Fatalf("expected successful status run, got %s", data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/shop/run", map[string]any{"command": "release production"}, headers)
	if res.StatusCode != http.StatusPreconditionRequired || errorCode(t, data) != "confirmation_required" {
		t.Fatalf("expected 428 confirmation_required, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/shop/executions?user_id=alice", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("executions status %d: %s", res.StatusCode, data)
	}
	var list executionList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal executions: %v", err)
	}
	if len(list.Items) != 2 {
		t.Fatalf("expected both runs in history, got %d", len(list.Items))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+out.Execution.ExecutionID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get execution status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/shop/executions?since=yesterday", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad since, got %d", res.StatusCode)
	}
}

func TestExecuteNeedsConfirmationUnlessConfirmed(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	body := map[string]any{"intent": map[string]any{"intent": "release", "target": "staging"}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/shop/execute", body, nil)
	if res.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("expected 428, got %d: %s", res.StatusCode, data)
	}
	body["confirmed"] = true
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/shop/execute", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirmed execute status %d: %s", res.StatusCode, data)
	}
	var exec domain.ExecutionResult
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	// a fresh project is blocked, so the release fails in PLAN but still reflects
	if exec.OverallStatus != domain.StatusFailure || len(exec.Results) != 2 {
		t.Fatalf("expected PLAN failure with reflection, got %s with %d results", exec.OverallStatus, len(exec.Results))
	}
}

func TestRegisterIntentEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intents", map[string]any{
		"name":     "rollback",
		"synonyms": []string{"revert"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intents/infer", map[string]any{"command": "revert staging"}, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"intent":"rollback"`) {
		t.Fatalf("expected rollback inference, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/intents", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "rollback") {
		t.Fatalf("expected rollback in list, got %d: %s", res.StatusCode, data)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	url := srv.URL + "/v0/projects/shop/transition"
	body := map[string]any{"phase": "DEVELOPMENT"}

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, data)
	}
	bad, _ := IssueToken("other", "mallory", time.Hour)
	res, _ = doJSON(t, srv.Client(), http.MethodPost, url, body, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign token, got %d", res.StatusCode)
	}
	unbounded, _ := IssueToken("s3cret", "carol", 0)
	res, _ = doJSON(t, srv.Client(), http.MethodPost, url, body, map[string]string{"Authorization": "Bearer " + unbounded})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a token without expiry, got %d", res.StatusCode)
	}
	body = map[string]any{"phase": "PLANNING"}
	token, err := IssueToken("s3cret", "carol", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, body, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, data)
	}
	evts, err := srv.Engine.Events(context.Background(), "shop", "project.state.updated", 1, 0)
	if err != nil || len(evts) != 1 || evts[0].ActorID != "carol" {
		t.Fatalf("expected carol as actor, got %+v (%v)", evts, err)
	}
}

func TestScopedTokenLimitsProjects(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	admin, _ := IssueToken("s3cret", "admin", time.Hour)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/other", nil, map[string]string{"Authorization": "Bearer " + admin})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init other: %d %s", res.StatusCode, data)
	}

	scoped, err := IssueToken("s3cret", "dana", time.Hour, "shop")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + scoped}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/shop", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 in scope, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/other/readiness", nil, auth)
	if res.StatusCode != http.StatusForbidden || !strings.Contains(string(data), `"forbidden"`) {
		t.Fatalf("expected 403 out of scope, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, auth)
	if res.StatusCode != http.StatusOK || strings.Contains(string(data), `"other"`) || !strings.Contains(string(data), `"shop"`) {
		t.Fatalf("expected only shop listed, got %d: %s", res.StatusCode, data)
	}
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	var mu sync.Mutex
	var got []delivery
	var sigs []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt delivery
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		sigs = append(sigs, r.Header.Get("X-Shipline-Signature"))
		mu.Unlock()
		if want := "sha256=" + signature("k", body); r.Header.Get("X-Shipline-Signature") != want {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer hook.Close()

	ctx := context.Background()
	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"project.state.*"},
		Secret: "k",
	}}, "shop", nil)
	d.DispatchAll(ctx)

	if _, err := srv.Engine.TransitionTo(ctx, "shop", domain.PhaseDevelopment, "tester"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := srv.Engine.InitializeProject(ctx, "other", "tester"); err != nil {
		t.Fatalf("init other: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	if got[0].Type != "project.state.updated" || got[0].ProjectID != "shop" || sigs[0] == "" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if got[0].Entity.Kind != "project" || got[0].ActorID != "tester" {
		t.Fatalf("unexpected entity or actor %+v", got[0])
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		patterns []string
		evt      string
		want     bool
	}{
		{nil, "execution.completed", true},
		{[]string{" "}, "execution.completed", true},
		{[]string{"execution.completed"}, "execution.completed", true},
		{[]string{"execution.*"}, "execution.recorded", true},
		{[]string{"confirmation.*"}, "execution.recorded", false},
		{[]string{"[bad"}, "execution.recorded", false},
	}
	for _, tc := range cases {
		if got := newEventFilter(tc.patterns).match(tc.evt); got != tc.want {
			t.Fatalf("filter %v on %s: got %v want %v", tc.patterns, tc.evt, got, tc.want)
		}
	}
}
