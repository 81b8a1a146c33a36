package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"benchline/internal/anchor"
	"benchline/internal/config"
	"benchline/internal/db"
	"benchline/internal/domain"
	"benchline/internal/engine"
	"benchline/internal/events"
	"benchline/internal/identity"
	"benchline/internal/logging"
	"benchline/internal/migrate"
	"benchline/internal/repo"
)

const (
	testAPIKey = "bl_test_key"
	testCard   = "card-0008368511"
)

type testServer struct {
	URL    string
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
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.InsertOperator(ctx, nil, domain.Operator{ID: "op-1", Name: "Jane Solder", CreatedAt: now}); err != nil {
		t.Fatalf("insert operator: %v", err)
	}
	if err := r.InsertCredential(ctx, nil, domain.Credential{ID: testCard, OperatorID: "op-1", CreatedAt: now}); err != nil {
		t.Fatalf("insert credential: %v", err)
	}
	if err := r.EnsureWorkbench(ctx, 1, "bench one"); err != nil {
		t.Fatalf("ensure workbench: %v", err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "key-1", ActorID: "bench-ui", Name: "test", KeyHash: repo.HashAPIKey(testAPIKey), CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	cfg := config.Default()
	cfg.Workbench.Number = 1
	e := engine.New(conn, cfg, identity.NewResolver(r), events.NewFeed(), logging.Nop())
	pipeline := anchor.New(conn, cfg, logging.Nop())

	handler, err := New(Config{Engine: e, Pipeline: pipeline, BasePath: "/v0"})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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
	req.Header.Set("X-Api-Key", testAPIKey)
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

func TestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/login", map[string]any{"credential_id": testCard})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var bench WorkbenchResponse
	if err := json.Unmarshal(data, &bench); err != nil {
		t.Fatalf("unmarshal workbench: %v", err)
	}
	if bench.State != "occupied" {
		t.Fatalf("bench state = %q", bench.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workbench/units", map[string]any{"model": "sensor-board"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start unit status %d: %s", res.StatusCode, string(data))
	}
	var unit UnitResponse
	if err := json.Unmarshal(data, &unit); err != nil {
		t.Fatalf("unmarshal unit: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workbench/stages", map[string]any{"name": "soldering"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open stage status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workbench/stages/close", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close stage status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workbench/complete", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed CompleteResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if completed.Passport.Digest == "" {
		t.Fatal("no digest issued")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/units/"+unit.ID+"/passport", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get passport status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/anchors/"+unit.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get anchor status %d: %s", res.StatusCode, string(data))
	}
	var rec AnchorResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal anchor: %v", err)
	}
	if rec.Digest != completed.Passport.Digest {
		t.Fatalf("anchor digest = %q, want %q", rec.Digest, completed.Passport.Digest)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Starting a unit without a session is a conflict with a reason code.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workbench/units", map[string]any{"model": "m"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "no_session" {
		t.Fatalf("code = %q, want no_session", envelope.Error.Code)
	}

	// Unknown badge scan is forbidden, not a server error.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/login", map[string]any{"credential_id": "card-unknown"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/status", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d, want 401", res.StatusCode)
	}

	// Health stays open for probes.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestOperatorRegistrationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operators", map[string]any{
		"name":          "Sam Fitter",
		"credential_id": "card-777",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create operator status %d: %s", res.StatusCode, string(data))
	}

	// The freshly registered badge opens a session right away.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/login", map[string]any{"credential_id": "card-777"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
}
