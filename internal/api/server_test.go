package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/auth"
	"github.com/Xeros-AGiXT/Xeros/internal/scheduler"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

type recordingProducer struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingProducer) Publish(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type recordingObserver struct {
	mu       sync.Mutex
	patterns []string
}

func (o *recordingObserver) ObserveHTTPRequest(handler, _ string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.patterns = append(o.patterns, handler)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *recordingProducer) {
	t.Helper()
	chains := workflow.NewStore()
	err := chains.Register(&workflow.ChainDefinition{
		ID:          "diagnostics",
		DisplayName: "问题诊断",
		RunIDPrefix: "diag_",
		Steps: []workflow.StepDefinition{
			{Name: "error_collection", Type: workflow.StepCollection},
			{Name: "solution_recommendation", Type: workflow.StepRecommendation},
		},
	})
	if err != nil {
		t.Fatalf("register chain: %v", err)
	}
	producer := &recordingProducer{}
	svc := scheduler.NewService(chains, scheduler.NewMemoryStore(), producer)
	return NewServer(":0", svc, chains, opts...), producer
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestSubmitGetCancel(t *testing.T) {
	server, producer := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/runs", `{"chain_id":"diagnostics","params":{"query":"gas"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: got %d body %s", rec.Code, rec.Body.String())
	}
	var run scheduler.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if !strings.HasPrefix(run.ID, "diag_") || run.Status != workflow.ChainPending {
		t.Fatalf("unexpected run %+v", run)
	}
	if rec.Header().Get("Location") != "/api/v1/runs/"+run.ID {
		t.Fatalf("unexpected location %q", rec.Header().Get("Location"))
	}
	if len(producer.ids) != 1 || producer.ids[0] != run.ID {
		t.Fatalf("run should be published, got %v", producer.ids)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: got %d body %s", rec.Code, rec.Body.String())
	}
	var cancelled scheduler.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &cancelled)
	if cancelled.Status != workflow.ChainCancelled {
		t.Fatalf("pending run should be cancelled immediately, got %s", cancelled.Status)
	}
}

func TestErrorResponses(t *testing.T) {
	server, _ := newTestServer(t)

	cases := []struct {
		method, path, body string
		status             int
		code               string
	}{
		{http.MethodPost, "/api/v1/runs", `{"chain_id":"nope"}`, http.StatusNotFound, "UNKNOWN_CHAIN"},
		{http.MethodPost, "/api/v1/runs", `{"chain_id":""}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{http.MethodPost, "/api/v1/runs", `{not json`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{http.MethodPost, "/api/v1/runs", `{"chain":"diagnostics"}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{http.MethodGet, "/api/v1/runs/missing", "", http.StatusNotFound, "RUN_NOT_FOUND"},
		{http.MethodPost, "/api/v1/runs/missing/cancel", "", http.StatusNotFound, "RUN_NOT_FOUND"},
		{http.MethodGet, "/api/v1/runs?status=exploded", "", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{http.MethodGet, "/api/v1/runs?limit=-1", "", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{http.MethodGet, "/api/v1/chains/nope", "", http.StatusNotFound, "UNKNOWN_CHAIN"},
		{http.MethodGet, "/nowhere", "", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		rec := do(t, server, tc.method, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: got %d want %d (%s)", tc.method, tc.path, rec.Code, tc.status, rec.Body.String())
		}
		if detail := decodeError(t, rec); detail.Code != tc.code {
			t.Fatalf("%s %s: code %s want %s", tc.method, tc.path, detail.Code, tc.code)
		}
	}
}

func TestListChainsAndStats(t *testing.T) {
	server, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		if rec := do(t, server, http.MethodPost, "/api/v1/runs", `{"chain_id":"diagnostics"}`); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: %d", i, rec.Code)
		}
	}

	rec := do(t, server, http.MethodGet, "/api/v1/runs?status=pending&chain_id=diagnostics&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var list listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Runs) != 2 || list.Limit != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/stats", "")
	var stats scheduler.RunStats
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/chains", "")
	var chains struct {
		Chains []workflow.ChainDefinition `json:"chains"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &chains); err != nil {
		t.Fatalf("decode chains: %v", err)
	}
	if len(chains.Chains) != 1 || chains.Chains[0].ID != "diagnostics" || len(chains.Chains[0].Steps) != 2 {
		t.Fatalf("unexpected chains %+v", chains)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/chains/diagnostics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get chain: %d", rec.Code)
	}
}

func TestAuthAndMetrics(t *testing.T) {
	authSvc, err := auth.NewService([]auth.TokenConfig{
		{Name: "ops", Token: "ops-token"},
		{Name: "viewer", Token: "view-token", Permissions: []string{auth.PermissionRead}},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	observer := &recordingObserver{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("xeros_runs_submitted_total 1\n"))
	})
	server, _ := newTestServer(t, WithAuth(authSvc), WithMetrics(metricsHandler, observer))

	if rec := do(t, server, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rec.Code)
	}
	if rec := do(t, server, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "xeros_runs") {
		t.Fatalf("metrics endpoint: %d %s", rec.Code, rec.Body.String())
	}

	rec := do(t, server, http.MethodGet, "/api/v1/runs", "")
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != "UNAUTHORIZED" {
		t.Fatalf("missing token: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodPost, "/api/v1/runs", `{"chain_id":"diagnostics"}`, "Authorization", "Bearer view-token")
	if rec.Code != http.StatusForbidden || decodeError(t, rec).Code != string(auth.CodeForbidden) {
		t.Fatalf("viewer submit: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodPost, "/api/v1/runs", `{"chain_id":"diagnostics"}`, "Authorization", "Bearer ops-token")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ops submit: %d %s", rec.Code, rec.Body.String())
	}
	var run scheduler.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &run)
	if rec := do(t, server, http.MethodGet, "/api/v1/runs/"+run.ID, "", "Authorization", "Bearer view-token"); rec.Code != http.StatusOK {
		t.Fatalf("viewer get: %d", rec.Code)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	found := false
	for _, pattern := range observer.patterns {
		if pattern == "/api/v1/runs/{id}" {
			found = true
		}
	}
	if !found {
		t.Fatalf("metrics should use route patterns, got %v", observer.patterns)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	server, _ := newTestServer(t)
	server.addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
