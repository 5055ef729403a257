package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/zeta/internal/config"
	"github.com/JonMunkholm/zeta/internal/core"
	"github.com/JonMunkholm/zeta/internal/objectstore"
	"github.com/JonMunkholm/zeta/internal/pipeline"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

const pokemonCSV = "Number,Name,Type 1,Type 2,HP,Attack,Defence,Sp Attack,Sp Defence,Speed\n" +
	"1,Bulbasaur,Grass,Poison,45,49,49,65,65,45\n" +
	"4,Charmander,Fire,,39,52,43,60,50,65\n"

type testServer struct {
	srv *Server
	svc *core.Service
	wh  *warehouse.Memory
	cfg *config.Config
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{MaxFileSize: 1 << 20},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := objectstore.NewMemory("test")
	wh := warehouse.NewMemory()

	var svc *core.Service
	p, err := pipeline.New(store, wh, pipeline.DefaultConfig(),
		pipeline.WithTransitionHook(func(tr pipeline.Transition) { svc.Observe(tr) }))
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	if _, err := p.Provision(context.Background(), nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	svc = core.NewService(p, core.ServiceConfig{MaxWait: time.Second})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	return &testServer{srv: NewServer(svc, cfg), svc: svc, wh: wh, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, target, filename, content string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write([]byte(content))
	} else {
		mw.WriteField("note", "no file")
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestSubmitBatch_Wait(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, uploadRequest(t, "/api/batches?wait=true", "gen1.csv", pokemonCSV))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	status := decode[core.RunStatus](t, rec)
	if !status.Succeeded() {
		t.Fatalf("run not done: phase %q, error %q", status.Phase, status.Error)
	}
	if status.File != "gen1.csv" || status.Trigger != core.TriggerAPI {
		t.Errorf("File/Trigger = %q/%q", status.File, status.Trigger)
	}
	if status.SourceRows != 2 || status.Inserted != 2 {
		t.Errorf("SourceRows/Inserted = %d/%d, want 2/2", status.SourceRows, status.Inserted)
	}

	rows, err := ts.wh.Rows(pipeline.DefaultConfig().Canonical)
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("canonical rows = %d, want 2", len(rows))
	}

	// The run is queryable afterwards.
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/runs/"+status.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run status = %d, want 200", rec.Code)
	}
	if got := decode[core.RunStatus](t, rec); got.ID != status.ID || got.Phase != "done" {
		t.Errorf("GET run = %+v", got)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	list := decode[RunListResponse](t, rec)
	if len(list.Runs) != 1 || list.Runs[0].ID != status.ID {
		t.Errorf("run list = %+v", list.Runs)
	}
}

func TestSubmitBatch_Async(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, uploadRequest(t, "/api/batches", "gen1.csv", pokemonCSV))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	resp := decode[SubmitResponse](t, rec)
	if resp.RunID == "" || resp.StatusURL != "/api/runs/"+resp.RunID {
		t.Fatalf("response = %+v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ts.svc.WaitRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if !status.Succeeded() {
		t.Errorf("phase = %q, error %q", status.Phase, status.Error)
	}
}

func TestSubmitBatch_FailedRunReportsCode(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, uploadRequest(t, "/api/batches?wait=true", "bad.csv", "Name,Colour\nPikachu,Yellow\n"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	status := decode[core.RunStatus](t, rec)
	if status.Phase != "failed" || status.FailedStage != "loading" {
		t.Errorf("Phase/FailedStage = %q/%q, want failed/loading", status.Phase, status.FailedStage)
	}
	if status.ErrorCode != "LOAD002" {
		t.Errorf("ErrorCode = %q, want LOAD002", status.ErrorCode)
	}

	// Failed runs leave staging artifacts; cleanup removes them.
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/cleanup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitBatch_Rejected(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Pipeline.MaxFileSize = 64 })

	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing file field",
			req:      uploadRequest(t, "/api/batches", "", ""),
			wantCode: http.StatusBadRequest,
			wantErr:  "REQ002",
		},
		{
			name:     "not multipart",
			req:      httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader("Name\n")),
			wantCode: http.StatusBadRequest,
			wantErr:  "REQ001",
		},
		{
			name:     "file too large",
			req:      uploadRequest(t, "/api/batches", "big.csv", pokemonCSV),
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  "RUN003",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := decode[ErrorResponse](t, rec); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
		})
	}

	if runs := ts.svc.ListRuns(); len(runs) != 0 {
		t.Errorf("rejected uploads created %d runs", len(runs))
	}
}

func TestGetRun_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Code != "RUN002" {
		t.Errorf("code = %q, want RUN002", got.Code)
	}
}

func TestPipelineStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/pipeline/status", nil))
	status := decode[core.RunLimiterStatus](t, rec)
	if status.MaxConcurrent != 1 || status.Active != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, uploadRequest(t, "/api/batches?wait=true", "gen1.csv", pokemonCSV))

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, name := range []string{"zeta_pipeline_runs_total", "zeta_pipeline_rows_loaded_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1", "k2"}}
	})

	tests := []struct {
		name     string
		path     string
		key      string
		wantCode int
	}{
		{"missing key", "/api/runs", "", http.StatusUnauthorized},
		{"wrong key", "/api/runs", "nope", http.StatusForbidden},
		{"first key", "/api/runs", "k1", http.StatusOK},
		{"second key", "/api/runs", "k2", http.StatusOK},
		{"health is public", "/healthz", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			if rec := ts.do(t, req); rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}
