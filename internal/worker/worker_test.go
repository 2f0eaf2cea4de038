package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"exec-gateway/internal/dispatch"
	"exec-gateway/internal/monitor"
	"exec-gateway/internal/runtime"
)

func newTestServer(cfg Config, reg *runtime.Registry) *Server {
	if reg == nil {
		reg = runtime.NewRegistry()
	}
	return New("127.0.0.1:0", cfg, reg, monitor.NewWorkerMetrics())
}

func post(t *testing.T, h http.Handler, token string, req dispatch.Request) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(dispatch.HeaderExecutionID, "exec-1")
	if token != "" {
		r.Header.Set(dispatch.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) dispatch.Response {
	t.Helper()
	var resp dispatch.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestExecute_BearerValidation(t *testing.T) {
	tests := []struct {
		name       string
		key        string // worker API key ("" = no check)
		presented  string
		wantStatus int
	}{
		{"valid key", "secret", "secret", http.StatusOK},
		{"wrong key", "secret", "wrong", http.StatusUnauthorized},
		{"missing key", "secret", "", http.StatusUnauthorized},
		{"no key configured", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Config{APIKey: tt.key, MaxConcurrent: 2}, nil)
			rec := post(t, s.Handler(), tt.presented, dispatch.Request{Code: `console.log("hi")`, Language: "javascript", Timeout: 1000})
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestExecute_Success(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 2}, nil)
	rec := post(t, s.Handler(), "", dispatch.Request{
		Code:     `console.log("hello " + context.name); 40 + 2`,
		Language: "js",
		Timeout:  1000,
		Context:  map[string]any{"name": "ada"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decode(t, rec)
	if !resp.Success {
		t.Fatalf("Success = false, error = %+v", resp.Error)
	}
	if resp.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want exec-1", resp.ExecutionID)
	}
	if len(resp.Output) != 1 || resp.Output[0] != "hello ada" {
		t.Errorf("Output = %q", resp.Output)
	}
	if resp.Result != float64(42) {
		t.Errorf("Result = %v, want 42", resp.Result)
	}
	if resp.Metrics.ExecutionTimeMs < 0 || resp.Metrics.MemoryUsageBytes < 0 {
		t.Errorf("Metrics = %+v, want non-negative", resp.Metrics)
	}
}

func TestExecute_ProgramFailure(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 1}, nil)
	resp := decode(t, post(t, s.Handler(), "", dispatch.Request{Code: `raise ValueError("nope")`, Language: "python"}))
	if resp.Success || resp.Error == nil || resp.Error.Type != "ValueError" {
		t.Fatalf("response = %+v, want ValueError failure", resp)
	}
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 1}, nil)
	rec := post(t, s.Handler(), "", dispatch.Request{Code: "10 PRINT", Language: "basic"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode(t, rec)
	if resp.Success || resp.Error == nil || resp.Error.Type != "UnsupportedLanguage" {
		t.Fatalf("response = %+v, want UnsupportedLanguage", resp)
	}
}

func TestExecute_Timeout(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 1, MaxTimeout: 100 * time.Millisecond}, nil)
	start := time.Now()
	resp := decode(t, post(t, s.Handler(), "", dispatch.Request{Code: "while (true) {}", Language: "javascript", Timeout: 60_000}))
	if resp.Success || resp.Error == nil || resp.Error.Type != "TimeoutError" {
		t.Fatalf("response = %+v, want TimeoutError", resp)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("MaxTimeout was not applied")
	}
}

func TestExecute_BadBody(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 1}, nil)
	r := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// blockingRuntime holds its slot until released.
type blockingRuntime struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRuntime) Name() string { return "block" }
func (b *blockingRuntime) Validate(string) error { return nil }

func (b *blockingRuntime) Run(ctx context.Context, _ runtime.Job) runtime.Result {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return runtime.Result{Success: true, Output: []string{}}
}

func TestExecute_Saturated(t *testing.T) {
	blocker := &blockingRuntime{started: make(chan struct{}), release: make(chan struct{})}
	reg := runtime.NewRegistry()
	reg.Register(blocker)
	s := newTestServer(Config{MaxConcurrent: 1}, reg)
	h := s.Handler()

	done := make(chan int, 1)
	go func() {
		done <- post(t, h, "", dispatch.Request{Code: "x", Language: "block", Timeout: 5000}).Code
	}()
	<-blocker.started

	if rec := post(t, h, "", dispatch.Request{Code: "1", Language: "javascript"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("second request status = %d, want 503", rec.Code)
	}

	close(blocker.release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", code)
	}
}

type panickingRuntime struct{}

func (panickingRuntime) Name() string         { return "panic" }
func (panickingRuntime) Validate(string) error { return nil }
func (panickingRuntime) Run(context.Context, runtime.Job) runtime.Result {
	panic("strings: Repeat output length overflow")
}

func TestExecute_RuntimePanic(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(panickingRuntime{})
	s := newTestServer(Config{MaxConcurrent: 1}, reg)

	rec := post(t, s.Handler(), "", dispatch.Request{Code: "x", Language: "panic", Timeout: 1000})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode(t, rec)
	if resp.Success || resp.Error == nil || resp.Error.Type != "InternalError" {
		t.Errorf("resp = %+v, want InternalError failure", resp)
	}

	// The slot is released after a panic.
	if rec := post(t, s.Handler(), "", dispatch.Request{Code: "1", Language: "javascript", Timeout: 1000}); rec.Code != http.StatusOK {
		t.Errorf("follow-up status = %d, want 200", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 3}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status    string   `json:"status"`
		Languages []string `json:"languages"`
		Capacity  int      `json:"capacity"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Capacity != 3 || len(body.Languages) == 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestStartClose(t *testing.T) {
	s := newTestServer(Config{MaxConcurrent: 1}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
