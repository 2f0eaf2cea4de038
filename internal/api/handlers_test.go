package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"exec-gateway/internal/gateway"
	"exec-gateway/internal/ledger"
	"exec-gateway/internal/pricing"
	"exec-gateway/internal/scanner"
	"exec-gateway/internal/session"
	"exec-gateway/internal/storage"
)

// stubGateway records the last execution request and returns canned values.
type stubGateway struct {
	resp *gateway.ExecutionResponse
	err  error

	lastExec  gateway.ExecutionRequest
	lastRange ledger.Range
	lastPage  [2]int
	lastOwner string
}

func (g *stubGateway) ExecuteCode(_ context.Context, req gateway.ExecutionRequest) (*gateway.ExecutionResponse, error) {
	g.lastExec = req
	return g.resp, g.err
}

func (g *stubGateway) GetExecution(_ context.Context, _, id string) (*storage.ExecutionRecord, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &storage.ExecutionRecord{ID: id, Status: storage.StatusCompleted}, nil
}

func (g *stubGateway) Usage(_ context.Context, _ string, r ledger.Range, limit, offset int) ([]storage.ExecutionRecord, error) {
	g.lastRange, g.lastPage = r, [2]int{limit, offset}
	return nil, g.err
}

func (g *stubGateway) UsageSummary(_ context.Context, _ string, r ledger.Range) (*storage.UsageStats, error) {
	g.lastRange = r
	if g.err != nil {
		return nil, g.err
	}
	return &storage.UsageStats{TotalExecutions: 3}, nil
}

func (g *stubGateway) CreateSession(_ context.Context, principal string, p session.CreateParams) (*storage.Session, error) {
	g.lastOwner = principal
	if g.err != nil {
		return nil, g.err
	}
	return &storage.Session{ID: "s1", Name: p.Name, OwnerID: principal}, nil
}

func (g *stubGateway) GetSession(_ context.Context, _, id string) (*storage.Session, error) {
	return &storage.Session{ID: id}, g.err
}

func (g *stubGateway) UpdateSession(_ context.Context, _, id string, _ session.UpdateParams) (*storage.Session, error) {
	return &storage.Session{ID: id}, g.err
}

func (g *stubGateway) DeleteSession(context.Context, string, string) error { return g.err }

func (g *stubGateway) ListSessions(context.Context, string) ([]storage.Session, error) {
	return nil, g.err
}

func (g *stubGateway) ListPublicSessions(context.Context) ([]storage.Session, error) {
	return nil, g.err
}

func (g *stubGateway) GetFile(_ context.Context, _, _, fileID string) (*storage.File, error) {
	return &storage.File{ID: fileID}, g.err
}

func (g *stubGateway) AddFile(_ context.Context, _, sessionID string, p session.FileParams) (*storage.Session, *storage.File, error) {
	return &storage.Session{ID: sessionID}, &storage.File{ID: "f1", Name: p.Name}, g.err
}

func (g *stubGateway) UpdateFile(_ context.Context, _, sessionID, fileID string, _ session.FileUpdate) (*storage.Session, *storage.File, error) {
	return &storage.Session{ID: sessionID}, &storage.File{ID: fileID}, g.err
}

func (g *stubGateway) DeleteFile(_ context.Context, _, sessionID, _ string) (*storage.Session, error) {
	return &storage.Session{ID: sessionID}, g.err
}

func (g *stubGateway) AddCollaborator(_ context.Context, _, sessionID, _ string) (*storage.Session, error) {
	return &storage.Session{ID: sessionID}, g.err
}

func (g *stubGateway) RemoveCollaborator(_ context.Context, _, sessionID, _ string) (*storage.Session, error) {
	return &storage.Session{ID: sessionID}, g.err
}

func withCaller(r *http.Request, p Principal) *http.Request {
	return r.WithContext(withPrincipal(r.Context(), p))
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, withCaller(req, Principal{ClientID: "client-1"}))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestHandleExecute_Success(t *testing.T) {
	gw := &stubGateway{resp: &gateway.ExecutionResponse{
		ExecutionID:      "exec-1",
		Success:          true,
		Output:           []string{"hello"},
		Result:           float64(2),
		ExecutionTimeMs:  1000,
		MemoryUsageBytes: 2 << 20,
		ComputeUnits:     2,
		Cost:             0.00012,
		Tier:             pricing.Basic,
	}}
	h := NewHandlers(gw)

	rec := postJSON(t, h.HandleExecute, ExecuteRequest{
		Language: "python",
		Code:     "print('hello')",
		Timeout:  1500,
		AgentID:  "agent-7",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ExecutionID != "exec-1" || !resp.Success {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Billing.Tier != "basic" || resp.Billing.ComputeUnits != 2 {
		t.Errorf("billing = %+v", resp.Billing)
	}
	if resp.Metrics.ExecutionTimeMs != 1000 {
		t.Errorf("metrics = %+v", resp.Metrics)
	}

	if gw.lastExec.ClientID != "client-1" {
		t.Errorf("ClientID = %q, want client-1", gw.lastExec.ClientID)
	}
	if gw.lastExec.Timeout != 1500*time.Millisecond {
		t.Errorf("Timeout = %s, want 1.5s", gw.lastExec.Timeout)
	}
	if gw.lastExec.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", gw.lastExec.AgentID)
	}
}

func TestHandleExecute_TokenAgentWins(t *testing.T) {
	gw := &stubGateway{resp: &gateway.ExecutionResponse{ExecutionID: "e", Success: true}}
	h := NewHandlers(gw)

	b, _ := json.Marshal(ExecuteRequest{Language: "js", Code: "1", AgentID: "from-body"})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, withCaller(req, Principal{ClientID: "c", AgentID: "from-token"}))

	if gw.lastExec.AgentID != "from-token" {
		t.Errorf("AgentID = %q, want from-token", gw.lastExec.AgentID)
	}
}

func TestHandleExecute_EmptyOutputIsArray(t *testing.T) {
	h := NewHandlers(&stubGateway{resp: &gateway.ExecutionResponse{ExecutionID: "e"}})
	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Language: "js", Code: "1"})

	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["output"].([]any); !ok {
		t.Errorf("output = %#v, want []", raw["output"])
	}
}

func TestHandleExecute_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rate limited", &gateway.RateLimitError{ClientID: "c", Reset: 1500 * time.Millisecond}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"security", &gateway.SecurityError{Issues: []scanner.Issue{{Rule: "eval", Severity: scanner.SeverityHigh}}}, http.StatusForbidden, "SECURITY_REJECTED"},
		{"authorization", fmt.Errorf("%w: nope", gateway.ErrAuthorizationDenied), http.StatusForbidden, "FORBIDDEN"},
		{"tier", &pricing.LimitError{Dimension: "timeout", Requested: "400s", Limit: "300s", Tier: pricing.Enterprise}, http.StatusUnprocessableEntity, "TIER_LIMIT_EXCEEDED"},
		{"invalid", fmt.Errorf("%w: code is required", gateway.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{"not found", fmt.Errorf("session x: %w", gateway.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"limiter down", &gateway.ExecutionError{Op: "rate_limit", Err: errors.New("redis: connection refused")}, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"ledger down", &gateway.ExecutionError{ExecID: "e", Op: "ledger_create", Err: errors.New("db down")}, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&stubGateway{err: tt.err})
			rec := postJSON(t, h.HandleExecute, ExecuteRequest{Language: "python", Code: "x"})

			if rec.Code != tt.status {
				t.Fatalf("got status %d, want %d", rec.Code, tt.status)
			}
			if resp := decodeError(t, rec); resp.Code != tt.code {
				t.Errorf("got code %q, want %q", resp.Code, tt.code)
			}
		})
	}
}

func TestHandleExecute_RetryAfter(t *testing.T) {
	h := NewHandlers(&stubGateway{err: &gateway.RateLimitError{ClientID: "c", Reset: 1500 * time.Millisecond}})
	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Language: "python", Code: "x"})

	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestHandleExecute_InternalErrorHidesMessage(t *testing.T) {
	h := NewHandlers(&stubGateway{err: errors.New("pq: password authentication failed")})
	rec := postJSON(t, h.HandleExecute, ExecuteRequest{Language: "python", Code: "x"})

	if resp := decodeError(t, rec); resp.Error != "internal server error" {
		t.Errorf("error = %q, leaked internals", resp.Error)
	}
}

func TestHandleExecute_DispatchFailureCarriesRecord(t *testing.T) {
	gw := &stubGateway{
		resp: &gateway.ExecutionResponse{
			ExecutionID: "exec-9",
			Error:       &storage.ErrorDetail{Type: "DispatchError", Message: "worker unreachable"},
			Tier:        pricing.Basic,
		},
		err: gateway.ErrDispatchFailure,
	}
	rec := postJSON(t, NewHandlers(gw).HandleExecute, ExecuteRequest{Language: "js", Code: "1"})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", rec.Code)
	}
	var body struct {
		Code    string          `json:"code"`
		Details ExecuteResponse `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "DISPATCH_FAILED" || body.Details.ExecutionID != "exec-9" {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleExecute_BadBody(t *testing.T) {
	h := NewHandlers(&stubGateway{})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, withCaller(req, Principal{ClientID: "c"}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleExecute_BodyTooLarge(t *testing.T) {
	h := MaxBodyMiddleware(16)(http.HandlerFunc(NewHandlers(&stubGateway{}).HandleExecute))
	b, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "print('this body is far too long')"})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withCaller(req, Principal{ClientID: "c"}))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestHandleUsage_Query(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		status   int
		wantPage [2]int
	}{
		{"defaults", "", http.StatusOK, [2]int{defaultPageSize, 0}},
		{"page", "?limit=10&offset=20", http.StatusOK, [2]int{10, 20}},
		{"clamped", "?limit=100000", http.StatusOK, [2]int{maxPageSize, 0}},
		{"bad limit", "?limit=-1", http.StatusBadRequest, [2]int{}},
		{"bad offset", "?offset=x", http.StatusBadRequest, [2]int{}},
		{"bad from", "?from=yesterday", http.StatusBadRequest, [2]int{}},
		{"range", "?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", http.StatusOK, [2]int{defaultPageSize, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &stubGateway{}
			req := httptest.NewRequest(http.MethodGet, "/v1/usage"+tt.query, nil)
			rec := httptest.NewRecorder()
			NewHandlers(gw).HandleUsage(rec, withCaller(req, Principal{ClientID: "c"}))

			if rec.Code != tt.status {
				t.Fatalf("got status %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && gw.lastPage != tt.wantPage {
				t.Errorf("page = %v, want %v", gw.lastPage, tt.wantPage)
			}
		})
	}
}

func TestHandleUsage_Range(t *testing.T) {
	gw := &stubGateway{}
	req := httptest.NewRequest(http.MethodGet, "/v1/usage/summary?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	NewHandlers(gw).HandleUsageSummary(rec, withCaller(req, Principal{ClientID: "c"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !gw.lastRange.From.Equal(want) || !gw.lastRange.To.IsZero() {
		t.Errorf("range = %+v", gw.lastRange)
	}
}

func TestHandleUsage_EmptyIsArray(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	rec := httptest.NewRecorder()
	NewHandlers(&stubGateway{}).HandleUsage(rec, withCaller(req, Principal{ClientID: "c"}))

	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["executions"].([]any); !ok {
		t.Errorf("executions = %#v, want []", raw["executions"])
	}
}
