package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"exec-gateway/internal/gateway"
	"exec-gateway/internal/ledger"
	"exec-gateway/internal/session"
	"exec-gateway/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Gateway is the service the handlers front.
type Gateway interface {
	ExecuteCode(ctx context.Context, req gateway.ExecutionRequest) (*gateway.ExecutionResponse, error)
	GetExecution(ctx context.Context, principal, id string) (*storage.ExecutionRecord, error)
	Usage(ctx context.Context, principal string, r ledger.Range, limit, offset int) ([]storage.ExecutionRecord, error)
	UsageSummary(ctx context.Context, principal string, r ledger.Range) (*storage.UsageStats, error)

	CreateSession(ctx context.Context, principal string, p session.CreateParams) (*storage.Session, error)
	GetSession(ctx context.Context, principal, id string) (*storage.Session, error)
	UpdateSession(ctx context.Context, principal, id string, p session.UpdateParams) (*storage.Session, error)
	DeleteSession(ctx context.Context, principal, id string) error
	ListSessions(ctx context.Context, principal string) ([]storage.Session, error)
	ListPublicSessions(ctx context.Context) ([]storage.Session, error)
	GetFile(ctx context.Context, principal, sessionID, fileID string) (*storage.File, error)
	AddFile(ctx context.Context, principal, sessionID string, p session.FileParams) (*storage.Session, *storage.File, error)
	UpdateFile(ctx context.Context, principal, sessionID, fileID string, u session.FileUpdate) (*storage.Session, *storage.File, error)
	DeleteFile(ctx context.Context, principal, sessionID, fileID string) (*storage.Session, error)
	AddCollaborator(ctx context.Context, principal, sessionID, userID string) (*storage.Session, error)
	RemoveCollaborator(ctx context.Context, principal, sessionID, userID string) (*storage.Session, error)
}

type Handlers struct {
	gw Gateway
}

func NewHandlers(gw Gateway) *Handlers {
	return &Handlers{gw: gw}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := principal(r)

	agentID := req.AgentID
	if p.AgentID != "" {
		agentID = p.AgentID
	}

	resp, err := h.gw.ExecuteCode(r.Context(), gateway.ExecutionRequest{
		Code:           req.Code,
		Language:       req.Language,
		Timeout:        time.Duration(req.Timeout) * time.Millisecond,
		MemoryLimit:    req.MemoryLimit,
		AllowedModules: req.AllowedModules,
		Context:        req.Context,
		ClientID:       p.ClientID,
		AgentID:        agentID,
		SessionID:      req.SessionID,
		FileID:         req.FileID,
	})
	switch {
	case err != nil && resp != nil:
		// The worker could not be reached; the execution is recorded as failed.
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("dispatch failed")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:     "execution dispatch failed",
			Code:      "DISPATCH_FAILED",
			RequestID: RequestIDFromContext(r.Context()),
			Details:   toExecuteResponse(resp),
		})
	case err != nil:
		writeGatewayError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, toExecuteResponse(resp))
	}
}

func toExecuteResponse(resp *gateway.ExecutionResponse) ExecuteResponse {
	out := resp.Output
	if out == nil {
		out = []string{}
	}
	return ExecuteResponse{
		ExecutionID: resp.ExecutionID,
		Success:     resp.Success,
		Output:      out,
		Result:      resp.Result,
		Error:       resp.Error,
		Metrics: ExecutionMetrics{
			ExecutionTimeMs:  resp.ExecutionTimeMs,
			MemoryUsageBytes: resp.MemoryUsageBytes,
		},
		Billing: BillingInfo{
			Tier:         string(resp.Tier),
			ComputeUnits: resp.ComputeUnits,
			Cost:         resp.Cost,
		},
		Warnings: resp.Warnings,
	}
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.gw.GetExecution(r.Context(), principal(r).ClientID, r.PathValue("id"))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	recs, err := h.gw.Usage(r.Context(), principal(r).ClientID, rng, limit, offset)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, UsageResponse{Executions: recs, Limit: limit, Offset: offset})
}

func (h *Handlers) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}
	stats, err := h.gw.UsageSummary(r.Context(), principal(r).ClientID, rng)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseRange reads RFC 3339 from/to query parameters; either may be absent.
func parseRange(w http.ResponseWriter, r *http.Request) (ledger.Range, bool) {
	var rng ledger.Range
	for name, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, name+" must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return rng, false
		}
		*dst = t
	}
	return rng, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFromContext(r.Context())
	return p
}

// decodeBody decodes the JSON body into v and writes a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
