package api

import (
	"time"

	"exec-gateway/internal/scanner"
	"exec-gateway/internal/storage"
)

// ExecuteRequest is the body of POST /v1/execute. The client id always
// comes from the authenticated principal.
type ExecuteRequest struct {
	Code           string         `json:"code"`
	Language       string         `json:"language"`
	Timeout        int64          `json:"timeout,omitempty"`     // milliseconds
	MemoryLimit    int64          `json:"memoryLimit,omitempty"` // bytes
	AllowedModules []string       `json:"allowedModules,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	FileID         string         `json:"fileId,omitempty"`
}

// ExecuteResponse is returned for every request that reached the worker.
type ExecuteResponse struct {
	ExecutionID string               `json:"executionId"`
	Success     bool                 `json:"success"`
	Output      []string             `json:"output"`
	Result      any                  `json:"result,omitempty"`
	Error       *storage.ErrorDetail `json:"error,omitempty"`
	Metrics     ExecutionMetrics     `json:"metrics"`
	Billing     BillingInfo          `json:"billing"`
	Warnings    []scanner.Issue      `json:"warnings,omitempty"`
}

type ExecutionMetrics struct {
	ExecutionTimeMs  int64 `json:"executionTimeMs"`
	MemoryUsageBytes int64 `json:"memoryUsageBytes"`
}

type BillingInfo struct {
	Tier         string  `json:"tier"`
	ComputeUnits float64 `json:"computeUnits"`
	Cost         float64 `json:"cost"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// CreateSessionRequest is the body of POST /v1/sessions. The owner is the
// caller.
type CreateSessionRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	IsPublic    bool          `json:"isPublic"`
	Environment string        `json:"environment,omitempty"`
	TTL         Duration      `json:"ttl,omitempty"`
	Files       []FileRequest `json:"files,omitempty"`
}

// UpdateSessionRequest is the body of PATCH /v1/sessions/{id}. Absent
// fields are left unchanged; a ttl of "0s" clears the expiry.
type UpdateSessionRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	IsPublic    *bool     `json:"isPublic,omitempty"`
	Environment *string   `json:"environment,omitempty"`
	TTL         *Duration `json:"ttl,omitempty"`
}

type FileRequest struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

type UpdateFileRequest struct {
	Name     *string `json:"name,omitempty"`
	Content  *string `json:"content,omitempty"`
	Language *string `json:"language,omitempty"`
}

type CollaboratorRequest struct {
	UserID string `json:"userId"`
}

// FileResponse carries the changed file and the session's new state.
type FileResponse struct {
	Session *storage.Session `json:"session"`
	File    *storage.File    `json:"file"`
}

type UsageResponse struct {
	Executions []storage.ExecutionRecord `json:"executions"`
	Limit      int                       `json:"limit"`
	Offset     int                       `json:"offset"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
	Details   any    `json:"details,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
