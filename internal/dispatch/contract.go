// Package dispatch sends validated execution requests to the remote sandbox
// worker. The wire types here are shared by the gateway and the worker.
package dispatch

// Headers on every worker call.
const (
	HeaderExecutionID   = "X-Execution-ID"
	HeaderAuthorization = "Authorization"
)

// Request is the JSON body POSTed to the worker. Timeout is in
// milliseconds, MemoryLimit in bytes.
type Request struct {
	Code           string         `json:"code"`
	Language       string         `json:"language"`
	Timeout        int64          `json:"timeout"`
	MemoryLimit    int64          `json:"memoryLimit"`
	AllowedModules []string       `json:"allowedModules"`
	Context        map[string]any `json:"context,omitempty"`
	ClientID       string         `json:"clientId"`
}

// ErrorInfo describes an in-sandbox failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Type    string `json:"type"`
}

type Metrics struct {
	ExecutionTimeMs  int64 `json:"executionTimeMs"`
	MemoryUsageBytes int64 `json:"memoryUsageBytes"`
}

// Response is the worker's answer. Success false with Error set is a
// failure of the submitted program, not of the dispatch.
type Response struct {
	ExecutionID string     `json:"executionId,omitempty"`
	Success     bool       `json:"success"`
	Output      []string   `json:"output"`
	Result      any        `json:"result,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Metrics     Metrics    `json:"metrics"`
}
