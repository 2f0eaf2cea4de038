package storage

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update finds the row in an
	// unexpected state.
	ErrConflict = errors.New("conflict")
)

// ExecutionStatus moves PENDING -> RUNNING -> COMPLETED|FAILED and never back.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(s string) (ExecutionStatus, bool) {
	switch st := ExecutionStatus(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// ErrorDetail describes why an execution failed.
type ErrorDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Type    string `json:"type"`
}

// ExecutionRecord is the durable audit row of one execution.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"clientId"`
	AgentID          string          `json:"agentId,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	Language         string          `json:"language"`
	Code             string          `json:"code"`
	CodeHash         string          `json:"codeHash"`
	Status           ExecutionStatus `json:"status"`
	Output           []string        `json:"output"`
	Result           any             `json:"result,omitempty"`
	Error            *ErrorDetail    `json:"error,omitempty"`
	ExecutionTimeMs  int64           `json:"executionTimeMs"`
	MemoryUsageBytes int64           `json:"memoryUsageBytes"`
	ComputeUnits     float64         `json:"computeUnits"`
	Cost             float64         `json:"cost"`
	Tier             string          `json:"tier"`
	Environment      string          `json:"environment"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no mutable state with r. Result is
// treated as an immutable decoded JSON value.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	c := *r
	c.Output = slices.Clone(r.Output)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	ClientID string
	Language string
	Status   ExecutionStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

func (f ExecutionFilter) matches(r *ExecutionRecord) bool {
	if f.ClientID != "" && r.ClientID != f.ClientID {
		return false
	}
	if f.Language != "" && r.Language != f.Language {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !r.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f ExecutionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > maxListLimit {
		return defaultListLimit
	}
	return f.Limit
}

// UsageStats summarizes a client's executions over a range.
type UsageStats struct {
	TotalExecutions      int64            `json:"totalExecutions"`
	Completed            int64            `json:"completed"`
	Failed               int64            `json:"failed"`
	Pending              int64            `json:"pending"` // PENDING or RUNNING
	TotalExecutionTimeMs int64            `json:"totalExecutionTimeMs"`
	AvgExecutionTimeMs   float64          `json:"avgExecutionTimeMs"`
	TotalMemoryBytes     int64            `json:"totalMemoryBytes"`
	TotalComputeUnits    float64          `json:"totalComputeUnits"`
	TotalCost            float64          `json:"totalCost"`
	ByLanguage           map[string]int64 `json:"byLanguage"`
	ByTier               map[string]int64 `json:"byTier"`
}

func newUsageStats() *UsageStats {
	return &UsageStats{
		ByLanguage: make(map[string]int64),
		ByTier:     make(map[string]int64),
	}
}

func (s *UsageStats) add(r *ExecutionRecord) {
	s.TotalExecutions++
	switch r.Status {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	default:
		s.Pending++
	}
	s.TotalExecutionTimeMs += r.ExecutionTimeMs
	s.TotalMemoryBytes += r.MemoryUsageBytes
	s.TotalComputeUnits += r.ComputeUnits
	s.TotalCost += r.Cost
	s.ByLanguage[r.Language]++
	s.ByTier[r.Tier]++
}

func (s *UsageStats) finish() {
	if s.TotalExecutions > 0 {
		s.AvgExecutionTimeMs = float64(s.TotalExecutionTimeMs) / float64(s.TotalExecutions)
	}
}

// Session is a shared workspace of files.
type Session struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	OwnerID           string     `json:"ownerId"`
	Collaborators     []string   `json:"collaborators"`
	IsPublic          bool       `json:"isPublic"`
	Files             []File     `json:"files"`
	Environment       string     `json:"environment"`
	StorageUsageBytes int64      `json:"storageUsageBytes"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// File is owned by exactly one session.
type File struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Content      string    `json:"content"`
	Language     string    `json:"language"`
	LastModified time.Time `json:"lastModified"`
}

func (s *Session) Clone() *Session {
	c := *s
	c.Collaborators = slices.Clone(s.Collaborators)
	c.Files = slices.Clone(s.Files)
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	return &c
}

// Expired reports whether the session's expiry is before now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

func (s *Session) HasMember(userID string) bool {
	return s.OwnerID == userID || slices.Contains(s.Collaborators, userID)
}

// SessionFilter selects sessions for listing. MemberID matches owner or
// collaborator; PublicOnly restricts to public sessions.
type SessionFilter struct {
	MemberID   string
	PublicOnly bool
}

func (f SessionFilter) matches(s *Session) bool {
	if f.MemberID != "" && !s.HasMember(f.MemberID) {
		return false
	}
	if f.PublicOnly && !s.IsPublic {
		return false
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
