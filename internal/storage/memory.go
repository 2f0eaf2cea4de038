package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process store used when no database is configured.
// Everything returned is a copy.
type Memory struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionRecord
	sessions   map[string]*Session
}

func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*ExecutionRecord),
		sessions:   make(map[string]*Session),
	}
}

func (m *Memory) CreateExecution(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[rec.ID]; ok {
		return fmt.Errorf("execution %s: %w", rec.ID, ErrConflict)
	}
	m.executions[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) TransitionExecution(_ context.Context, rec *ExecutionRecord, from ...ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[rec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", rec.ID, ErrNotFound)
	}
	if !slices.Contains(from, cur.Status) {
		return fmt.Errorf("execution %s is %s: %w", rec.ID, cur.Status, ErrConflict)
	}
	next := rec.Clone()
	// identity and submission fields are immutable
	next.ClientID, next.AgentID, next.SessionID = cur.ClientID, cur.AgentID, cur.SessionID
	next.Language, next.Code, next.CodeHash = cur.Language, cur.Code, cur.CodeHash
	next.CreatedAt = cur.CreatedAt
	m.executions[rec.ID] = next
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *Memory) ListExecutions(_ context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	matched := m.matching(filter)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []ExecutionRecord{}, nil
	}
	matched = matched[max(filter.Offset, 0):]
	matched = matched[:min(len(matched), filter.limit())]

	out := make([]ExecutionRecord, len(matched))
	for i, r := range matched {
		out[i] = *r
	}
	return out, nil
}

func (m *Memory) AggregateExecutions(_ context.Context, filter ExecutionFilter) (*UsageStats, error) {
	stats := newUsageStats()
	for _, r := range m.matching(filter) {
		stats.add(r)
	}
	stats.finish()
	return stats, nil
}

func (m *Memory) matching(filter ExecutionFilter) []*ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ExecutionRecord
	for _, r := range m.executions {
		if filter.matches(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) ListSessions(_ context.Context, filter SessionFilter) ([]Session, error) {
	m.mu.RLock()
	var out []Session
	for _, s := range m.sessions {
		if filter.matches(s) {
			out = append(out, *s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
