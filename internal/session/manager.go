// Package session manages collaborative multi-file workspaces. Access control
// is the caller's job; see CanRead, CanWrite and IsOwner. Mutating calls take
// Guards, which run against the stored session under its lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"exec-gateway/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound      = storage.ErrNotFound
	ErrInvalid       = errors.New("invalid session request")
	ErrDuplicateName = errors.New("file name already exists in session")
	ErrQuotaExceeded = errors.New("session quota exceeded")
)

// Limits bound what a single session may hold.
type Limits struct {
	MaxFiles        int
	MaxStorageBytes int64
	DefaultTTL      time.Duration // 0 means no expiry
}

type CreateParams struct {
	Name        string
	Description string
	OwnerID     string
	IsPublic    bool
	Environment string
	TTL         time.Duration // 0 falls back to Limits.DefaultTTL
	Files       []FileParams
}

// UpdateParams changes session metadata. Nil fields are left alone; a zero
// TTL clears the expiry.
type UpdateParams struct {
	Name        *string
	Description *string
	IsPublic    *bool
	Environment *string
	TTL         *time.Duration
}

type FileParams struct {
	Name     string
	Content  string
	Language string
}

type FileUpdate struct {
	Name     *string
	Content  *string
	Language *string
}

// Guard vets the current session before a change is applied. A non-nil
// error aborts the change.
type Guard func(*storage.Session) error

type Manager struct {
	store  storage.SessionStore
	limits Limits
	now    func() time.Time
	locks  *keyedMutex
}

func NewManager(store storage.SessionStore, limits Limits) *Manager {
	return &Manager{
		store:  store,
		limits: limits,
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
}

func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*storage.Session, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if p.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", ErrInvalid)
	}

	now := m.now().UTC()
	s := &storage.Session{
		ID:            uuid.New().String(),
		Name:          p.Name,
		Description:   p.Description,
		OwnerID:       p.OwnerID,
		Collaborators: []string{},
		IsPublic:      p.IsPublic,
		Files:         []storage.File{},
		Environment:   p.Environment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ttl := p.TTL
	if ttl == 0 {
		ttl = m.limits.DefaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		s.ExpiresAt = &exp
	}
	for _, fp := range p.Files {
		if _, err := m.addFile(s, fp, now); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	log.Info().Str("session_id", s.ID).Str("owner", s.OwnerID).Int("files", len(s.Files)).Msg("session created")
	return s, nil
}

// GetSession returns the session. Expired sessions are reported as not
// found even before cleanup has removed them.
func (m *Manager) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		return nil, fmt.Errorf("session %s expired: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Manager) UpdateSession(ctx context.Context, id string, p UpdateParams, guards ...Guard) (*storage.Session, error) {
	return m.mutate(ctx, id, guards, func(s *storage.Session, now time.Time) error {
		if p.Name != nil {
			if strings.TrimSpace(*p.Name) == "" {
				return fmt.Errorf("%w: name must not be empty", ErrInvalid)
			}
			s.Name = *p.Name
		}
		if p.Description != nil {
			s.Description = *p.Description
		}
		if p.IsPublic != nil {
			s.IsPublic = *p.IsPublic
		}
		if p.Environment != nil {
			s.Environment = *p.Environment
		}
		if p.TTL != nil {
			switch ttl := *p.TTL; {
			case ttl < 0:
				return fmt.Errorf("%w: ttl must not be negative", ErrInvalid)
			case ttl == 0:
				s.ExpiresAt = nil
			default:
				exp := now.Add(ttl)
				s.ExpiresAt = &exp
			}
		}
		return nil
	})
}

func (m *Manager) DeleteSession(ctx context.Context, id string, guards ...Guard) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if len(guards) > 0 {
		s, err := m.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if err := checkGuards(s, guards); err != nil {
			return err
		}
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	log.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// ListUserSessions returns sessions the user owns or collaborates on.
func (m *Manager) ListUserSessions(ctx context.Context, userID string) ([]storage.Session, error) {
	return m.list(ctx, storage.SessionFilter{MemberID: userID})
}

func (m *Manager) ListPublicSessions(ctx context.Context) ([]storage.Session, error) {
	return m.list(ctx, storage.SessionFilter{PublicOnly: true})
}

func (m *Manager) list(ctx context.Context, f storage.SessionFilter) ([]storage.Session, error) {
	all, err := m.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]storage.Session, 0, len(all))
	for _, s := range all {
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetFile returns the session and one of its files.
func (m *Manager) GetFile(ctx context.Context, sessionID, fileID string) (*storage.Session, *storage.File, error) {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	i := fileIndex(s, fileID)
	if i < 0 {
		return nil, nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	f := s.Files[i]
	return s, &f, nil
}

func (m *Manager) AddFile(ctx context.Context, sessionID string, p FileParams, guards ...Guard) (*storage.Session, *storage.File, error) {
	var added storage.File
	s, err := m.mutate(ctx, sessionID, guards, func(s *storage.Session, now time.Time) error {
		f, err := m.addFile(s, p, now)
		added = f
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return s, &added, nil
}

func (m *Manager) UpdateFile(ctx context.Context, sessionID, fileID string, u FileUpdate, guards ...Guard) (*storage.Session, *storage.File, error) {
	var updated storage.File
	s, err := m.mutate(ctx, sessionID, guards, func(s *storage.Session, now time.Time) error {
		i := fileIndex(s, fileID)
		if i < 0 {
			return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		f := s.Files[i]

		if u.Name != nil && *u.Name != f.Name {
			if strings.TrimSpace(*u.Name) == "" {
				return fmt.Errorf("%w: file name must not be empty", ErrInvalid)
			}
			if fileNamed(s, *u.Name) >= 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateName, *u.Name)
			}
			f.Name = *u.Name
		}
		if u.Language != nil {
			f.Language = *u.Language
		}
		if u.Content != nil {
			delta := int64(len(*u.Content)) - int64(len(f.Content))
			if err := m.checkStorage(s, delta); err != nil {
				return err
			}
			f.Content = *u.Content
			s.StorageUsageBytes += delta
		}
		f.LastModified = now
		s.Files[i] = f
		updated = f
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return s, &updated, nil
}

func (m *Manager) DeleteFile(ctx context.Context, sessionID, fileID string, guards ...Guard) (*storage.Session, error) {
	return m.mutate(ctx, sessionID, guards, func(s *storage.Session, _ time.Time) error {
		i := fileIndex(s, fileID)
		if i < 0 {
			return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		s.StorageUsageBytes -= int64(len(s.Files[i].Content))
		s.Files = slices.Delete(s.Files, i, i+1)
		return nil
	})
}

// AddCollaborator adds userID to the collaborator set. Adding the owner or an
// existing collaborator changes nothing.
func (m *Manager) AddCollaborator(ctx context.Context, sessionID, userID string, guards ...Guard) (*storage.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	return m.mutate(ctx, sessionID, guards, func(s *storage.Session, _ time.Time) error {
		if userID != s.OwnerID && !slices.Contains(s.Collaborators, userID) {
			s.Collaborators = append(s.Collaborators, userID)
		}
		return nil
	})
}

func (m *Manager) RemoveCollaborator(ctx context.Context, sessionID, userID string, guards ...Guard) (*storage.Session, error) {
	return m.mutate(ctx, sessionID, guards, func(s *storage.Session, _ time.Time) error {
		s.Collaborators = slices.DeleteFunc(s.Collaborators, func(c string) bool { return c == userID })
		return nil
	})
}

// CleanupExpired deletes sessions whose expiry is before now. Running it
// again with the same now removes nothing.
func (m *Manager) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired sessions: %w", err)
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("expired sessions cleaned up")
	}
	return n, nil
}

// Run calls CleanupExpired every interval until ctx is cancelled. onClean,
// when set, receives the number of sessions removed.
func (m *Manager) Run(ctx context.Context, interval time.Duration, onClean func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpired(ctx, m.now())
			if err != nil {
				log.Error().Err(err).Msg("session cleanup failed")
				continue
			}
			if onClean != nil {
				onClean(n)
			}
		}
	}
}

// mutate serializes read-modify-write cycles on one session.
func (m *Manager) mutate(ctx context.Context, id string, guards []Guard, fn func(*storage.Session, time.Time) error) (*storage.Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkGuards(s, guards); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := fn(s, now); err != nil {
		return nil, err
	}
	s.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("saving session %s: %w", id, err)
	}
	return s, nil
}

func checkGuards(s *storage.Session, guards []Guard) error {
	for _, g := range guards {
		if err := g(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addFile(s *storage.Session, p FileParams, now time.Time) (storage.File, error) {
	if strings.TrimSpace(p.Name) == "" {
		return storage.File{}, fmt.Errorf("%w: file name is required", ErrInvalid)
	}
	if fileNamed(s, p.Name) >= 0 {
		return storage.File{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	if m.limits.MaxFiles > 0 && len(s.Files) >= m.limits.MaxFiles {
		return storage.File{}, fmt.Errorf("%w: at most %d files", ErrQuotaExceeded, m.limits.MaxFiles)
	}
	delta := int64(len(p.Content))
	if err := m.checkStorage(s, delta); err != nil {
		return storage.File{}, err
	}

	f := storage.File{
		ID:           uuid.New().String(),
		Name:         p.Name,
		Content:      p.Content,
		Language:     p.Language,
		LastModified: now,
	}
	s.Files = append(s.Files, f)
	s.StorageUsageBytes += delta
	return f, nil
}

func (m *Manager) checkStorage(s *storage.Session, delta int64) error {
	if m.limits.MaxStorageBytes > 0 && delta > 0 && s.StorageUsageBytes+delta > m.limits.MaxStorageBytes {
		return fmt.Errorf("%w: storage would reach %d of %d bytes",
			ErrQuotaExceeded, s.StorageUsageBytes+delta, m.limits.MaxStorageBytes)
	}
	return nil
}

func fileIndex(s *storage.Session, fileID string) int {
	return slices.IndexFunc(s.Files, func(f storage.File) bool { return f.ID == fileID })
}

func fileNamed(s *storage.Session, name string) int {
	return slices.IndexFunc(s.Files, func(f storage.File) bool { return f.Name == name })
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
