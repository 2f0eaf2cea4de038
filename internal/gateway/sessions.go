package gateway

import (
	"context"
	"fmt"

	"exec-gateway/internal/session"
	"exec-gateway/internal/storage"
)

// Session operations. principal is the authenticated client id; every call
// checks it against the session before touching it.

func (g *Gateway) CreateSession(ctx context.Context, principal string, p session.CreateParams) (*storage.Session, error) {
	if principal == "" {
		return nil, invalid("principal is required")
	}
	p.OwnerID = principal
	return g.sessions.CreateSession(ctx, p)
}

func (g *Gateway) GetSession(ctx context.Context, principal, id string) (*storage.Session, error) {
	return g.readableSession(ctx, principal, id)
}

func (g *Gateway) UpdateSession(ctx context.Context, principal, id string, p session.UpdateParams) (*storage.Session, error) {
	return g.sessions.UpdateSession(ctx, id, p, owner(principal))
}

func (g *Gateway) DeleteSession(ctx context.Context, principal, id string) error {
	return g.sessions.DeleteSession(ctx, id, owner(principal))
}

// ListSessions returns the sessions principal owns or collaborates on.
func (g *Gateway) ListSessions(ctx context.Context, principal string) ([]storage.Session, error) {
	return g.sessions.ListUserSessions(ctx, principal)
}

func (g *Gateway) ListPublicSessions(ctx context.Context) ([]storage.Session, error) {
	return g.sessions.ListPublicSessions(ctx)
}

func (g *Gateway) GetFile(ctx context.Context, principal, sessionID, fileID string) (*storage.File, error) {
	s, f, err := g.sessions.GetFile(ctx, sessionID, fileID)
	if err != nil {
		return nil, err
	}
	if !session.CanRead(s, principal) {
		return nil, denied(principal, "read", s.ID)
	}
	return f, nil
}

func (g *Gateway) AddFile(ctx context.Context, principal, sessionID string, p session.FileParams) (*storage.Session, *storage.File, error) {
	return g.sessions.AddFile(ctx, sessionID, p, writer(principal))
}

func (g *Gateway) UpdateFile(ctx context.Context, principal, sessionID, fileID string, u session.FileUpdate) (*storage.Session, *storage.File, error) {
	return g.sessions.UpdateFile(ctx, sessionID, fileID, u, writer(principal))
}

func (g *Gateway) DeleteFile(ctx context.Context, principal, sessionID, fileID string) (*storage.Session, error) {
	return g.sessions.DeleteFile(ctx, sessionID, fileID, writer(principal))
}

func (g *Gateway) AddCollaborator(ctx context.Context, principal, sessionID, userID string) (*storage.Session, error) {
	return g.sessions.AddCollaborator(ctx, sessionID, userID, owner(principal))
}

func (g *Gateway) RemoveCollaborator(ctx context.Context, principal, sessionID, userID string) (*storage.Session, error) {
	return g.sessions.RemoveCollaborator(ctx, sessionID, userID, owner(principal))
}

func (g *Gateway) readableSession(ctx context.Context, principal, id string) (*storage.Session, error) {
	s, err := g.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.CanRead(s, principal) {
		return nil, denied(principal, "read", id)
	}
	return s, nil
}

// writer and owner are checked by the session manager under the session
// lock, so a membership change cannot interleave with the write it gates.
func writer(principal string) session.Guard {
	return func(s *storage.Session) error {
		if !session.CanWrite(s, principal) {
			return denied(principal, "modify files of", s.ID)
		}
		return nil
	}
}

func owner(principal string) session.Guard {
	return func(s *storage.Session) error {
		if !session.IsOwner(s, principal) {
			return denied(principal, "administer", s.ID)
		}
		return nil
	}
}

func denied(principal, action, sessionID string) error {
	return fmt.Errorf("%w: %q may not %s session %s", ErrAuthorizationDenied, principal, action, sessionID)
}
