package api

import (
	"net/http"

	"exec-gateway/internal/session"
	"exec-gateway/internal/storage"
)

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	files := make([]session.FileParams, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, session.FileParams{Name: f.Name, Content: f.Content, Language: f.Language})
	}

	s, err := h.gw.CreateSession(r.Context(), principal(r).ClientID, session.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		Environment: req.Environment,
		TTL:         req.TTL.Duration,
		Files:       files,
	})
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.gw.ListSessions(r.Context(), principal(r).ClientID)
	writeSessions(w, r, list, err)
}

func (h *Handlers) HandleListPublicSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.gw.ListPublicSessions(r.Context())
	writeSessions(w, r, list, err)
}

func writeSessions(w http.ResponseWriter, r *http.Request, list []storage.Session, err error) {
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.gw.GetSession(r.Context(), principal(r).ClientID, r.PathValue("id"))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := session.UpdateParams{
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		Environment: req.Environment,
	}
	if req.TTL != nil {
		ttl := req.TTL.Duration
		p.TTL = &ttl
	}

	s, err := h.gw.UpdateSession(r.Context(), principal(r).ClientID, r.PathValue("id"), p)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.DeleteSession(r.Context(), principal(r).ClientID, r.PathValue("id")); err != nil {
		writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.gw.GetFile(r.Context(), principal(r).ClientID, r.PathValue("id"), r.PathValue("fileId"))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handlers) HandleAddFile(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, f, err := h.gw.AddFile(r.Context(), principal(r).ClientID, r.PathValue("id"), session.FileParams{
		Name:     req.Name,
		Content:  req.Content,
		Language: req.Language,
	})
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, FileResponse{Session: s, File: f})
}

func (h *Handlers) HandleUpdateFile(w http.ResponseWriter, r *http.Request) {
	var req UpdateFileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, f, err := h.gw.UpdateFile(r.Context(), principal(r).ClientID, r.PathValue("id"), r.PathValue("fileId"), session.FileUpdate{
		Name:     req.Name,
		Content:  req.Content,
		Language: req.Language,
	})
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{Session: s, File: f})
}

func (h *Handlers) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	s, err := h.gw.DeleteFile(r.Context(), principal(r).ClientID, r.PathValue("id"), r.PathValue("fileId"))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	var req CollaboratorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := h.gw.AddCollaborator(r.Context(), principal(r).ClientID, r.PathValue("id"), req.UserID)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	s, err := h.gw.RemoveCollaborator(r.Context(), principal(r).ClientID, r.PathValue("id"), r.PathValue("userId"))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
