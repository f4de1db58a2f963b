package ipc

import (
	"net/http"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// ListSessions handles GET /sessions[?codebase_id=].
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Tasks.ListSessions(r.Context(), r.URL.Query().Get("codebase_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Tasks.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SessionMessages handles GET /sessions/{id}/messages?after=N.
func (h *Handler) SessionMessages(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after")
	if err != nil {
		h.writeError(w, err)
		return
	}
	seq, err := h.Tasks.SessionMessages(r.Context(), r.PathValue("id"), after)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := []domain.Message{}
	for msg, err := range seq {
		if err != nil {
			h.writeError(w, err)
			return
		}
		out = append(out, msg)
	}
	writeJSON(w, http.StatusOK, out)
}

// AppendSessionMessage handles POST /sessions/{id}/messages.
func (h *Handler) AppendSessionMessage(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if err := decodeJSON(w, r, &msg, false); err != nil {
		h.writeError(w, err)
		return
	}
	out, err := h.Tasks.AppendMessage(r.Context(), r.PathValue("id"), msg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// ExportSession handles GET /sessions/{id}/export[?compress=zstd].
func (h *Handler) ExportSession(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Tasks.ExportSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeExport(w, r, exp)
}
