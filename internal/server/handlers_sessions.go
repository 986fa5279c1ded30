package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// HandleListSessions handles GET /v1/sessions. Most recently active first;
// paginated.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	sessions, total, err := h.db.ListSessions(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sessions", err)
		return
	}

	writeList(w, r, sessions, total, limit, offset, len(sessions))
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.db.GetSession(r.Context(), claims.UserID, id)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to get session")
		return
	}

	writeJSON(w, r, http.StatusOK, session)
}

// HandleCloseSession handles POST /v1/sessions/{id}/close. Closing an
// already-closed session is idempotent and returns the closed session.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.db.CloseSession(r.Context(), claims.UserID, id)
	if errors.Is(err, storage.ErrNotFound) {
		existing, getErr := h.db.GetSession(r.Context(), claims.UserID, id)
		if getErr == nil && existing.Status == model.SessionClosed {
			writeJSON(w, r, http.StatusOK, existing)
			return
		}
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to close session", err)
		return
	}

	writeJSON(w, r, http.StatusOK, session)
}
