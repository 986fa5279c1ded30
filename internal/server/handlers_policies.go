package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
)

// auditActor resolves the acting user for policy audit rows. Admin-key
// requests carry the nil UUID and are recorded without a user.
func auditActor(userID uuid.UUID) *uuid.UUID {
	if userID == uuid.Nil {
		return nil
	}
	return &userID
}

// HandleCreatePolicy handles POST /v1/policies (admin). The new policy
// version becomes active immediately.
func (h *Handlers) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.CreatePolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if len(req.Content) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}

	pol, err := h.policySvc.CreatePolicy(r.Context(), req.Name, req.Content, auditActor(claims.UserID))
	if err != nil {
		h.writeDomainError(w, r, err, "failed to create policy")
		return
	}

	writeJSON(w, r, http.StatusCreated, pol)
}

// HandleActivePolicy handles GET /v1/policies/active.
func (h *Handlers) HandleActivePolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := h.policySvc.ActivePolicy(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err, "failed to load active policy")
		return
	}

	writeJSON(w, r, http.StatusOK, pol)
}

// HandleValidateContent handles POST /v1/policies/validate (admin). The
// check itself always answers 200; the verdict is in the result body.
func (h *Handlers) HandleValidateContent(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateContentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}

	result := h.policySvc.ValidateContent(r.Context(), req.Content, req.Context)
	writeJSON(w, r, http.StatusOK, result)
}
