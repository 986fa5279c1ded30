package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/reflection"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// HandleReflect handles POST /v1/reflect (admin): manually enqueue a
// reflection task, e.g. to replay an interaction after a policy change.
func (h *Handlers) HandleReflect(w http.ResponseWriter, r *http.Request) {
	var req model.ReflectRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == uuid.Nil || req.SessionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and session_id are required")
		return
	}
	if req.InputText == "" || req.OutputText == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input_text and output_text are required")
		return
	}

	task := storage.ReflectionTask{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		InputText:  req.InputText,
		OutputText: req.OutputText,
		Context:    req.Context,
	}
	if err := h.db.EnqueueReflection(r.Context(), task); err != nil {
		h.writeInternalError(w, r, "failed to enqueue reflection", err)
		return
	}

	pending, err := h.db.PendingReflectionCount(r.Context(), reflection.MaxAttempts)
	if err != nil {
		// The enqueue succeeded; report that even if the depth read failed.
		h.logger.Warn("reflection pending count failed", "error", err)
		pending = -1
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"enqueued": true,
		"pending":  pending,
	})
}

// HandleDistill handles POST /v1/distill (admin): run a distillation pass
// now instead of waiting for the nightly schedule. Returns 409 when a run is
// already in flight here or on another replica.
func (h *Handlers) HandleDistill(w http.ResponseWriter, r *http.Request) {
	run, err := h.distiller.RunOnce(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err, "distillation run failed")
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}
