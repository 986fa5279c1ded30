package server

import (
	"net/http"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
)

// HandleUsage handles GET /v1/usage: today's consumption per resource plus a
// daily rollup over the requested range (default 7 days, max 90).
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	days := queryInt(r, "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	daily, err := h.usageSvc.RangeStats(r.Context(), claims.UserID, days)
	if err != nil {
		h.writeInternalError(w, r, "failed to aggregate usage", err)
		return
	}

	today := make(map[model.ResourceType]int64, 2)
	for _, resource := range []model.ResourceType{model.ResourceLLMTokens, model.ResourceMessages} {
		amount, err := h.usageSvc.Today(r.Context(), claims.UserID, resource)
		if err != nil {
			h.writeInternalError(w, r, "failed to aggregate usage", err)
			return
		}
		today[resource] = amount
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"tier":  claims.Tier,
		"days":  days,
		"today": today,
		"daily": daily,
	})
}

// HandleStorageUsage handles GET /v1/usage/storage.
func (h *Handlers) HandleStorageUsage(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	storage, err := h.usageSvc.StorageUsage(r.Context(), claims.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to compute storage usage", err)
		return
	}

	writeJSON(w, r, http.StatusOK, storage)
}
