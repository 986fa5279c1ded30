package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// HandleStoreMemory handles POST /v1/memories.
func (h *Handlers) HandleStoreMemory(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.StoreMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.UserID = claims.UserID

	mem, err := h.engine.Store(r.Context(), claims.Tier, req)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to store memory")
		return
	}

	writeJSON(w, r, http.StatusCreated, mem)
}

// HandleListMemories handles GET /v1/memories.
// Filters: tier, type, session_id, min_confidence; paginated.
func (h *Handlers) HandleListMemories(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	var f storage.MemoryFilters
	if v := r.URL.Query().Get("tier"); v != "" {
		tier := model.MemoryTier(v)
		if !model.ValidTier(tier) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tier: "+v)
			return
		}
		f.Tier = &tier
	}
	if v := r.URL.Query().Get("type"); v != "" {
		mt := model.MemoryType(v)
		if !model.ValidMemoryType(mt) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid type: "+v)
			return
		}
		f.Type = &mt
	}
	if v := r.URL.Query().Get("session_id"); v != "" {
		sid, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session_id")
			return
		}
		f.SessionID = &sid
	}
	minConf, err := queryFloat32(r, "min_confidence")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f.MinConfidence = minConf

	memories, total, err := h.engine.List(r.Context(), claims.UserID, f, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list memories", err)
		return
	}

	writeList(w, r, memories, total, limit, offset, len(memories))
}

// HandleGetMemory handles GET /v1/memories/{id}.
func (h *Handlers) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	mem, err := h.engine.Get(r.Context(), claims.UserID, id)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to get memory")
		return
	}

	writeJSON(w, r, http.StatusOK, mem)
}

// HandleUpdateMemory handles PATCH /v1/memories/{id}.
func (h *Handlers) HandleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	mem, err := h.engine.Update(r.Context(), claims.UserID, id, req)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to update memory")
		return
	}

	writeJSON(w, r, http.StatusOK, mem)
}

// HandleDeleteMemory handles DELETE /v1/memories/{id}.
func (h *Handlers) HandleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.engine.Delete(r.Context(), claims.UserID, id); err != nil {
		h.writeDomainError(w, r, err, "failed to delete memory")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"id":      id,
		"deleted": true,
	})
}

// HandlePromoteMemory handles POST /v1/memories/{id}/promote.
func (h *Handlers) HandlePromoteMemory(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.PromoteMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !model.ValidTier(req.TargetTier) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid target_tier")
		return
	}

	mem, err := h.engine.Promote(r.Context(), claims.UserID, id, req.TargetTier)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to promote memory")
		return
	}

	writeJSON(w, r, http.StatusOK, mem)
}

// HandleSearchMemories handles POST /v1/memories/search.
func (h *Handlers) HandleSearchMemories(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.SearchMemoriesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	if req.Tier != nil && !model.ValidTier(*req.Tier) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tier")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	results, err := h.engine.Search(r.Context(), claims.UserID, req.Query, limit, req.Tier, req.MinConfidence)
	if err != nil {
		h.writeDomainError(w, r, err, "search failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": results,
		"total":   len(results),
	})
}

// HandleMemoryStats handles GET /v1/memories/stats.
func (h *Handlers) HandleMemoryStats(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	stats, err := h.engine.Stats(r.Context(), claims.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to compute memory stats", err)
		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}
