package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/chat"
	"github.com/ashita-ai/kokoro/internal/distill"
	"github.com/ashita-ai/kokoro/internal/llm"
	"github.com/ashita-ai/kokoro/internal/memory"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/policy"
	"github.com/ashita-ai/kokoro/internal/search"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/tierstore"
	"github.com/ashita-ai/kokoro/internal/usage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	chatSvc             *chat.Coordinator
	engine              *memory.Engine
	usageSvc            *usage.Service
	policySvc           *policy.Service
	orchestrator        *llm.Orchestrator
	distiller           *distill.Scheduler
	tiers               *tierstore.Store
	searcher            search.Searcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Distiller, Searcher.
type HandlersDeps struct {
	DB                  *storage.DB
	ChatSvc             *chat.Coordinator
	Engine              *memory.Engine
	UsageSvc            *usage.Service
	PolicySvc           *policy.Service
	Orchestrator        *llm.Orchestrator
	Distiller           *distill.Scheduler
	Tiers               *tierstore.Store
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		chatSvc:             d.ChatSvc,
		engine:              d.Engine,
		usageSvc:            d.UsageSvc,
		policySvc:           d.PolicySvc,
		orchestrator:        d.Orchestrator,
		distiller:           d.Distiller,
		tiers:               d.Tiers,
		searcher:            d.Searcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealthz handles GET /healthz: liveness plus a dependency and
// provider snapshot. Degraded dependencies downgrade the status but only a
// dead Postgres makes the endpoint report unhealthy.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	redisStatus := "connected"
	if err := h.tiers.Ping(r.Context()); err != nil {
		redisStatus = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := model.HealthResponse{
		Status:    status,
		Version:   h.version,
		Postgres:  pgStatus,
		Redis:     redisStatus,
		Providers: h.orchestrator.Health(r.Context()),
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleReadyz handles GET /readyz. Ready means both stores answer; the
// search mirror and LLM backends are optional at startup.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "postgres not ready")
		return
	}
	if err := h.tiers.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "redis not ready")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleProviders handles GET /v1/providers.
func (h *Handlers) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"providers": h.orchestrator.Health(r.Context()),
	})
}

// writeInternalError logs the error with the request ID and responds 500
// without leaking internals to the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeDomainError maps service-layer sentinels onto the HTTP contract.
// Unrecognized errors become 500s; fallbackMsg names the failed operation
// in both the log line and the response.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error, fallbackMsg string) {
	var exhausted *llm.ProviderExhaustedError
	switch {
	case errors.Is(err, chat.ErrInvalidInput) || errors.Is(err, memory.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, usage.ErrQuotaExceeded):
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrNoActivePolicy):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active policy")
	case errors.Is(err, distill.ErrRunActive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "distillation run already active")
	case errors.Is(err, llm.ErrNotReady) || errors.As(err, &exhausted):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeProviderDown, "no language model provider available")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.writeInternalError(w, r, fallbackMsg, err)
	}
}

// --- Shared helpers ---

func parsePathID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive
// sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryFloat32(r *http.Request, key string) (*float32, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected a number", key)
	}
	f32 := float32(f)
	return &f32, nil
}
