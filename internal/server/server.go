package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/chat"
	"github.com/ashita-ai/kokoro/internal/distill"
	"github.com/ashita-ai/kokoro/internal/llm"
	"github.com/ashita-ai/kokoro/internal/memory"
	"github.com/ashita-ai/kokoro/internal/policy"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/search"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/tierstore"
	"github.com/ashita-ai/kokoro/internal/usage"
)

// Server is the Kokoro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Searcher, Distiller.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	ChatSvc      *chat.Coordinator
	Engine       *memory.Engine
	UsageSvc     *usage.Service
	PolicySvc    *policy.Service
	Orchestrator *llm.Orchestrator
	Tiers        *tierstore.Store
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Distiller *distill.Scheduler
	Limiter   ratelimit.Limiter
	Searcher  search.Searcher

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	AdminKeyHash        string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		ChatSvc:             cfg.ChatSvc,
		Engine:              cfg.Engine,
		UsageSvc:            cfg.UsageSvc,
		PolicySvc:           cfg.PolicySvc,
		Orchestrator:        cfg.Orchestrator,
		Distiller:           cfg.Distiller,
		Tiers:               cfg.Tiers,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Health probes (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Chat.
	mux.HandleFunc("POST /v1/chat", h.HandleChat)
	mux.HandleFunc("POST /v1/chat/stream", h.HandleChatStream)

	// Memories. Literal segments (stats, search) take precedence over {id}.
	mux.HandleFunc("POST /v1/memories", h.HandleStoreMemory)
	mux.HandleFunc("GET /v1/memories", h.HandleListMemories)
	mux.HandleFunc("GET /v1/memories/stats", h.HandleMemoryStats)
	mux.HandleFunc("POST /v1/memories/search", h.HandleSearchMemories)
	mux.HandleFunc("GET /v1/memories/{id}", h.HandleGetMemory)
	mux.HandleFunc("PATCH /v1/memories/{id}", h.HandleUpdateMemory)
	mux.HandleFunc("DELETE /v1/memories/{id}", h.HandleDeleteMemory)
	mux.HandleFunc("POST /v1/memories/{id}/promote", h.HandlePromoteMemory)

	// Usage.
	mux.HandleFunc("GET /v1/usage", h.HandleUsage)
	mux.HandleFunc("GET /v1/usage/storage", h.HandleStorageUsage)

	// Provider health snapshot.
	mux.HandleFunc("GET /v1/providers", h.HandleProviders)

	// Policies. Creation and raw content checks are ops surfaces.
	adminOnly := requireAdmin
	mux.Handle("POST /v1/policies", adminOnly(http.HandlerFunc(h.HandleCreatePolicy)))
	mux.HandleFunc("GET /v1/policies/active", h.HandleActivePolicy)
	mux.Handle("POST /v1/policies/validate", adminOnly(http.HandlerFunc(h.HandleValidateContent)))

	// Manual pipeline triggers (admin).
	mux.Handle("POST /v1/reflect", adminOnly(http.HandlerFunc(h.HandleReflect)))
	mux.Handle("POST /v1/distill", adminOnly(http.HandlerFunc(h.HandleDistill)))

	// Sessions.
	mux.HandleFunc("GET /v1/sessions", h.HandleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", h.HandleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/close", h.HandleCloseSession)

	// Middleware chain (outermost executes first):
	// request ID → security headers → logging → tracing → rate limit → auth → recovery → handler.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AdminKeyHash, handler)
	handler = ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)(handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
