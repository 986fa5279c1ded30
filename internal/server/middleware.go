// Package server implements the HTTP API boundary for Kokoro.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyLogFields contextKey = "log_fields"
)

// requestLogFields accumulates attributes resolved deeper in the chain
// (identity from auth, span from tracing) so the access logger, which wraps
// both, can report them. Filled sequentially on the request goroutine.
type requestLogFields struct {
	userID  string
	tier    string
	traceID string
}

func logFieldsFrom(ctx context.Context) *requestLogFields {
	lf, _ := ctx.Value(contextKeyLogFields).(*requestLogFields)
	return lf
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware tags each request with a caller-supplied or generated
// ID and echoes it back in the response header.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets standard hardening headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware emits one structured access-log line per request.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fields := &requestLogFields{}
		ctx := context.WithValue(r.Context(), contextKeyLogFields, fields)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(ctx),
		}
		if fields.traceID != "" {
			attrs = append(attrs, "trace_id", fields.traceID)
		}
		if fields.userID != "" {
			attrs = append(attrs, "user_id", fields.userID)
		}
		logger.Log(ctx, levelForStatus(rec.status), "http request", attrs...)
	})
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the streaming chat handler needs for Flush and SetWriteDeadline.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

var (
	tracer    = otel.Tracer("kokoro/http")
	httpMeter = otel.GetMeterProvider().Meter("kokoro/http")
)

// tracingMiddleware opens a span per request and records request count and
// duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		lf := logFieldsFrom(ctx)
		if lf != nil {
			if sc := span.SpanContext(); sc.HasTraceID() {
				lf.traceID = sc.TraceID().String()
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		// Auth runs inside this span, so identity is known by now.
		if lf != nil && lf.userID != "" {
			span.SetAttributes(
				attribute.String("kokoro.user_id", lf.userID),
				attribute.String("kokoro.tier", lf.tier),
			)
		}

		recordHTTPMetrics(ctx, r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// recordHTTPMetrics is best-effort: instrument lookup errors drop the sample
// rather than failing the request.
func recordHTTPMetrics(ctx context.Context, method, route string, status int, d time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.status_code", strconv.Itoa(status)),
	)
	if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
		counter.Add(ctx, 1, attrs)
	}
	if hist, err := httpMeter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

// adminClaims is the synthetic identity for requests authenticated by the
// operator API key. The nil UUID keeps key-driven ops out of any user's data.
func adminClaims() *auth.Claims {
	return &auth.Claims{
		UserID: uuid.Nil,
		Tier:   model.QuotaTierPro,
		Role:   auth.RoleAdmin,
	}
}

// attachClaims puts claims on the request context and mirrors the identity
// into the access-log fields.
func attachClaims(r *http.Request, claims *auth.Claims) *http.Request {
	if lf := logFieldsFrom(r.Context()); lf != nil {
		lf.userID = claims.UserID.String()
		lf.tier = string(claims.Tier)
	}
	return r.WithContext(ctxutil.WithClaims(r.Context(), claims))
}

// authMiddleware validates credentials and populates the context with claims.
// Two schemes: X-Admin-Key (operator key checked against the configured
// Argon2id hash) and Authorization: Bearer <JWT>. Health probes are exempt.
func authMiddleware(jwtMgr *auth.JWTManager, adminKeyHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-Admin-Key"); key != "" {
			if adminKeyHash == "" {
				auth.DummyVerify()
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "admin key not configured")
				return
			}
			ok, err := auth.VerifyKey(key, adminKeyHash)
			if err != nil || !ok {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, attachClaims(r, adminClaims()))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		claims, err := jwtMgr.ValidateToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, attachClaims(r, claims))
	})
}

// requireAdmin enforces the admin role on ops endpoints.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ctxutil.ClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
			return
		}
		if claims.Role != auth.RoleAdmin {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware converts handler panics into 500 responses instead of
// tearing down the connection.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	respond(w, status, model.APIResponse{Data: data, Meta: responseMeta(r)})
}

// writeList writes a paginated list response with the standard envelope.
func writeList(w http.ResponseWriter, r *http.Request, items any, total, limit, offset, returned int) {
	respond(w, http.StatusOK, model.ListResponse{
		Data:    items,
		Total:   &total,
		HasMore: offset+returned < total,
		Limit:   limit,
		Offset:  offset,
		Meta:    responseMeta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respond(w, status, model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta:  responseMeta(r),
	})
}

// decodeJSON decodes a JSON request body into target, enforcing the body
// size cap and rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// handleDecodeError maps body decode failures to the right status code.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}
