package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
)

// HandleChat handles POST /v1/chat.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.ChatMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.chatSvc.Message(r.Context(), claims.UserID, claims.Tier, req)
	if err != nil {
		h.writeDomainError(w, r, err, "chat turn failed")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// sseEvent writes one Server-Sent Event frame. Marshal failures drop the
// frame rather than corrupting the stream.
func sseEvent(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// HandleChatStream handles POST /v1/chat/stream. The response is an SSE
// stream: a "session" frame, then "chunk" frames, then one "done" frame with
// token usage. Mid-generation failures surface as an "error" frame; the
// served prefix stays served. Client disconnect cancels generation via the
// request context; provider timeouts bound how long a stalled backend can
// hold the connection.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.ChatMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	stream, err := h.chatSvc.Stream(r.Context(), claims.UserID, claims.Tier, req)
	if err != nil {
		h.writeDomainError(w, r, err, "chat stream failed to start")
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, slow generations are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if err := sseEvent(w, "session", map[string]any{
		"session_id": stream.SessionID,
		"provider":   stream.Provider,
		"model":      stream.Model,
	}); err != nil {
		return
	}
	flusher.Flush()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				in, out := stream.Usage()
				_ = sseEvent(w, "done", map[string]any{
					"session_id":    stream.SessionID,
					"input_tokens":  in,
					"output_tokens": out,
				})
			} else {
				_ = sseEvent(w, "error", map[string]string{
					"code":    model.ErrCodeProviderDown,
					"message": "generation interrupted",
				})
			}
			flusher.Flush()
			return
		}
		if err := sseEvent(w, "chunk", map[string]string{"text": chunk}); err != nil {
			return
		}
		flusher.Flush()
	}
}
