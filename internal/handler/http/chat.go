package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"inference-mesh/internal/domain/entity"
	"inference-mesh/internal/handler/http/respond"
	"inference-mesh/internal/mesh"
	"inference-mesh/internal/observability/metrics"
	"inference-mesh/internal/observability/slo"
	"inference-mesh/internal/resilience/bulkhead"
	"inference-mesh/internal/resilience/retry"
)

// Dispatcher is the routing operation the chat endpoint depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, req mesh.DispatchRequest) (<-chan entity.Chunk, error)
}

// ChatRequest is the request body for POST /v1/chat.
type ChatRequest struct {
	Messages  []entity.Message `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// chatEvent is one SSE data payload.
type chatEvent struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// doneSentinel terminates a successfully completed SSE stream. Streams that
// fail mid-response end without it, which is how clients distinguish
// truncation from completion.
const doneSentinel = "[DONE]"

// ChatHandler streams chat completions over Server-Sent Events.
type ChatHandler struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// ServeHTTP implements POST /v1/chat.
//
// The response is an SSE stream of content chunks followed by a [DONE]
// sentinel. Failover and retries happen before the first chunk is written;
// after that, a backend failure terminates the stream with an error event
// and no sentinel.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond.Error(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	chunks, err := h.Dispatcher.Dispatch(r.Context(), mesh.DispatchRequest{
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.dispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for chunk := range chunks {
		if chunk.Err != nil {
			// Content has already flowed; all we can do is tell the
			// client and cut the stream short of the sentinel.
			h.logger().Warn("stream failed mid-response", slog.Any("error", chunk.Err))
			writeEvent(w, rc, chatEvent{Error: "stream interrupted"})
			metrics.RecordDispatch("error")
			slo.RecordDispatch(false)
			return
		}
		if !writeEvent(w, rc, chatEvent{Content: chunk.Content}) {
			// Client went away; the dispatch context cancellation
			// unwinds the stream upstream.
			return
		}
	}

	fmt.Fprintf(w, "data: %s\n\n", doneSentinel)
	_ = rc.Flush()
	metrics.RecordDispatch("success")
	slo.RecordDispatch(true)
}

// dispatchError maps pre-stream dispatch failures to HTTP status codes.
func (h *ChatHandler) dispatchError(w http.ResponseWriter, err error) {
	var exhausted *mesh.ExhaustedError
	var validation *entity.ValidationError

	switch {
	case errors.Is(err, context.Canceled):
		// Client disconnected before dispatch started.
		return

	case errors.As(err, &validation),
		errors.Is(err, entity.ErrNoMessages),
		errors.Is(err, entity.ErrInvalidRole),
		errors.Is(err, entity.ErrEmptyContent):
		respond.Error(w, http.StatusBadRequest, err)
		metrics.RecordDispatch("rejected")

	case errors.Is(err, retry.ErrBudgetExhausted):
		w.Header().Set("Retry-After", "5")
		respond.Error(w, http.StatusTooManyRequests, fmt.Errorf("retry budget exhausted"))
		metrics.RecordDispatch("rejected")

	case errors.Is(err, bulkhead.ErrFull):
		w.Header().Set("Retry-After", "1")
		respond.Error(w, http.StatusServiceUnavailable, fmt.Errorf("server at capacity"))
		metrics.RecordDispatch("rejected")

	case errors.As(err, &exhausted):
		h.logger().Error("dispatch exhausted all nodes", slog.Any("error", err))
		respond.Error(w, http.StatusBadGateway, fmt.Errorf("all backends unavailable"))
		metrics.RecordDispatch("exhausted")
		slo.RecordDispatch(false)

	default:
		h.logger().Error("dispatch failed", slog.Any("error", err))
		respond.SafeError(w, http.StatusInternalServerError, err)
		metrics.RecordDispatch("error")
		slo.RecordDispatch(false)
	}
}

func (h *ChatHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// writeEvent writes one SSE data frame and flushes it. It reports false when
// the connection is no longer writable.
func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev chatEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	return rc.Flush() == nil
}
