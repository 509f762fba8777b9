// Package transport provides streaming adapters for LLM inference backends.
// It includes adapters for Claude (Anthropic) and OpenAI-compatible APIs plus
// a scripted in-memory backend for development and tests. The routing mesh
// depends only on the Transport interface and the typed error kinds here.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"inference-mesh/internal/domain/entity"
)

// Request is one streaming completion request to a backend.
type Request struct {
	// Model is the backend-specific model identifier.
	Model string

	// Messages is the conversation to complete.
	Messages []entity.Message

	// MaxTokens bounds the response length. Zero uses the adapter default.
	MaxTokens int
}

// Event is one element of a response stream: a content fragment or a
// terminal error. The stream channel is closed after the last event.
type Event struct {
	Content string
	Err     error
}

// Transport is the interface inference backends must implement. Stream
// returns a lazy, non-restartable sequence of content fragments; setup
// failures are returned immediately, mid-stream failures arrive as a final
// Event with Err set.
type Transport interface {
	// Name identifies the backend in logs, metrics, and stats.
	Name() string

	// Stream opens a streaming completion. The returned channel is closed
	// when the stream ends for any reason; the adapter stops producing
	// promptly once ctx is cancelled.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Kind classifies transport failures. The mesh branches on kinds, never on
// backend-specific error types.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindRateLimited is a backend rate-limit signal (HTTP 429). The mesh
	// responds with a cooldown, not a retry.
	KindRateLimited
	// KindConnection is a network-level failure before or during transfer.
	KindConnection
	// KindTimeout is a deadline expiry.
	KindTimeout
	// KindServer is a backend-side error (5xx-equivalent), retryable.
	KindServer
	// KindClient is a caller-side error (4xx-equivalent), never retryable.
	KindClient
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Backend string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Backend, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified transport error.
func NewError(backend string, kind Kind, status int, message string, cause error) *Error {
	return &Error{Backend: backend, Kind: kind, Status: status, Message: message, Err: cause}
}

// KindOf returns the classification of err, or KindUnknown when err carries
// no transport classification.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return KindUnknown
}

// IsRateLimited reports whether err is a backend rate-limit signal.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsRetryable reports whether err is worth retrying on the same backend.
// Rate limits are excluded: the mesh handles them with a cooldown and
// escalation instead of retries.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to a transport kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}
