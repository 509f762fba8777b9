// Package mesh implements adaptive routing across a pool of inference nodes.
// Dispatch ranks nodes by observed health, walks them in order, and escalates
// past failures until one node streams a response or the pool is exhausted.
package mesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inference-mesh/internal/domain/entity"
	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/resilience"
	"inference-mesh/internal/resilience/bulkhead"
	"inference-mesh/internal/resilience/retry"
)

var tracer = otel.Tracer("inference-mesh/mesh")

// dispatchGateName is the shared bulkhead bounding concurrent dispatches
// across the whole mesh; per-node bulkheads bound each backend separately.
const dispatchGateName = "dispatch"

// Outcome classifies one node attempt for telemetry.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeError         Outcome = "error"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeEmptyResponse Outcome = "empty_response"
	OutcomeStreamError   Outcome = "stream_error"
)

// Recaller serves previously generated responses for semantically equivalent
// prompts. The mesh consults it before touching any backend; a miss or an
// error falls through to normal dispatch and leaves node health untouched.
type Recaller interface {
	// Recall returns the stored chunks for a prompt and whether there was
	// a hit.
	Recall(ctx context.Context, prompt, contextHash string) ([]string, bool, error)

	// Store saves a completed response for future recall.
	Store(ctx context.Context, prompt, contextHash string, chunks []string) error
}

// AttemptRecorder receives one record per node attempt. Implementations must
// tolerate concurrent calls; the mesh invokes them fire-and-forget, so a slow
// or failing recorder never delays dispatch.
type AttemptRecorder interface {
	RecordAttempt(nodeID string, duration time.Duration, outcome Outcome, contentLength int)
}

// Config holds mesh-level configuration.
type Config struct {
	// Cooldown is how long a rate-limited node is excluded from ranking.
	// Default: 30 seconds.
	Cooldown time.Duration

	// Recall is the optional response recall collaborator.
	Recall Recaller

	// Telemetry is the optional attempt recorder.
	Telemetry AttemptRecorder
}

// DispatchRequest is one inference request entering the mesh.
type DispatchRequest struct {
	Messages []entity.Message

	// MaxTokens overrides the per-transport default when positive.
	MaxTokens int

	// IdempotencyKey deduplicates completed dispatches. Empty disables
	// deduplication.
	IdempotencyKey string
}

// Mesh routes requests across registered nodes.
//
// Callers interact with a single operation, Dispatch, which returns a chunk
// channel. Failover happens before the first chunk is produced; once content
// has flowed, a failure is terminal for that dispatch.
type Mesh struct {
	nodes    []*Node
	cooldown time.Duration

	// gate bounds total concurrent dispatches; a rejection here is
	// surfaced to the caller rather than escalated.
	gate *bulkhead.Bulkhead

	// dedupe provides Lookup/Complete over the process-wide idempotency
	// cache for whole-dispatch results.
	dedupe *retry.Manager

	recall    Recaller
	telemetry AttemptRecorder

	now func() time.Time
}

// MeshStats is a serializable snapshot of every node's health.
type MeshStats struct {
	Nodes []NodeStats `json:"nodes"`
}

// NodeRetryDefaults returns the retry configuration used for per-node
// managers: inference backoff tuning with transport-aware error
// classification, so rate limits and client errors are never retried on the
// same node. Pass it as RetryDefaults when building the registry a mesh
// shares.
func NodeRetryDefaults(string) retry.Config {
	cfg := retry.InferenceConfig()
	cfg.RetryIf = transport.IsRetryable
	return cfg
}

// New creates a mesh over the given node specs. The registry supplies every
// node's circuit breaker, bulkhead, and retry manager, plus the shared
// dispatch gate; build it with NodeRetryDefaults so per-node retries classify
// transport errors correctly.
func New(cfg Config, reg *resilience.Registry, specs []NodeSpec) (*Mesh, error) {
	if len(specs) == 0 {
		return nil, errors.New("mesh: at least one node is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	seen := make(map[string]bool, len(specs))
	nodes := make([]*Node, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, errors.New("mesh: node ID must not be empty")
		}
		if spec.Transport == nil {
			return nil, fmt.Errorf("mesh: node %s has no transport", spec.ID)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("mesh: duplicate node ID %s", spec.ID)
		}
		seen[spec.ID] = true
		nodes = append(nodes, newNode(spec, reg))
	}

	return &Mesh{
		nodes:     nodes,
		cooldown:  cfg.Cooldown,
		gate:      reg.Bulkhead(dispatchGateName),
		dedupe:    reg.RetryManager(dispatchGateName),
		recall:    cfg.Recall,
		telemetry: cfg.Telemetry,
		now:       time.Now,
	}, nil
}

// Dispatch routes one request to the healthiest available node and returns
// its response as a chunk stream. The returned channel is always closed when
// the response ends, whether by completion, error, or context cancellation.
//
// Failures before the first content chunk are handled inside Dispatch:
// retried on the same node when the error class allows it, then escalated to
// the next ranked node. A failure after content has been yielded is delivered
// as a final chunk with Err set and terminates the stream.
//
// The error return is non-nil only when no stream could be started at all:
// invalid input, a pre-flight gate or budget rejection, or pool exhaustion
// (an *ExhaustedError carrying per-node reasons).
func (m *Mesh) Dispatch(ctx context.Context, req DispatchRequest) (<-chan entity.Chunk, error) {
	if err := entity.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "mesh.dispatch")
	span.SetAttributes(attribute.Int("mesh.node_count", len(m.nodes)))

	// A completed identical dispatch replays from the idempotency cache
	// without touching any backend.
	if req.IdempotencyKey != "" {
		if cached, ok := m.dedupe.Lookup(req.IdempotencyKey); ok {
			if chunks, ok := cached.([]string); ok {
				span.SetAttributes(attribute.Bool("mesh.idempotent_replay", true))
				span.End()
				return replayChunks(ctx, chunks), nil
			}
		}
	}

	prompt := lastUserPrompt(req.Messages)
	contextHash := ContextHash(req.Messages)

	if m.recall != nil {
		chunks, hit, err := m.recall.Recall(ctx, prompt, contextHash)
		if err != nil {
			slog.Debug("recall lookup failed, dispatching to backend",
				slog.Any("error", err))
		} else if hit {
			span.SetAttributes(attribute.Bool("mesh.recall_hit", true))
			span.End()
			return replayChunks(ctx, chunks), nil
		}
	}

	// The dispatch gate bounds total in-flight dispatches. A rejection is
	// a pre-flight overload signal surfaced directly to the caller.
	if err := m.gate.Acquire(); err != nil {
		span.SetStatus(codes.Error, "dispatch gate full")
		span.End()
		return nil, err
	}

	out, err := m.failover(ctx, span, req, prompt, contextHash)
	if err != nil {
		m.gate.Release()
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return out, nil
}

// failover walks the ranked candidates until one yields a primed stream,
// then hands it to the forwarding goroutine. The caller holds a dispatch
// gate permit; on success, permit ownership (and the span) passes to the
// goroutine.
func (m *Mesh) failover(ctx context.Context, span trace.Span, req DispatchRequest, prompt, contextHash string) (<-chan entity.Chunk, error) {
	reasons := make(map[string]string)
	candidates := m.rank(reasons)

	for _, node := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		primed, err := m.attempt(ctx, node, req)
		if err != nil {
			// A budget rejection is global: escalating cannot help,
			// so it aborts the dispatch.
			if errors.Is(err, retry.ErrBudgetExhausted) {
				return nil, err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reasons[node.ID()] = err.Error()
			slog.Warn("node attempt failed, escalating",
				slog.String("node", node.ID()),
				slog.Any("error", err))
			continue
		}

		span.SetAttributes(attribute.String("mesh.node", node.ID()))
		out := make(chan entity.Chunk)
		go m.forward(ctx, span, node, primed, req, prompt, contextHash, out)
		return out, nil
	}

	return nil, &ExhaustedError{Reasons: reasons}
}

// rank returns eligible nodes ordered by score, best first. Nodes in
// rate-limit cooldown or behind an unavailable circuit are excluded and their
// exclusion reason recorded for a potential ExhaustedError.
func (m *Mesh) rank(reasons map[string]string) []*Node {
	eligible := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.InCooldown() {
			reasons[n.ID()] = "in rate-limit cooldown"
			continue
		}
		if !n.breaker.Available() {
			reasons[n.ID()] = "circuit breaker open"
			continue
		}
		eligible = append(eligible, n)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := eligible[i].Score(), eligible[j].Score()
		if si != sj {
			return si > sj
		}
		return eligible[i].ID() < eligible[j].ID()
	})
	return eligible
}

// primedStream is a node stream that has produced its first content chunk.
// Priming happens inside the retried attempt so every failure mode before
// first content stays retryable and escalatable.
type primedStream struct {
	first  string
	events <-chan transport.Event
	start  time.Time
	ttfb   time.Duration
}

// attempt runs one node attempt under the node's bulkhead and retry manager.
// On success it returns a primed stream; the node's bulkhead permit stays
// held and must be released by the stream consumer. Breaker admission happens
// inside openStream so every retry attempt is checked individually.
func (m *Mesh) attempt(ctx context.Context, node *Node, req DispatchRequest) (*primedStream, error) {
	if err := node.bulkhead.Acquire(); err != nil {
		return nil, err
	}

	result, err := node.retries.Execute(ctx, "", func(ctx context.Context) (any, error) {
		return m.openStream(ctx, node, req)
	})
	if err != nil {
		node.bulkhead.Release()
		return nil, err
	}
	return result.(*primedStream), nil
}

var circuitRejected = errors.New("circuit breaker rejected the attempt")

// openStream runs one admitted attempt: it starts a transport stream and
// waits for the first event. Every failure outcome is recorded against the
// node before returning, so the retry manager above only sees classified
// errors. On success the breaker's admission stays open until the stream
// consumer settles it.
func (m *Mesh) openStream(ctx context.Context, node *Node, req DispatchRequest) (*primedStream, error) {
	if !node.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", node.ID(), circuitRejected)
	}

	start := m.now()
	events, err := node.transport.Stream(ctx, transport.Request{
		Model:     node.model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		m.recordFailedAttempt(node, m.now().Sub(start), err)
		return nil, err
	}

	select {
	case ev, ok := <-events:
		elapsed := m.now().Sub(start)
		if !ok {
			// The stream completed without yielding anything. Distinct
			// from a transport error: it escalates but is never retried
			// on the same node.
			node.RecordFailure()
			node.breaker.RecordNeutral()
			m.recordAttempt(node.ID(), elapsed, OutcomeEmptyResponse, 0)
			return nil, &emptyResponseError{node: node.ID()}
		}
		if ev.Err != nil {
			m.recordFailedAttempt(node, elapsed, ev.Err)
			return nil, ev.Err
		}
		return &primedStream{first: ev.Content, events: events, start: start, ttfb: elapsed}, nil

	case <-ctx.Done():
		node.breaker.RecordNeutral()
		return nil, ctx.Err()
	}
}

// recordFailedAttempt routes a pre-first-chunk failure into the node's
// health, breaker, and cooldown state according to its error class.
//
// Rate limits start the cooldown instead of feeding the breaker: the node is
// healthy, just throttled, and the cooldown already excludes it. Client-class
// errors count against health but not the breaker, since they indicate a bad
// request rather than a failing backend.
func (m *Mesh) recordFailedAttempt(node *Node, elapsed time.Duration, err error) {
	// Caller cancellation is not a node fault: settle the breaker admission
	// and leave node health untouched.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		node.breaker.RecordNeutral()
		return
	}

	node.RecordFailure()

	switch {
	case transport.IsRateLimited(err):
		node.StartCooldown(m.cooldown)
		node.breaker.RecordNeutral()
		slog.Warn("node rate limited, entering cooldown",
			slog.String("node", node.ID()),
			slog.Duration("cooldown", m.cooldown))
		m.recordAttempt(node.ID(), elapsed, OutcomeRateLimited, 0)

	case transport.IsRetryable(err):
		node.breaker.RecordFailure()
		m.recordAttempt(node.ID(), elapsed, OutcomeError, 0)

	default:
		// Client-class errors indicate a bad request, not a failing
		// backend; they count against health but not the breaker.
		node.breaker.RecordNeutral()
		m.recordAttempt(node.ID(), elapsed, OutcomeError, 0)
	}
}

// forward pumps a primed stream to the caller, recording the terminal
// outcome. It owns the node's bulkhead permit, the dispatch gate permit, and
// the span, releasing all three on every exit path.
func (m *Mesh) forward(ctx context.Context, span trace.Span, node *Node, primed *primedStream, req DispatchRequest, prompt, contextHash string, out chan<- entity.Chunk) {
	defer close(out)
	defer span.End()
	defer m.gate.Release()
	defer node.bulkhead.Release()

	chunks := []string{primed.first}
	contentLen := len(primed.first)

	select {
	case out <- entity.Chunk{Content: primed.first}:
	case <-ctx.Done():
		m.finishCancelled(node)
		return
	}

	for ev := range primed.events {
		if ev.Err != nil {
			// Content has already flowed; the failure is terminal for
			// this dispatch, never a failover.
			node.RecordFailure()
			node.breaker.RecordFailure()
			m.recordAttempt(node.ID(), m.now().Sub(primed.start), OutcomeStreamError, contentLen)
			span.SetStatus(codes.Error, "stream failed after first chunk")

			select {
			case out <- entity.Chunk{Err: ev.Err}:
			case <-ctx.Done():
			}
			return
		}

		chunks = append(chunks, ev.Content)
		contentLen += len(ev.Content)
		select {
		case out <- entity.Chunk{Content: ev.Content}:
		case <-ctx.Done():
			m.finishCancelled(node)
			return
		}
	}

	node.RecordSuccess(primed.ttfb)
	node.breaker.RecordSuccess()
	m.recordAttempt(node.ID(), m.now().Sub(primed.start), OutcomeSuccess, contentLen)
	span.SetAttributes(attribute.Int("mesh.content_length", contentLen))

	if req.IdempotencyKey != "" {
		m.dedupe.Complete(req.IdempotencyKey, chunks)
	}
	if m.recall != nil {
		go func() {
			storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.recall.Store(storeCtx, prompt, contextHash, chunks); err != nil {
				slog.Debug("recall store failed", slog.Any("error", err))
			}
		}()
	}
}

// finishCancelled settles breaker accounting when the caller walks away
// mid-stream. Cancellation is not a node fault, so the admission is released
// without recording an outcome.
func (m *Mesh) finishCancelled(node *Node) {
	node.breaker.RecordNeutral()
}

// recordAttempt forwards one attempt record to the telemetry collaborator.
// Fire-and-forget: a panicking or slow recorder never affects dispatch.
func (m *Mesh) recordAttempt(nodeID string, d time.Duration, outcome Outcome, contentLen int) {
	if m.telemetry == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("telemetry recorder panicked",
					slog.String("node", nodeID),
					slog.Any("panic", r))
			}
		}()
		m.telemetry.RecordAttempt(nodeID, d, outcome, contentLen)
	}()
}

// GetStats returns a snapshot of every node's health, sorted by node ID.
func (m *Mesh) GetStats() MeshStats {
	stats := MeshStats{Nodes: make([]NodeStats, 0, len(m.nodes))}
	for _, n := range m.nodes {
		stats.Nodes = append(stats.Nodes, n.GetStats())
	}
	sort.Slice(stats.Nodes, func(i, j int) bool { return stats.Nodes[i].ID < stats.Nodes[j].ID })
	return stats
}

// ContextHash returns a stable hash over the full conversation, used as the
// recall and deduplication identity for a request.
func ContextHash(messages []entity.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lastUserPrompt returns the content of the most recent user message, the
// natural recall lookup key for a conversation.
func lastUserPrompt(messages []entity.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entity.RoleUser {
			return messages[i].Content
		}
	}
	// No user turn; fall back to the whole conversation text.
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// replayChunks serves an already-complete response through the streaming
// contract. The goroutine exits when the consumer stops reading and cancels
// ctx, same as a live stream.
func replayChunks(ctx context.Context, chunks []string) <-chan entity.Chunk {
	out := make(chan entity.Chunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- entity.Chunk{Content: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
