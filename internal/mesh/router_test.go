package mesh

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-mesh/internal/domain/entity"
	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/resilience"
	"inference-mesh/internal/resilience/bulkhead"
	"inference-mesh/internal/resilience/circuitbreaker"
	"inference-mesh/internal/resilience/retry"
)

// fastRetryDefaults mirrors NodeRetryDefaults with millisecond backoff so
// failover tests do not sleep for real.
func fastRetryDefaults(string) retry.Config {
	return retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		RetryIf:    transport.IsRetryable,
	}
}

func newTestMesh(t *testing.T, cfg Config, regCfg resilience.Config, specs ...NodeSpec) *Mesh {
	t.Helper()
	if regCfg.RetryDefaults == nil {
		regCfg.RetryDefaults = fastRetryDefaults
	}
	m, err := New(cfg, resilience.NewRegistry(regCfg), specs)
	require.NoError(t, err)
	return m
}

func userMessages(content string) []entity.Message {
	return []entity.Message{{Role: entity.RoleUser, Content: content}}
}

// drainChunks consumes a dispatch stream to completion, returning the
// concatenated content and the terminal error, if any.
func drainChunks(t *testing.T, ch <-chan entity.Chunk) (string, error) {
	t.Helper()
	var b strings.Builder
	for c := range ch {
		if c.Err != nil {
			return b.String(), c.Err
		}
		b.WriteString(c.Content)
	}
	return b.String(), nil
}

func (m *Mesh) nodeByID(id string) *Node {
	for _, n := range m.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func serverError(backend string) error {
	return transport.NewError(backend, transport.KindServer, 503, "overloaded", nil)
}

func rateLimitError(backend string) error {
	return transport.NewError(backend, transport.KindRateLimited, 429, "slow down", nil)
}

func TestMesh_New_Validation(t *testing.T) {
	reg := resilience.NewRegistry(resilience.Config{})

	_, err := New(Config{}, reg, nil)
	assert.Error(t, err, "empty node list")

	_, err = New(Config{}, reg, []NodeSpec{{ID: "a"}})
	assert.Error(t, err, "missing transport")

	_, err = New(Config{}, reg, []NodeSpec{
		{ID: "a", Transport: transport.NewStatic("a")},
		{ID: "a", Transport: transport.NewStatic("a")},
	})
	assert.Error(t, err, "duplicate node ID")
}

func TestMesh_Dispatch_RejectsInvalidMessages(t *testing.T) {
	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: transport.NewStatic("a")})

	_, err := m.Dispatch(context.Background(), DispatchRequest{})
	assert.Error(t, err)
}

func TestMesh_Dispatch_StreamsFromBestNode(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"from-", "a"}})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"from-b"}})
	trC := transport.NewStatic("c", transport.StaticResponse{Chunks: []string{"from-c"}})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
		NodeSpec{ID: "c", Transport: trC},
	)

	// a: fast and mostly reliable; b: perfect but slow; c: fast but flaky.
	seedHealth(m.nodeByID("a"), 9, 1, 800*time.Millisecond)
	seedHealth(m.nodeByID("b"), 10, 0, 1500*time.Millisecond)
	seedHealth(m.nodeByID("c"), 3, 7, 400*time.Millisecond)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)

	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "from-a", content)
	assert.Equal(t, 1, trA.CallCount())
	assert.Zero(t, trB.CallCount())
	assert.Zero(t, trC.CallCount())
}

func TestMesh_Dispatch_RetriesThenEscalates(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: serverError("a")})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"recovered"}})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)

	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "recovered", content)

	// Server errors are retried on the same node before escalating.
	assert.Equal(t, 2, trA.CallCount())
	assert.Equal(t, 1, trB.CallCount())
}

func TestMesh_Dispatch_RateLimitSkipsRetryAndStartsCooldown(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: rateLimitError("a")})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"served-by-b"}})

	m := newTestMesh(t, Config{Cooldown: time.Minute}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "served-by-b", content)

	// Never retried on the throttled node.
	assert.Equal(t, 1, trA.CallCount())
	assert.True(t, m.nodeByID("a").InCooldown())

	// While cooling down, the node is not even ranked.
	ch, err = m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("again")})
	require.NoError(t, err)
	_, _ = drainChunks(t, ch)
	assert.Equal(t, 1, trA.CallCount())
	assert.Equal(t, 2, trB.CallCount())
}

func TestMesh_Dispatch_ClientErrorNotRetried(t *testing.T) {
	badRequest := transport.NewError("a", transport.KindClient, 400, "bad request", nil)
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: badRequest})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"ok"}})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "ok", content)
	assert.Equal(t, 1, trA.CallCount())
}

func TestMesh_Dispatch_EmptyResponseEscalates(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"substance"}})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "substance", content)

	// An empty stream is a failure outcome, but not a retryable one.
	assert.Equal(t, 1, trA.CallCount())
	assert.Equal(t, int64(1), m.nodeByID("a").GetStats().FailureCount)
}

func TestMesh_Dispatch_MidStreamErrorIsTerminal(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{
		Chunks: []string{"partial "},
		Err:    serverError("a"),
	})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"never"}})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)

	content, streamErr := drainChunks(t, ch)
	assert.Equal(t, "partial ", content)
	require.Error(t, streamErr, "failure after first chunk must propagate, not fail over")
	assert.Equal(t, transport.KindServer, transport.KindOf(streamErr))
	assert.Zero(t, trB.CallCount())
}

func TestMesh_Dispatch_ExhaustionReportsPerNodeReasons(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: rateLimitError("a")})
	trB := transport.NewStatic("b", transport.StaticResponse{SetupErr: serverError("b")})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	_, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Reasons, "a")
	assert.Contains(t, exhausted.Reasons, "b")
	assert.Contains(t, err.Error(), "all nodes exhausted")
}

func TestMesh_Dispatch_OpenCircuitExcludesNode(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: serverError("a")})

	regCfg := resilience.Config{
		BreakerDefaults: func(name string) circuitbreaker.Config {
			cfg := circuitbreaker.DefaultConfig(name)
			cfg.FailureThreshold = 2
			return cfg
		},
	}
	m := newTestMesh(t, Config{}, regCfg,
		NodeSpec{ID: "a", Transport: trA})

	// Two failed attempts (one retry) open the circuit.
	_, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.Error(t, err)
	calls := trA.CallCount()
	assert.Equal(t, 2, calls)

	var exhausted *ExhaustedError
	_, err = m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("again")})
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "circuit breaker open", exhausted.Reasons["a"])
	assert.Equal(t, calls, trA.CallCount(), "an open circuit must short-circuit before the transport")
}

func TestMesh_Dispatch_BudgetExhaustionSurfacesImmediately(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"x"}})

	reg := resilience.NewRegistry(resilience.Config{RetryDefaults: fastRetryDefaults})
	m, err := New(Config{}, reg, []NodeSpec{{ID: "a", Transport: trA}})
	require.NoError(t, err)

	// Push the shared budget over its limit before dispatching.
	reg.Budget().TrackRequest()
	reg.Budget().TrackRetry()

	_, err = m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrBudgetExhausted)
	assert.Zero(t, trA.CallCount(), "budget rejection must precede any network attempt")
}

func TestMesh_Dispatch_IdempotentReplay(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"hello ", "world"}})

	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	req := DispatchRequest{Messages: userMessages("hi"), IdempotencyKey: "req-1"}

	ch, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)
	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "hello world", content)

	// Same key: served from the idempotency cache, not the backend.
	ch, err = m.Dispatch(context.Background(), req)
	require.NoError(t, err)
	content, streamErr = drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "hello world", content)
	assert.Equal(t, 1, trA.CallCount())
}

func TestMesh_Dispatch_GateFullIsSurfaced(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"slow"}})

	regCfg := resilience.Config{
		RetryDefaults: fastRetryDefaults,
		BulkheadDefaults: func(name string) bulkhead.Config {
			cfg := bulkhead.DefaultConfig(name)
			if name == dispatchGateName {
				cfg.MaxConcurrentCalls = 1
			}
			return cfg
		},
	}
	m := newTestMesh(t, Config{}, regCfg,
		NodeSpec{ID: "a", Transport: trA})

	// First dispatch holds the gate permit until its stream is drained.
	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("one")})
	require.NoError(t, err)

	_, err = m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("two")})
	assert.ErrorIs(t, err, bulkhead.ErrFull)

	_, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)

	// Permit released: dispatch flows again.
	ch, err = m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("three")})
	require.NoError(t, err)
	_, _ = drainChunks(t, ch)
}

func TestMesh_Dispatch_ContextCancellation(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{
		Chunks:     []string{"late"},
		ChunkDelay: time.Second,
	})
	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Dispatch(ctx, DispatchRequest{Messages: userMessages("hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMesh_Dispatch_CancellationDoesNotCountAgainstNode(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: context.Canceled})
	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	_, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.Error(t, err)

	stats := m.nodeByID("a").GetStats()
	assert.Zero(t, stats.FailureCount, "caller cancellation must not dent node health")
	assert.Equal(t, 1.0, stats.Reliability)
}

func TestMesh_Dispatch_AbandonedReplayReleasesGoroutine(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"hello ", "world"}})
	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	req := DispatchRequest{Messages: userMessages("hi"), IdempotencyKey: "req-replay"}
	ch, err := m.Dispatch(context.Background(), req)
	require.NoError(t, err)
	_, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := m.Dispatch(ctx, req)
		require.NoError(t, err)

		// Read one chunk, then walk away mid-replay.
		<-ch
		cancel()
	}
	assert.Equal(t, 1, trA.CallCount())

	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before+2 },
		time.Second, 10*time.Millisecond,
		"replay goroutines must exit once the consumer is gone")
}

type fakeRecaller struct {
	mu     sync.Mutex
	hit    []string
	stored [][]string
	calls  int
}

func (f *fakeRecaller) Recall(_ context.Context, _, _ string) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.hit != nil {
		return f.hit, true, nil
	}
	return nil, false, nil
}

func (f *fakeRecaller) Store(_ context.Context, _, _ string, chunks []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, chunks)
	return nil
}

func (f *fakeRecaller) storeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func TestMesh_Dispatch_RecallHitSkipsBackends(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"fresh"}})
	recaller := &fakeRecaller{hit: []string{"re", "called"}}

	m := newTestMesh(t, Config{Recall: recaller}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "recalled", content)
	assert.Zero(t, trA.CallCount())
}

func TestMesh_Dispatch_StoresCompletedResponseForRecall(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"answer"}})
	recaller := &fakeRecaller{}

	m := newTestMesh(t, Config{Recall: recaller}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	_, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)

	require.Eventually(t, func() bool { return recaller.storeCount() == 1 },
		time.Second, 10*time.Millisecond)
}

type captureRecorder struct {
	mu      sync.Mutex
	records []capturedAttempt
}

type capturedAttempt struct {
	nodeID     string
	outcome    Outcome
	contentLen int
}

func (c *captureRecorder) RecordAttempt(nodeID string, _ time.Duration, outcome Outcome, contentLength int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, capturedAttempt{nodeID, outcome, contentLength})
}

func (c *captureRecorder) snapshot() []capturedAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedAttempt(nil), c.records...)
}

func TestMesh_Dispatch_RecordsTelemetryPerAttempt(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{SetupErr: rateLimitError("a")})
	trB := transport.NewStatic("b", transport.StaticResponse{Chunks: []string{"done"}})
	recorder := &captureRecorder{}

	m := newTestMesh(t, Config{Telemetry: recorder}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA},
		NodeSpec{ID: "b", Transport: trB},
	)

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	_, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 },
		time.Second, 10*time.Millisecond)

	byNode := map[string]capturedAttempt{}
	for _, r := range recorder.snapshot() {
		byNode[r.nodeID] = r
	}
	assert.Equal(t, OutcomeRateLimited, byNode["a"].outcome)
	assert.Equal(t, OutcomeSuccess, byNode["b"].outcome)
	assert.Equal(t, len("done"), byNode["b"].contentLen)
}

type panickyRecorder struct{}

func (panickyRecorder) RecordAttempt(string, time.Duration, Outcome, int) {
	panic("recorder exploded")
}

func TestMesh_Dispatch_TelemetryPanicDoesNotAffectDispatch(t *testing.T) {
	trA := transport.NewStatic("a", transport.StaticResponse{Chunks: []string{"fine"}})

	m := newTestMesh(t, Config{Telemetry: panickyRecorder{}}, resilience.Config{},
		NodeSpec{ID: "a", Transport: trA})

	ch, err := m.Dispatch(context.Background(), DispatchRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	content, streamErr := drainChunks(t, ch)
	require.NoError(t, streamErr)
	assert.Equal(t, "fine", content)
}

func TestMesh_GetStats(t *testing.T) {
	m := newTestMesh(t, Config{}, resilience.Config{},
		NodeSpec{ID: "b", Transport: transport.NewStatic("b")},
		NodeSpec{ID: "a", Transport: transport.NewStatic("a")},
	)

	stats := m.GetStats()
	require.Len(t, stats.Nodes, 2)
	assert.Equal(t, "a", stats.Nodes[0].ID)
	assert.Equal(t, "b", stats.Nodes[1].ID)
}

func TestContextHash(t *testing.T) {
	msgs := userMessages("hello")
	assert.Equal(t, ContextHash(msgs), ContextHash(userMessages("hello")))
	assert.NotEqual(t, ContextHash(msgs), ContextHash(userMessages("goodbye")))

	// Role is part of the identity.
	assert.NotEqual(t,
		ContextHash([]entity.Message{{Role: entity.RoleUser, Content: "x"}}),
		ContextHash([]entity.Message{{Role: entity.RoleAssistant, Content: "x"}}))
}

func TestLastUserPrompt(t *testing.T) {
	msgs := []entity.Message{
		{Role: entity.RoleSystem, Content: "be terse"},
		{Role: entity.RoleUser, Content: "first"},
		{Role: entity.RoleAssistant, Content: "reply"},
		{Role: entity.RoleUser, Content: "second"},
	}
	assert.Equal(t, "second", lastUserPrompt(msgs))
	assert.Equal(t, "be terse", lastUserPrompt(msgs[:1]))
}
