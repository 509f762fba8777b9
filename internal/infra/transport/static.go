package transport

import (
	"context"
	"sync"
	"time"
)

// StaticResponse scripts one response from a Static transport.
type StaticResponse struct {
	// Chunks are yielded in order before Err (if any) is raised.
	Chunks []string

	// Err terminates the stream after Chunks. For a pre-stream failure
	// leave Chunks empty.
	Err error

	// SetupErr is returned from Stream itself, before any channel exists.
	SetupErr error

	// ChunkDelay is the pause before each chunk, simulating generation
	// latency.
	ChunkDelay time.Duration
}

// Static is a scripted in-memory transport for development and tests.
// Responses are consumed in order; when the script runs out the last
// response repeats.
type Static struct {
	name string

	mu        sync.Mutex
	script    []StaticResponse
	callCount int
}

// NewStatic creates a scripted transport.
func NewStatic(name string, script ...StaticResponse) *Static {
	if len(script) == 0 {
		script = []StaticResponse{{Chunks: []string{"(no scripted response)"}}}
	}
	return &Static{name: name, script: script}
}

// Name implements Transport.
func (s *Static) Name() string {
	return s.name
}

// CallCount returns how many times Stream has been invoked.
func (s *Static) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

// Stream implements Transport.
func (s *Static) Stream(ctx context.Context, _ Request) (<-chan Event, error) {
	s.mu.Lock()
	idx := s.callCount
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	resp := s.script[idx]
	s.callCount++
	s.mu.Unlock()

	if resp.SetupErr != nil {
		return nil, resp.SetupErr
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		for _, chunk := range resp.Chunks {
			if resp.ChunkDelay > 0 {
				select {
				case <-time.After(resp.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- Event{Content: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if resp.Err != nil {
			select {
			case events <- Event{Err: resp.Err}:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}
