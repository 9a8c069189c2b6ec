package provider

import (
	"context"
	"io"
	"sync"
)

// MockProvider replays scripted event sequences, one per call, in order.
// It records the requests it received so tests can assert on the
// assembled input of each round.
type MockProvider struct {
	mu       sync.Mutex
	scripts  [][]Event
	requests []Request
	calls    int

	// Err, when set, is returned by Stream instead of a script.
	Err error

	// StreamErr, keyed by call index, makes that call's stream fail
	// with the given error after its scripted events are exhausted,
	// modelling a mid-stream transport failure.
	StreamErr map[int]error
}

// NewMockProvider creates a mock replaying the given scripts.
func NewMockProvider(scripts ...[]Event) *MockProvider {
	return &MockProvider{scripts: scripts}
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	return "mock"
}

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Stream replays the next scripted event sequence.
func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	m.requests = append(m.requests, req)

	var script []Event
	if m.calls < len(m.scripts) {
		script = m.scripts[m.calls]
	}

	stream := &mockStream{events: script}
	if err, ok := m.StreamErr[m.calls]; ok {
		stream.failErr = err
	}
	m.calls++

	return stream, nil
}

type mockStream struct {
	mu      sync.Mutex
	events  []Event
	pos     int
	failErr error
}

func (s *mockStream) Recv() (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.events) {
		if s.failErr != nil {
			return nil, s.failErr
		}
		return nil, io.EOF
	}

	ev := s.events[s.pos]
	s.pos++
	return &ev, nil
}

func (s *mockStream) Close() error {
	return nil
}
