package generation

import (
	"sync"

	"github.com/skeedo-sys/platform/internal/chat"
)

// EventKind discriminates session events delivered to the caller.
type EventKind string

const (
	// EventContent carries an answer text increment.
	EventContent EventKind = "content"
	// EventReasoning carries a reasoning-trace increment.
	EventReasoning EventKind = "reasoning"
	// EventToolInvoked reports a resolved tool call.
	EventToolInvoked EventKind = "tool"
	// EventMessage delivers the finalized assistant message.
	EventMessage EventKind = "message"
	// EventTerminated delivers a force-settled message: the generation
	// was cut short (cancellation, tool round cap) but its partial
	// content was kept and billed.
	EventTerminated EventKind = "terminated"
	// EventFailed reports a failed generation. Nothing was billed.
	EventFailed EventKind = "failed"
)

// Event is one rendering event of a generation session.
type Event struct {
	Kind    EventKind
	Delta   string
	Tool    string
	Message *chat.Message
	Err     error
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventMessage || e.Kind == EventTerminated || e.Kind == EventFailed
}

// defaultEventBuffer is the delta backlog kept for a slow consumer.
const defaultEventBuffer = 256

// emitter delivers session events over a bounded channel. Delta events
// are droppable: when the consumer lags, the oldest buffered delta is
// discarded to make room, since deltas are increments of state the tree
// already holds. Terminal events are never dropped.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter(buffer int) *emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &emitter{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the stream.
func (e *emitter) Events() <-chan Event {
	return e.ch
}

// send queues a droppable event, evicting the oldest buffered event if
// the consumer has fallen behind.
func (e *emitter) send(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	for {
		select {
		case e.ch <- ev:
			return
		default:
		}
		select {
		case <-e.ch:
		default:
		}
	}
}

// finish delivers a terminal event and closes the stream. The terminal
// event always fits: eviction frees a slot if needed.
func (e *emitter) finish(ev Event) {
	e.send(ev)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
