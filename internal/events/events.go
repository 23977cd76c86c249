// Package events is the in-process notification bus the engines report
// their state transitions on. Observers (broadcast, persistence, settlement
// handoff) subscribe per event type.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	TaskAnnounced        Type = "taskAnnounced"
	BidSubmitted         Type = "bidSubmitted"
	TaskAssigned         Type = "taskAssigned"
	TaskAssignmentFailed Type = "taskAssignmentFailed"
	TaskCompleted        Type = "taskCompleted"
	TaskCancelled        Type = "taskCancelled"
	ProposalCreated      Type = "proposalCreated"
	ProposalReceived     Type = "proposalReceived"
	VoteReceived         Type = "voteReceived"
	ConsensusReached     Type = "consensusReached"
	ProposalExpired      Type = "proposalExpired"
	ReputationUpdated    Type = "reputationUpdated"
)

// Event is a single state transition. Data holds the typed payload defined by
// the emitting package.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New stamps a fresh event.
func New(t Type, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Handler is called for each delivered event.
type Handler func(Event)

// Emitter is what the engines depend on.
type Emitter interface {
	Emit(Event)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Event) {}

// Bus fans events out to subscribers synchronously, in subscription order.
// Handlers must not block; slow work belongs in a goroutine the handler starts.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	b.all = append(b.all, h)
	b.mu.Unlock()
}

// Emit delivers the event to type subscribers, then to catch-all subscribers.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	typed := append([]Handler(nil), b.handlers[e.Type]...)
	all := append([]Handler(nil), b.all...)
	b.mu.RUnlock()

	for _, h := range typed {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}

// Recorder keeps every emitted event. Tests use it to assert on outcomes.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
