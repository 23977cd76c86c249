package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TypedAndCatchAll(t *testing.T) {
	bus := NewBus()

	var typed, all []Type
	bus.Subscribe(TaskAssigned, func(e Event) { typed = append(typed, e.Type) })
	bus.SubscribeAll(func(e Event) { all = append(all, e.Type) })

	bus.Emit(New(TaskAnnounced, nil))
	bus.Emit(New(TaskAssigned, nil))

	assert.Equal(t, []Type{TaskAssigned}, typed)
	assert.Equal(t, []Type{TaskAnnounced, TaskAssigned}, all)
}

func TestBus_HandlerMaySubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(VoteReceived, func(Event) {
		calls++
		bus.Subscribe(VoteReceived, func(Event) { calls++ })
	})

	bus.Emit(New(VoteReceived, nil))
	assert.Equal(t, 1, calls)
	bus.Emit(New(VoteReceived, nil))
	assert.Equal(t, 3, calls)
}

func TestNew_StampsIDAndTime(t *testing.T) {
	a := New(ConsensusReached, "x")
	b := New(ConsensusReached, "x")
	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.OccurredAt.IsZero())
	assert.Equal(t, "x", a.Data)
}

func TestRecorder_OfType(t *testing.T) {
	var r Recorder
	r.Emit(New(TaskAssigned, nil))
	r.Emit(New(TaskCancelled, nil))
	r.Emit(New(TaskAssigned, nil))

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.OfType(TaskAssigned), 2)
	assert.Empty(t, r.OfType(ProposalExpired))
}
