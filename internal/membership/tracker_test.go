package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTracker_ObserveAndOnline(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Observe(Heartbeat{ID: "b", Capabilities: []string{"nlp"}})
	tr.Observe(Heartbeat{ID: "a", Address: "10.0.0.1:9000"})
	tr.Observe(Heartbeat{ID: ""})

	online := tr.Online()
	require.Len(t, online, 2)
	assert.Equal(t, "a", online[0].ID)
	assert.Equal(t, []string{"nlp"}, online[1].Capabilities)
	assert.Equal(t, 2, tr.EligibleVoters())

	// a later heartbeat without fields keeps what was announced
	tr.Observe(Heartbeat{ID: "a"})
	m, ok := tr.Member("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", m.Address)
}

func TestTracker_Leaving(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Observe(Heartbeat{ID: "a"})
	tr.Observe(Heartbeat{ID: "a", Leaving: true})
	_, ok := tr.Member("a")
	assert.False(t, ok)
	assert.Zero(t, tr.EligibleVoters())
}

func TestTracker_PruneOffline(t *testing.T) {
	tr, now := newTestTracker()
	tr.Observe(Heartbeat{ID: "a"})
	tr.Observe(Heartbeat{ID: "b"})

	*now = now.Add(60 * time.Second)
	tr.Touch("b")
	tr.Touch("ghost")

	*now = now.Add(60 * time.Second)
	assert.Equal(t, 1, tr.PruneOffline(90*time.Second))
	assert.Equal(t, Stats{Online: 1, Total: 2}, tr.Stats())
	assert.Equal(t, 1, tr.EligibleVoters())
	assert.Zero(t, tr.PruneOffline(90*time.Second))

	tr.Observe(Heartbeat{ID: "a"})
	assert.Equal(t, 2, tr.EligibleVoters())
}
