package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(), "event %d", i+1)
	}
	assert.False(t, l.Allow())
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Allow()
	l.Allow()
	assert.False(t, l.Allow())

	assert.Eventually(t, l.Allow, time.Second, 10*time.Millisecond)
}

func TestLimiter_SeparateConnections(t *testing.T) {
	a := New(1, time.Minute)
	b := New(1, time.Minute)
	assert.True(t, a.Allow())
	assert.False(t, a.Allow())
	assert.True(t, b.Allow())
}

func TestKeyed_IndependentSenders(t *testing.T) {
	k := NewKeyed(1, time.Minute)
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())
}

func TestKeyed_Disabled(t *testing.T) {
	k := NewKeyed(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, k.Allow("a"))
	}
	assert.Zero(t, k.Len())
	assert.Zero(t, k.Prune(0))
}

func TestKeyed_Prune(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	k := NewKeyed(1, time.Hour)
	k.now = c.now

	assert.True(t, k.Allow("old"))
	assert.False(t, k.Allow("old"))
	c.t = c.t.Add(10 * time.Minute)
	k.Allow("fresh")

	assert.Equal(t, 1, k.Prune(5*time.Minute))
	assert.Equal(t, 1, k.Len())

	// a pruned key starts a new window
	assert.True(t, k.Allow("old"))
	assert.False(t, k.Allow("fresh"))
}
