package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/swarm/internal/reputation"
)

func testPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("SWARM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SWARM_TEST_POSTGRES_DSN not set")
	}
	p, err := ConnectPostgres(context.Background(), dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestConnectPostgres_RequiresDSN(t *testing.T) {
	_, err := ConnectPostgres(context.Background(), " ", zerolog.Nop())
	assert.Error(t, err)
}

func TestPostgres_RoundTrip(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()

	require.NoError(t, p.SaveProfile(reputation.Profile{ID: id, Reputation: 130, UpdatedAt: t0}))
	require.NoError(t, p.SaveProfile(reputation.Profile{ID: id, Reputation: 10, UpdatedAt: t0.Add(-time.Second)}))
	profiles, err := p.LoadProfiles(ctx)
	require.NoError(t, err)
	var found bool
	for _, pr := range profiles {
		if pr.ID == id {
			found = true
			assert.Equal(t, 130.0, pr.Reputation)
		}
	}
	assert.True(t, found)

	require.NoError(t, p.SaveAssignment(ctx, Assignment{
		TaskID: id, Assignees: []string{"a", "b"}, Pending: []string{"b"}, TotalReward: "42", Deadline: t0.Add(time.Hour), AssignedAt: t0,
	}))
	active, err := p.ListAssignments(ctx, AssignmentActive)
	require.NoError(t, err)
	var listed bool
	for _, a := range active {
		if a.TaskID == id {
			listed = true
			assert.Equal(t, []string{"b"}, a.Pending)
		}
	}
	assert.True(t, listed)
	require.NoError(t, p.SetAssignmentStatus(ctx, id, AssignmentCancelled))
	a, err := p.GetAssignment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, a.Assignees)
	assert.Equal(t, AssignmentCancelled, a.Status)

	require.NoError(t, p.SaveOutcome(ctx, Outcome{ProposalID: id, TaskID: id, ProposerID: "a", SolutionHash: "h", Status: "accepted", DecidedAt: t0}))
	o, err := p.GetOutcome(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "accepted", o.Status)

	_, err = p.GetOutcome(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
