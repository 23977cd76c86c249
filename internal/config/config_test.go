package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	cfg.fillPaths()
	require.NoError(t, cfg.Validate())

	ac := cfg.AuctionEngine()
	assert.Equal(t, 2*time.Minute, ac.BidWindow)
	assert.Equal(t, 20, ac.MaxBidsPerTask)
	assert.Equal(t, 0.4, ac.Weights.Reputation)

	vc := cfg.VotingEngine()
	assert.Equal(t, 0.66, vc.Threshold)
	assert.Equal(t, 5*time.Minute, vc.VotingPeriod)
	assert.Equal(t, 3, vc.MinParticipants)
	assert.True(t, vc.ReputationWeighting)
	assert.Equal(t, 100.0, vc.VoterWeightCap)
	assert.Equal(t, time.Hour, vc.Retention)
	assert.Equal(t, filepath.Join("data", "swarm.db"), cfg.Storage.Path)
	assert.Equal(t, []string{"*"}, cfg.API.AllowedOrigins)
	assert.Equal(t, int64(1<<20), cfg.API.MaxBodyBytes)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
node:
  id: coord-eu-1
  data_dir: /var/lib/swarm
auction:
  bid_window: 30s
  weights:
    reputation: 0.5
voting:
  voting_period: 90s
  reputation_weighting: false
  voter_weight_cap: 200
transport:
  kind: redis
  redis:
    addr: localhost:6379
`))
	require.NoError(t, err)
	assert.Equal(t, "coord-eu-1", cfg.Node.ID)
	assert.Equal(t, 30*time.Second, cfg.Auction.BidWindow)
	assert.Equal(t, 0.5, cfg.Auction.Weights.Reputation)
	// fields absent from the file keep their defaults
	assert.Equal(t, 0.3, cfg.Auction.Weights.Confidence)
	assert.Equal(t, 20, cfg.Auction.MaxBidsPerTask)
	assert.Equal(t, 90*time.Second, cfg.Voting.VotingPeriod)
	assert.False(t, cfg.Voting.ReputationWeighting)
	assert.Equal(t, 200.0, cfg.Voting.VoterWeightCap)
	assert.Equal(t, "/var/lib/swarm/swarm.db", cfg.Storage.Path)
	assert.Equal(t, "/var/lib/swarm/blobs", cfg.Blob.Dir)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "voting:\n  quorum: 3\n",
		"bad threshold":     "voting:\n  threshold: 1.5\n",
		"unknown transport": "transport:\n  kind: carrier-pigeon\n",
		"peer without hub":  "transport:\n  kind: peer\n",
		"postgres no dsn":   "storage:\n  driver: postgres\n",
		"bad duration":      "auction:\n  bid_window: soon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SWARM_NODE_ID":              "from-env",
		"SWARM_BID_WINDOW":           "45s",
		"SWARM_MIN_PARTICIPANTS":     "5",
		"SWARM_VOTING_THRESHOLD":     "0.75",
		"SWARM_REPUTATION_WEIGHTING": "false",
		"SWARM_TRANSPORT":            "local",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.Equal(t, 45*time.Second, cfg.Auction.BidWindow)
	assert.Equal(t, 5, cfg.Voting.MinParticipants)
	assert.Equal(t, 0.75, cfg.Voting.Threshold)
	assert.False(t, cfg.Voting.ReputationWeighting)
	assert.Equal(t, TransportLocal, cfg.Transport.Kind)

	env = map[string]string{"SWARM_MIN_PARTICIPANTS": "three", "SWARM_VOTING_PERIOD": "x"}
	err := Default().applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWARM_MIN_PARTICIPANTS")
	assert.Contains(t, err.Error(), "SWARM_VOTING_PERIOD")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: from-file\nvoting:\n  min_participants: 4\n"), 0o600))
	t.Setenv("SWARM_MIN_PARTICIPANTS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Node.ID)
	assert.Equal(t, 6, cfg.Voting.MinParticipants)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
