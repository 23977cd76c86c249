// Package config loads coordinator settings from a YAML file, an optional
// .env file and SWARM_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/voting"
)

// Transport kinds.
const (
	TransportLocal = "local"
	TransportHub   = "hub"
	TransportPeer  = "peer"
	TransportRedis = "redis"
)

// Storage drivers.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Auction    AuctionConfig    `yaml:"auction"`
	Voting     VotingConfig     `yaml:"voting"`
	Membership MembershipConfig `yaml:"membership"`
	Transport  TransportConfig  `yaml:"transport"`
	Storage    StorageConfig    `yaml:"storage"`
	Blob       BlobConfig       `yaml:"blob"`
}

type NodeConfig struct {
	ID       string `yaml:"id"`
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type APIConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RateLimit      int           `yaml:"rate_limit"`
	RateWindow     time.Duration `yaml:"rate_window"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

type AuctionConfig struct {
	BidWindow      time.Duration   `yaml:"bid_window"`
	MaxBidsPerTask int             `yaml:"max_bids_per_task"`
	Weights        auction.Weights `yaml:"weights"`
}

type VotingConfig struct {
	Threshold           float64       `yaml:"threshold"`
	VotingPeriod        time.Duration `yaml:"voting_period"`
	MinParticipants     int           `yaml:"min_participants"`
	ReputationWeighting bool          `yaml:"reputation_weighting"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepGrace          time.Duration `yaml:"sweep_grace"`
	Retention           time.Duration `yaml:"retention"`
	VoterWeightCap      float64       `yaml:"voter_weight_cap"`
	EligibleVoters      int           `yaml:"eligible_voters"`
}

type MembershipConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type TransportConfig struct {
	Kind       string        `yaml:"kind"`
	HubURL     string        `yaml:"hub_url"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	MaxLen   int64  `yaml:"max_len"`
	TLS      bool   `yaml:"tls"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type BlobConfig struct {
	Dir          string `yaml:"dir"`
	DataShards   int    `yaml:"data_shards"`
	ParityShards int    `yaml:"parity_shards"`
}

// Default returns the built-in configuration.
func Default() *Config {
	ac := auction.DefaultConfig()
	vc := voting.DefaultConfig()
	return &Config{
		Node: NodeConfig{ID: "coordinator", HTTPAddr: ":8080", DataDir: "data"},
		Log:  LogConfig{Level: "info"},
		API: APIConfig{
			AllowedOrigins: []string{"*"},
			RateLimit:      300,
			RateWindow:     time.Minute,
			MaxBodyBytes:   1 << 20,
		},
		Auction: AuctionConfig{
			BidWindow:      ac.BidWindow,
			MaxBidsPerTask: ac.MaxBidsPerTask,
			Weights:        ac.Weights,
		},
		Voting: VotingConfig{
			Threshold:           vc.Threshold,
			VotingPeriod:        vc.VotingPeriod,
			MinParticipants:     vc.MinParticipants,
			ReputationWeighting: vc.ReputationWeighting,
			SweepInterval:       60 * time.Second,
			SweepGrace:          vc.SweepGrace,
			Retention:           vc.Retention,
			VoterWeightCap:      vc.VoterWeightCap,
			EligibleVoters:      vc.EligibleVoters,
		},
		Membership: MembershipConfig{Timeout: 90 * time.Second, PruneInterval: 30 * time.Second},
		Transport: TransportConfig{
			Kind:       TransportHub,
			RateLimit:  120,
			RateWindow: time.Minute,
			DedupTTL:   10 * time.Minute,
			Redis:      RedisConfig{Prefix: "swarm:", MaxLen: 10000},
		},
		Storage: StorageConfig{Driver: StorageSQLite},
		Blob:    BlobConfig{DataShards: 4, ParityShards: 2},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then .env, then the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), cfg); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) fillPaths() {
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Node.DataDir, "swarm.db")
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = filepath.Join(c.Node.DataDir, "blobs")
	}
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SWARM_NODE_ID", &c.Node.ID)
	str("SWARM_HTTP_ADDR", &c.Node.HTTPAddr)
	str("SWARM_DATA_DIR", &c.Node.DataDir)
	str("SWARM_LOG_LEVEL", &c.Log.Level)
	boolean("SWARM_LOG_PRETTY", &c.Log.Pretty)

	if v, ok := lookup("SWARM_API_ALLOWED_ORIGINS"); ok && v != "" {
		c.API.AllowedOrigins = strings.Split(v, ",")
	}
	num("SWARM_API_RATE_LIMIT", &c.API.RateLimit)

	dur("SWARM_BID_WINDOW", &c.Auction.BidWindow)
	num("SWARM_MAX_BIDS_PER_TASK", &c.Auction.MaxBidsPerTask)

	float("SWARM_VOTING_THRESHOLD", &c.Voting.Threshold)
	dur("SWARM_VOTING_PERIOD", &c.Voting.VotingPeriod)
	num("SWARM_MIN_PARTICIPANTS", &c.Voting.MinParticipants)
	boolean("SWARM_REPUTATION_WEIGHTING", &c.Voting.ReputationWeighting)
	dur("SWARM_SWEEP_INTERVAL", &c.Voting.SweepInterval)
	float("SWARM_VOTER_WEIGHT_CAP", &c.Voting.VoterWeightCap)
	num("SWARM_ELIGIBLE_VOTERS", &c.Voting.EligibleVoters)

	str("SWARM_TRANSPORT", &c.Transport.Kind)
	str("SWARM_HUB_URL", &c.Transport.HubURL)
	str("SWARM_REDIS_ADDR", &c.Transport.Redis.Addr)
	str("SWARM_REDIS_USERNAME", &c.Transport.Redis.Username)
	str("SWARM_REDIS_PASSWORD", &c.Transport.Redis.Password)
	boolean("SWARM_REDIS_TLS", &c.Transport.Redis.TLS)

	str("SWARM_STORAGE_DRIVER", &c.Storage.Driver)
	str("SWARM_STORAGE_PATH", &c.Storage.Path)
	str("SWARM_POSTGRES_DSN", &c.Storage.DSN)
	str("SWARM_BLOB_DIR", &c.Blob.Dir)

	return errors.Join(errs...)
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.ID) == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.API.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("api.max_body_bytes must be positive"))
	}
	if c.Auction.BidWindow <= 0 {
		errs = append(errs, errors.New("auction.bid_window must be positive"))
	}
	if c.Auction.MaxBidsPerTask <= 0 {
		errs = append(errs, errors.New("auction.max_bids_per_task must be positive"))
	}
	if c.Voting.Threshold <= 0 || c.Voting.Threshold > 1 {
		errs = append(errs, fmt.Errorf("voting.threshold %.3f outside (0,1]", c.Voting.Threshold))
	}
	if c.Voting.VotingPeriod <= 0 {
		errs = append(errs, errors.New("voting.voting_period must be positive"))
	}
	if c.Voting.MinParticipants <= 0 {
		errs = append(errs, errors.New("voting.min_participants must be positive"))
	}
	if c.Voting.SweepInterval <= 0 {
		errs = append(errs, errors.New("voting.sweep_interval must be positive"))
	}
	if c.Voting.VoterWeightCap <= 0 {
		errs = append(errs, errors.New("voting.voter_weight_cap must be positive"))
	}
	switch c.Transport.Kind {
	case TransportLocal, TransportHub:
	case TransportPeer:
		if c.Transport.HubURL == "" {
			errs = append(errs, errors.New("transport.hub_url is required for peer transport"))
		}
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, errors.New("transport.redis.addr is required for redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport kind %q", c.Transport.Kind))
	}
	switch c.Storage.Driver {
	case StorageSQLite, StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Blob.DataShards <= 0 || c.Blob.ParityShards <= 0 {
		errs = append(errs, errors.New("blob shard counts must be positive"))
	}
	return errors.Join(errs...)
}

// AuctionEngine returns the auction engine settings.
func (c *Config) AuctionEngine() auction.Config {
	return auction.Config{
		BidWindow:      c.Auction.BidWindow,
		MaxBidsPerTask: c.Auction.MaxBidsPerTask,
		Weights:        c.Auction.Weights,
	}
}

// VotingEngine returns the voting engine settings.
func (c *Config) VotingEngine() voting.Config {
	return voting.Config{
		Threshold:           c.Voting.Threshold,
		VotingPeriod:        c.Voting.VotingPeriod,
		MinParticipants:     c.Voting.MinParticipants,
		ReputationWeighting: c.Voting.ReputationWeighting,
		SweepGrace:          c.Voting.SweepGrace,
		Retention:           c.Voting.Retention,
		VoterWeightCap:      c.Voting.VoterWeightCap,
		EligibleVoters:      c.Voting.EligibleVoters,
	}
}
