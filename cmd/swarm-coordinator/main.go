// Command swarm-coordinator runs the reputation ledger, the task auction and
// the consensus vote for one swarm behind an HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/blob"
	"github.com/ssd-technologies/swarm/internal/config"
	"github.com/ssd-technologies/swarm/internal/coordinator"
	"github.com/ssd-technologies/swarm/internal/logging"
	"github.com/ssd-technologies/swarm/internal/server"
	"github.com/ssd-technologies/swarm/internal/storage"
	"github.com/ssd-technologies/swarm/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("SWARM_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("coordinator stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	bus, hub, closeTransport, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	blobs, err := blob.NewShardStore(cfg.Blob.Dir, cfg.Blob.DataShards, cfg.Blob.ParityShards)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		NodeID:        cfg.Node.ID,
		Auction:       cfg.AuctionEngine(),
		Voting:        cfg.VotingEngine(),
		SweepInterval: cfg.Voting.SweepInterval,
		MemberTimeout: cfg.Membership.Timeout,
		PruneInterval: cfg.Membership.PruneInterval,
		DedupTTL:      cfg.Transport.DedupTTL,
		RateLimit:     cfg.Transport.RateLimit,
		RateWindow:    cfg.Transport.RateWindow,
	}, coordinator.Deps{
		Transport: bus,
		Store:     store,
		Blobs:     blobs,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	if err := coord.Restore(ctx); err != nil {
		return err
	}
	coord.StartWorkers(ctx)

	opts := server.Options{
		AllowedOrigins: cfg.API.AllowedOrigins,
		RateLimit:      cfg.API.RateLimit,
		RateWindow:     cfg.API.RateWindow,
		MaxBodyBytes:   cfg.API.MaxBodyBytes,
		Logger:         log,
	}
	if hub != nil {
		opts.Hub = hub
	}
	srv := server.New(coord, opts)
	go srv.RunMaintenance(ctx, time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.Node.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Node.HTTPAddr).
			Str("node_id", cfg.Node.ID).
			Str("transport", cfg.Transport.Kind).
			Str("storage", cfg.Storage.Driver).
			Msg("swarm coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore returns nil for the memory driver.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		log.Warn().Msg("running without persistence")
		return nil, nil
	case config.StoragePostgres:
		pg, err := storage.ConnectPostgres(ctx, cfg.Storage.DSN, log)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		db, err := storage.NewDB(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

// openTransport builds the broadcaster. The hub is also returned so the HTTP
// server can accept peer connections on it.
func openTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport.Broadcaster, *transport.Hub, func(), error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportLocal:
		l := transport.NewLocal()
		return l, nil, func() { l.Close() }, nil
	case config.TransportPeer:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		peer, err := transport.Dial(dialCtx, tc.HubURL, log)
		if err != nil {
			return nil, nil, nil, err
		}
		go func() {
			<-peer.Done()
			log.Error().Str("hub", tc.HubURL).Msg("hub connection lost")
		}()
		return peer, nil, func() { peer.Close() }, nil
	case config.TransportRedis:
		client, err := connectRedis(ctx, tc.Redis, log)
		if err != nil {
			return nil, nil, nil, err
		}
		sl := transport.NewStreamLog(client, transport.StreamConfig{
			Prefix: tc.Redis.Prefix,
			MaxLen: tc.Redis.MaxLen,
		}, log)
		return sl, nil, func() {
			sl.Close()
			client.Close()
		}, nil
	default:
		hub := transport.NewHub(log, tc.RateLimit, tc.RateWindow)
		return hub, hub, func() { hub.Close() }, nil
	}
}

func connectRedis(ctx context.Context, rc config.RedisConfig, log zerolog.Logger) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     rc.Addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	}
	if rc.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", rc.Addr, err)
	}
	log.Info().Str("addr", rc.Addr).Msg("connected to redis")
	return client, nil
}
