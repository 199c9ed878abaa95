package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FactorPool/internal/config"
	"FactorPool/internal/core"
	"FactorPool/internal/observability"
	"FactorPool/internal/persistence"
	"FactorPool/internal/projection"
	"FactorPool/internal/query"
	"FactorPool/internal/server"
	"FactorPool/internal/stream"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const replayBatchSize = 10_000

func main() {
	configPath := flag.String("config", "factorpool.toml", "path to TOML config file")
	flag.Parse()

	boot := observability.NewLogger("main")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("invalid config")
	}

	log := observability.NewLoggerWithLevel("main", cfg.Engine.LogLevel)
	log.Info().Msg("factorpool starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnLifetime())

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLoggerWithLevel("migrator", cfg.Engine.LogLevel))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)

	snapData, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot load failed, cold starting")
		snapData = nil
	}

	var snapState *core.SnapshotState
	startSequence := int64(0)
	if snapData != nil {
		snapState, err = snapData.ToEngineState()
		if err != nil {
			log.Fatal().Err(err).Msg("snapshot decode")
		}
		startSequence = snapState.Sequence + 1
		log.Info().Int64("sequence", snapState.Sequence).Msg("loaded snapshot")
	} else {
		log.Info().Msg("no snapshot, cold start from sequence 0")
	}

	// --- Channels ---
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Engine.PublishChanSize)
	metrics.SetChannelMetrics("persist", 0, cfg.Engine.PersistChanSize)
	metrics.SetChannelMetrics("projection", 0, cfg.Engine.ProjectionChanSize)
	metrics.SetChannelMetrics("publish", 0, cfg.Engine.PublishChanSize)

	// --- Access control from config ---
	access := core.NewStaticAccessControl()
	for _, a := range cfg.Roles.Admins {
		access.Grant(a, core.RoleAdmin)
	}
	for _, o := range cfg.Roles.Operators {
		access.Grant(o, core.RoleOperator)
	}

	// --- Engine ---
	engine, err := core.NewEngine(core.EngineConfig{
		Params:         cfg.Pool.PoolParams(),
		StartSequence:  startSequence,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		PublishChan:    publishChan,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Access:         access,
		Metrics:        metrics,
		Logger:         observability.NewLoggerWithLevel("engine", cfg.Engine.LogLevel),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("engine init")
	}

	if snapState != nil {
		engine.RestoreFromSnapshot(snapState)
	} else if keys, err := persistence.NewPostgresIdempotencyChecker(db).RecentKeys(ctx, 100_000); err == nil && len(keys) > 0 {
		engine.WarmIdempotency(keys)
		log.Info().Int("keys", len(keys)).Msg("warmed idempotency cache from event log")
	}

	replayed, err := replayEvents(ctx, snapMgr, engine)
	if err != nil {
		log.Fatal().Err(err).Msg("event replay")
	}
	if replayed > 0 {
		log.Info().Int("events", replayed).Int64("sequence", engine.GetSequence()).Msg("replayed events")
	}

	// After a clean restore with nothing to replay, the chain tip must match
	// the snapshot's recorded hash.
	if snapState != nil && replayed == 0 {
		if engine.GetStateHash() != snapState.StateHash {
			log.Fatal().Msg("state hash mismatch after snapshot restore")
		}
		log.Info().Msg("state hash verified after restore")
	}

	// --- Workers ---
	g, gctx := errgroup.WithContext(ctx)

	persistWorker := persistence.NewWorker(db, persistChan,
		cfg.Engine.PersistBatchSize, cfg.Engine.PersistFlushTimeout(),
		metrics, observability.NewLoggerWithLevel("persistence", cfg.Engine.LogLevel))
	g.Go(func() error {
		return ignoreCancel(persistWorker.Run(gctx))
	})

	projWorker := projection.NewWorker(db, projectionChan, metrics,
		observability.NewLoggerWithLevel("projection", cfg.Engine.LogLevel))
	g.Go(func() error {
		return ignoreCancel(projWorker.Run(gctx))
	})

	// --- NATS outbound stream ---
	if cfg.NATS.Enabled {
		natsLog := observability.NewLoggerWithLevel("stream", cfg.Engine.LogLevel)
		nc, js, err := stream.Connect(cfg.NATS.URL, natsLog)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()

		if err := stream.EnsureStream(ctx, js, natsLog); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		publisher := stream.NewPublisher(js, publishChan, metrics, natsLog)
		g.Go(func() error {
			return ignoreCancel(publisher.Run(gctx))
		})
	}

	// --- Periodic snapshots ---
	g.Go(func() error {
		runPeriodicSnapshots(gctx, engine, snapMgr, cfg.Engine.SnapshotInterval, metrics,
			observability.NewLoggerWithLevel("snapshot", cfg.Engine.LogLevel))
		return nil
	})

	// --- HTTP server ---
	queryService := query.NewService(db)
	srv := server.NewServer(engine, queryService, db, metrics,
		observability.NewLoggerWithLevel("server", cfg.Engine.LogLevel))

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutCtx)
	})

	log.Info().
		Int64("sequence", engine.GetSequence()).
		Str("http", cfg.Server.HTTPAddr).
		Msg("factorpool ready")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}

	// Final snapshot so the next start replays as little as possible.
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	takeSnapshot(finalCtx, engine, snapMgr, metrics, log)

	log.Info().Msg("factorpool stopped")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// replayEvents applies logged events from the engine's current sequence to
// the log head, in batches.
func replayEvents(ctx context.Context, snapMgr *persistence.SnapshotManager, engine *core.Engine) (int, error) {
	count := 0
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, engine.GetSequence(), replayBatchSize)
		if err != nil {
			return count, err
		}
		if len(rows) == 0 {
			return count, nil
		}
		for _, row := range rows {
			if err := engine.ReplayEvent(row.EventType, row.IdempotencyKey, row.Payload, row.Sequence, row.StateHash, row.Timestamp); err != nil {
				return count, err
			}
			count++
		}
	}
}

// runPeriodicSnapshots checks every 30 seconds whether the engine advanced by
// at least interval events since the last snapshot and saves one when it has.
func runPeriodicSnapshots(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, interval int64, metrics *observability.Metrics, log zerolog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	lastSnapSeq := engine.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.GetSequence()-lastSnapSeq < interval {
				continue
			}
			if takeSnapshot(ctx, engine, snapMgr, metrics, log) {
				lastSnapSeq = engine.GetSequence()
			}
		}
	}
}

func takeSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, log zerolog.Logger) bool {
	snapState := engine.CreateSnapshotState()
	if snapState.Sequence < 0 {
		return false
	}

	start := time.Now()
	data := persistence.FromEngineState(snapState)
	if err := snapMgr.SaveSnapshot(ctx, data); err != nil {
		log.Warn().Err(err).Msg("snapshot save failed")
		return false
	}
	if err := snapMgr.MarkVerified(ctx, snapState.Sequence); err != nil {
		log.Warn().Err(err).Msg("snapshot verify mark failed")
		return false
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snapState.Sequence))
	log.Info().Int64("sequence", snapState.Sequence).Msg("snapshot saved")
	return true
}
