package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/server"
	"PerpVAMM/internal/state"
)

// oracleHistory is the number of oracle observations kept per market
const oracleHistory = 4096

func main() {
	logger := observability.NewLogger("vammd")
	logger.Info().Msg("vammd starting")

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	logger.Info().Msg("Postgres connected")

	// --- SQL migrations ---
	applied, err := persistence.NewMigrator(db.DB, cfg.MigrationsDir, observability.NewLogger("migrator")).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddProbe("postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})

	// --- Channels ---
	// Persist blocks (backpressure), projection drops
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	// --- Deterministic core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db.DB)
	engine := core.NewDeterministicCore(
		0,
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
		observability.NewLogger("core"),
	)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, cfg, engine, snapMgr, dbChecker, metrics, logger); err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	// --- Ingestion ---
	oracleStore := oracle.NewStore(oracleHistory)
	dispatcher := ingestion.NewDispatcher(engine, oracleStore, ingestion.UnixClock, metrics, observability.NewLogger("dispatcher"))

	if cfg.BootstrapMarket != "" {
		if err := bootstrapMarket(cfg, dispatcher); err != nil {
			logger.Fatal().Err(err).Str("market", cfg.BootstrapMarket).Msg("bootstrap market")
		}
	}

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	healthChecker.AddProbe("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats status %s", st)
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawEvent, cfg.PersistChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, cfg.PublishBufferSize, metrics, observability.NewLogger("publisher"))

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(
		db.DB, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistWorker.OnFlushed(publisher.Offer)

	projWorker := projection.NewProjectionWorker(db.DB, projectionChan, metrics, observability.NewLogger("projection"))
	scheduler := ingestion.NewFundingScheduler(engine, dispatcher, cfg.FundingCheckInterval, observability.NewLogger("funding"))

	// --- gRPC + HTTP gateway ---
	apiServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		Ingest:        ingestion.NewGRPCIngestService(dispatcher),
		ReadModel:     query.NewService(db),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	persistDone := make(chan struct{})

	// 1. Persistence worker
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection worker
	go func() {
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 3. Outbound publisher
	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	// 4. NATS -> core
	go func() {
		if err := dispatcher.Run(ctx, rawChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// 5. Funding settlement
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("funding scheduler: %w", err)
		}
	}()

	// 6. gRPC server
	go func() {
		if err := apiServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// 7. HTTP gateway
	go func() {
		if err := apiServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 8. Periodic snapshots
	go runPeriodicSnapshots(ctx, engine, snapMgr, cfg.SnapshotInterval, metrics, logger)

	// 9. Prometheus metrics
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	apiServer.SetServing(true)
	healthChecker.SetReady(true)

	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("vammd ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the persistence worker flush, then take a final snapshot
	healthChecker.SetReady(false)
	apiServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence worker did not finish in time")
	}

	if err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", engine.GetSequence()-1).Msg("final snapshot saved")
	}

	logger.Info().Msg("vammd shutdown complete")
}

// recoverState restores the latest verified snapshot, replays the log tail
// and warms the dedup cache with the newest logged keys.
func recoverState(
	ctx context.Context,
	cfg Config,
	engine *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	from := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		st, err := snap.CoreState()
		if err != nil {
			return err
		}
		if err := engine.RestoreFromSnapshot(st); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := persistence.ReplayFrom(ctx, snapMgr, engine, from, cfg.ReplayPageSize, metrics, logger)
	if err != nil {
		return fmt.Errorf("replay from %d: %w", from, err)
	}

	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if next := engine.GetSequence(); next != latest+1 {
		return fmt.Errorf("replay stopped at sequence %d, log head is %d", next-1, latest)
	}

	// Only after replay, which rejects keys already cached
	keys, err := dbChecker.RecentKeys(ctx, cfg.DedupWarmKeys)
	if err != nil {
		return fmt.Errorf("load recent keys: %w", err)
	}
	engine.WarmLRU(keys)

	logger.Info().
		Int64("replayed", replayed).
		Int("dedup_keys", len(keys)).
		Int64("sequence", engine.GetSequence()).
		Hex("state_hash", hashBytes(engine.GetStateHash())).
		Msg("recovery complete")
	return nil
}

// bootstrapMarket creates the configured market with default risk
// parameters. A market that already exists is left alone.
func bootstrapMarket(cfg Config, dispatcher *ingestion.Dispatcher) error {
	p := state.DefaultMarketParams(cfg.BootstrapMarket)
	quote, err := p.Decimals.Parse(cfg.BootstrapQuoteReserve)
	if err != nil {
		return err
	}
	base, err := p.Decimals.Parse(cfg.BootstrapBaseReserve)
	if err != nil {
		return err
	}

	_, err = dispatcher.Apply(&event.InitMarket{
		Market:                  cfg.BootstrapMarket,
		QuoteAsset:              cfg.BootstrapQuoteAsset,
		Decimals:                p.Decimals.DecimalPrecision,
		QuoteReserve:            quote,
		BaseReserve:             base,
		FundingPeriod:           cfg.BootstrapFundingPeriod,
		InitMarginRatio:         p.InitMarginRatio,
		MaintenanceMarginRatio:  p.MaintenanceMarginRatio,
		LiquidationFeeRatio:     p.LiquidationFeeRatio,
		PartialLiquidationRatio: p.PartialLiquidationRatio,
		FeeRatio:                p.FeeRatio,
		Block:                   dispatcher.Now(),
	})
	if errors.Is(err, core.ErrMarketExists) || errors.Is(err, core.ErrDuplicateCommand) {
		return nil
	}
	return err
}

// runPeriodicSnapshots takes a snapshot once interval events have been
// committed since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	lastSnapshotSeq := engine.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := engine.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", currentSeq-1).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot saves the core's state and marks it verified once the
// event it ends at is in the log.
func takeSnapshot(
	ctx context.Context,
	engine *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	st := engine.CreateSnapshotState()
	if st.Sequence < 0 {
		return nil
	}

	snap := persistence.SnapshotDataFrom(st, time.Now().UTC())
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}

	// The last event may still sit in a persistence batch
	verify := func() error {
		err := snapMgr.VerifySnapshot(ctx, snap.Sequence)
		if errors.Is(err, persistence.ErrSnapshotHashMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 50), ctx)
	if err := backoff.Retry(verify, b); err != nil {
		return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

func hashBytes(h [32]byte) []byte { return h[:] }
