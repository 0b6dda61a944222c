package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"msusd/internal/core"
	"msusd/internal/event"
	"msusd/internal/ingestion"
	"msusd/internal/observability"
	"msusd/internal/persistence"
	"msusd/internal/projection"
	"msusd/internal/query"
	"msusd/internal/server"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "recover the ledger and serve commands, prices and queries",
	Action: serve,
}

func serve(c *cli.Context) error {
	cfg, closeLog, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := observability.NewLogger("main")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := newMigrator(db, cfg.Postgres).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	store, err := openSnapshotStore(db, cfg.Snapshot)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Deterministic core ---
	oracles, feeds, err := cfg.BuildOracles(time.Now)
	if err != nil {
		return err
	}
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	ledgerCore, err := core.NewDeterministicCore(0, cfg.CoreConfig(), core.Options{
		Oracles:        oracles,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	// --- Recovery: snapshot + replay ---
	eventLog := persistence.NewEventLogReader(db)
	recovered, err := persistence.Recover(ctx, ledgerCore, store, eventLog, 0)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- NATS ---
	var (
		nc         *nats.Conn
		subscriber *ingestion.NATSSubscriber
		dispatcher *ingestion.Dispatcher
		publisher  *ingestion.OutboundPublisher
		published  chan *event.EventEnvelope
	)
	if !cfg.NATS.Disabled {
		conn, js, err := ingestion.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, cfg.NATS.MaxReconnects)
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		health.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})

		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		dispatcher = ingestion.NewDispatcher(ledgerCore, feeds, rawChan, metrics)
		published = make(chan *event.EventEnvelope, 4096)
		publisher = ingestion.NewOutboundPublisher(js, published, metrics)

		// Messages buffer in rawChan until the dispatcher starts.
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}

	// --- Pipeline: persistence, projections, outbound events ---
	// The pipeline outlives the front end so everything the core emitted is
	// flushed before exit.
	pipe, pipeCtx := errgroup.WithContext(context.Background())

	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(db),
		persistChan,
		cfg.Pipeline.PersistBatchSize,
		cfg.Pipeline.PersistFlushTimeout.Duration,
		metrics,
	)
	if published != nil {
		persistWorker.PublishTo(published)
		pipe.Go(func() error { return publisher.Run(pipeCtx) })
	}
	pipe.Go(func() error {
		if published != nil {
			defer close(published)
		}
		return persistWorker.Run(pipeCtx)
	})
	projWorker := projection.NewProjectionWorker(db, projectionChan, ledgerCore.CreateSnapshotState, metrics)
	pipe.Go(func() error { return projWorker.Run(pipeCtx) })

	// --- Bootstrap roles, whitelist and assets ---
	for _, cmd := range cfg.BootstrapCommands() {
		if _, err := ledgerCore.Execute(ctx, cmd); err != nil && !errors.Is(err, core.ErrDuplicateCommand) {
			logger.Warn().Err(err).
				Str("event_type", cmd.EventType().String()).
				Str("idempotency_key", cmd.Meta().IdempotencyKey).
				Msg("bootstrap command rejected")
		}
	}

	// --- Front end ---
	snapshotter := persistence.NewSnapshotter(ledgerCore, store, eventLog, cfg.Snapshot.Interval, cfg.Snapshot.Retain, metrics)
	srv := server.New(cfg.Server, server.Deps{
		Core:        ledgerCore,
		Query:       query.NewQueryService(db),
		Ingest:      ingestion.NewGRPCIngestService(ledgerCore, feeds, metrics),
		Snapshotter: snapshotter,
		DB:          db,
		Health:      health,
		Metrics:     metrics,
	})

	front, frontCtx := errgroup.WithContext(ctx)
	front.Go(func() error { return srv.ServeGRPC(frontCtx) })
	front.Go(func() error { return srv.ServeHTTP(frontCtx) })
	front.Go(func() error { return serveMetrics(frontCtx, cfg.Metrics.Addr, reg) })
	front.Go(func() error { return snapshotter.Run(frontCtx) })
	front.Go(func() error {
		sampleChannels(frontCtx, metrics, persistChan, projectionChan)
		return nil
	})
	front.Go(func() error {
		select {
		case <-frontCtx.Done():
			return nil
		case <-pipeCtx.Done():
			return errors.New("pipeline stopped")
		}
	})
	if dispatcher != nil {
		front.Go(func() error { return dispatcher.Run(frontCtx) })
	}

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", ledgerCore.Sequence()).
		Int("replayed", recovered.Replayed).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Metrics.Addr).
		Bool("nats", !cfg.NATS.Disabled).
		Msg("msusd ready")

	// --- Graceful shutdown ---
	frontErr := front.Wait()
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	logger.Info().Err(frontErr).Msg("front end stopped, draining pipeline")

	// Nothing calls the core any more.
	close(persistChan)
	close(projectionChan)
	pipeErr := pipe.Wait()

	if pipeErr == nil {
		snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := snapshotter.Take(snapCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}
	logger.Info().Int64("sequence", ledgerCore.Sequence()).Msg("msusd shutdown complete")
	return errors.Join(frontErr, pipeErr)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, persist, proj chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(persist)))
			metrics.ChannelSize.WithLabelValues("projection").Set(float64(len(proj)))
		}
	}
}
