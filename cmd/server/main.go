package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sync-state-bridge/internal/broadcast"
	"github.com/example/sync-state-bridge/internal/config"
	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/observability"
	"github.com/example/sync-state-bridge/internal/playback"
	"github.com/example/sync-state-bridge/internal/presence"
	"github.com/example/sync-state-bridge/internal/snapshot"
	"github.com/example/sync-state-bridge/internal/storage"
	"github.com/example/sync-state-bridge/internal/types"
	"github.com/example/sync-state-bridge/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("instance", cfg.InstanceID).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.InstanceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Health:       resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	engine := crdt.NewEngine(types.ClientID(cfg.InstanceID), logger)
	defer engine.Close()

	docs := &documents{engine: engine, bucket: cfg.ObjectBucket, logger: logger, opened: make(map[types.DocumentID]bool)}

	if resources.Postgres != nil {
		docs.log = storage.NewUpdateLog(resources.Postgres)
		if err := docs.log.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare update log schema")
		}
		docs.persister = storage.NewPersister(docs.log, logger, storage.WithAppendHook(engine.SetLastLSN))
		go docs.persister.Run(ctx)
	}
	if resources.Object != nil {
		docs.loader = snapshot.NewObjectLoader(resources.Object)
	}
	if resources.Redis != nil {
		docs.relay = broadcast.NewRedisRelay(resources.Redis, engine, logger)
		docs.relay.Start(ctx)
	}

	if docs.log != nil {
		active, err := docs.log.ActiveDocuments(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to list active documents")
		}
		for _, docID := range active {
			if _, err := docs.Open(ctx, docID); err != nil {
				logger.Fatal().Err(err).Str("document", string(docID)).Msg("failed to restore document")
			}
		}
		go checkpointLoop(ctx, docs.log, engine, logger, cfg.HealthcheckProbe)
	}
	if docs.log != nil && resources.Object != nil {
		snapshot.NewWorker(docs.log, engine, resources.Object, cfg.ObjectBucket, logger,
			snapshot.WithInterval(cfg.SnapshotInterval),
			snapshot.WithUpdateThreshold(cfg.SnapshotThreshold),
		).Start(ctx)
	}

	roster := presence.NewService(resources.Redis, cfg.InstanceID, logger)
	roster.Start(ctx)

	demo, err := newDemo(ctx, docs, cfg.Demo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind demo store")
	}
	defer demo.Close()

	gateway, err := ws.NewGateway(ws.QueryAuthenticator, docs.Open, ws.NewConnectionRegistry(), logger, ws.GatewayConfig{
		CheckOrigin: func(*http.Request) bool { return true },
		Hooks:       roster.Hooks(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create websocket gateway")
	}
	defer gateway.Close()

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Handle("/ws", gateway)
	router.Get("/documents/{id}/presence", func(w http.ResponseWriter, r *http.Request) {
		entries, err := roster.Roster(r.Context(), types.DocumentID(chi.URLParam(r, "id")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, entries)
	})
	if docs.log != nil {
		svc := playback.NewService(docs.log, cfg.ObjectBucket, docs.loader, logger, playback.ServiceConfig{})
		playback.NewHTTPHandler(svc, logger).Routes(router)
	}
	demo.Routes(router)

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// documents opens server replicas on first use: it restores the latest
// snapshot, replays the update log after it and attaches persistence and the
// relay.
type documents struct {
	engine    *crdt.Engine
	log       *storage.UpdateLog
	loader    snapshot.Loader
	bucket    string
	persister *storage.Persister
	relay     *broadcast.RedisRelay
	logger    zerolog.Logger

	mu     sync.Mutex
	opened map[types.DocumentID]bool
}

// Open implements ws.DocumentResolver.
func (d *documents) Open(ctx context.Context, docID types.DocumentID) (*crdt.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.engine.Doc(docID)
	if d.opened[docID] {
		return doc, nil
	}

	if d.log != nil {
		if err := d.restore(ctx, docID); err != nil {
			return nil, err
		}
		d.persister.Watch(doc)
	}
	if d.relay != nil {
		d.relay.Watch(doc)
	}
	d.opened[docID] = true
	return doc, nil
}

func (d *documents) restore(ctx context.Context, docID types.DocumentID) error {
	checkpoint, err := d.log.LastCheckpoint(ctx, docID)
	if err != nil {
		return fmt.Errorf("read checkpoint for %s: %w", docID, err)
	}

	// The checkpoint only records how far the log was applied before; the
	// state is rebuilt from a snapshot and the updates after it.
	var startLSN int64
	if d.loader != nil {
		snapshotLSN, err := snapshot.Restore(ctx, d.log, d.loader, d.bucket, d.engine, docID)
		if err != nil {
			d.logger.Error().Err(err).Str("document", string(docID)).Msg("failed to restore snapshot; replaying full log")
		} else if snapshotLSN > 0 {
			startLSN = snapshotLSN
			d.logger.Info().Str("document", string(docID)).Int64("lsn", snapshotLSN).Msg("restored snapshot")
		}
	}

	if err := d.log.Replay(ctx, docID, startLSN, d.engine.ApplyRecord); err != nil {
		return fmt.Errorf("replay document %s: %w", docID, err)
	}

	last := d.engine.LastLSN(docID)
	d.logger.Info().Str("document", string(docID)).Int64("checkpoint", checkpoint).Int64("lsn", last).Msg("document replayed")
	if last > 0 {
		if err := d.log.RecordCheckpoint(ctx, docID, last); err != nil {
			d.logger.Error().Err(err).Str("document", string(docID)).Msg("checkpoint after replay failed")
		}
	}
	return nil
}

func checkpointLoop(ctx context.Context, updateLog *storage.UpdateLog, engine *crdt.Engine, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, docID := range engine.Documents() {
				lsn := engine.LastLSN(docID)
				if lsn == 0 {
					continue
				}
				if err := updateLog.RecordCheckpoint(ctx, docID, lsn); err != nil {
					logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
					continue
				}
				if _, err := updateLog.CountAfterLSN(ctx, docID, lsn); err != nil {
					logger.Debug().Err(err).Str("document", string(docID)).Msg("backlog probe failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
