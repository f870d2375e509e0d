package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"querydesk/api/internal/app"
	"querydesk/api/internal/bus"
	"querydesk/api/internal/config"
	"querydesk/api/internal/querystore"
	"querydesk/api/internal/sanction"
	"querydesk/api/internal/search"
	"querydesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	var db *sql.DB
	var pg *store.PostgresStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, reachable, err := store.OpenLenient(ctx, cfg.DatabaseURL, cfg.DBAttempts, cfg.DBRetryDelay, logger)
		if err != nil {
			logger.WithError(err).Fatal("invalid database configuration")
		}
		defer pool.Close()
		db = pool
		if reachable {
			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				logger.WithError(err).Fatal("migrations failed")
			}
			logger.WithField("applied", applied).Info("migrations up to date")
		} else {
			logger.Warn("postgres unreachable; starting with cache-only writes")
		}
		pg = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set; queries live in memory only")
	}

	var queries *querystore.Store
	var replay bus.ReplayLog
	if pg != nil {
		queries = querystore.New(pg, logger)
		replay = bus.NewPostgresReplayLog(db)
	} else {
		queries = querystore.New(nil, logger)
		replay = bus.NewMemoryReplayLog()
	}

	var signalLayer bus.Signal
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSignal, err := bus.NewRedisSignal(cfg.RedisURL, cfg.SignalTTL)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer redisSignal.Close()
		signalLayer = redisSignal
		logger.Info("using redis for cross-session signals")
	} else {
		signalLayer = bus.NewMemorySignal(cfg.SignalTTL)
	}
	updates := bus.New(bus.NewLive(cfg.LiveBuffer), replay, signalLayer, logger)

	var registry sanction.Registry
	if pg != nil {
		registry = pg
	}
	updates.AddConsumer(sanction.NewReconciler(queries, registry, updates, logger))

	var pgfts *search.PgFTS
	if db != nil {
		pgfts = search.NewPgFTS(db)
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	if meiliClient != nil && pgfts != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	branches, err := config.LoadBranches(cfg.BranchesFile)
	if err != nil {
		logger.WithError(err).Fatal("branch directory invalid")
	}
	logger.WithField("branches", branches.Len()).Info("branch directory loaded")

	deps := app.Deps{
		Queries:  queries,
		Bus:      updates,
		Search:   searchService,
		Branches: branches,
		Logger:   logger,
	}
	if pg != nil {
		deps.Reference = pg
	}
	service := app.New(cfg, deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler())

	// No WriteTimeout: it would cut live streams. Request deadlines are set
	// per request by the app middleware.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("querydesk api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Error("shutdown error")
	}
}
