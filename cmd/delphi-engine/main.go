package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/consensuslab/delphi-engine/internal/api"
	"github.com/consensuslab/delphi-engine/internal/cache"
	"github.com/consensuslab/delphi-engine/internal/collab"
	"github.com/consensuslab/delphi-engine/internal/config"
	"github.com/consensuslab/delphi-engine/internal/engine"
	"github.com/consensuslab/delphi-engine/internal/metrics"
	"github.com/consensuslab/delphi-engine/internal/realtime"
	"github.com/consensuslab/delphi-engine/internal/repo"
	"github.com/consensuslab/delphi-engine/internal/rounds"
	"github.com/consensuslab/delphi-engine/internal/services"
	"github.com/consensuslab/delphi-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting delphi-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var store repo.Store
	switch cfg.Store.Driver {
	case "memory":
		store = repo.NewMemoryStore()
	case "sqlite", "":
		sqliteStore, err := repo.NewSQLiteStore(cfg.Store.DSN)
		if err != nil {
			logger.Error("failed to open sqlite store", slog.String("dsn", cfg.Store.DSN), slog.Any("error", err))
			os.Exit(1)
		}
		store = sqliteStore
	default:
		logger.Error("unknown store driver", slog.String("driver", cfg.Store.Driver))
		os.Exit(1)
	}
	defer store.Close()

	var roster rounds.Roster
	var notifier rounds.Notifier = collab.NoopNotifier{}
	var questions services.QuestionSource
	if cfg.Collab.BaseURL != "" {
		client := collab.NewClient(collab.Options{
			BaseURL:       cfg.Collab.BaseURL,
			RosterPath:    cfg.Collab.RosterPath,
			QuestionsPath: cfg.Collab.QuestionsPath,
			NotifyPath:    cfg.Collab.NotifyPath,
			Timeout:       cfg.Collab.Timeout,
			Cache:         cache.NewMemoryProvider(),
			RosterTTL:     cfg.Collab.RosterTTL,
			Logger:        logger,
		})
		roster = client
		notifier = client
		questions = client
	} else {
		logger.Warn("no collaboration platform configured, quorum checks disabled")
	}

	broadcaster := realtime.NewBroadcaster(logger)
	aggregator := engine.NewAggregator()
	evaluator := engine.NewEvaluator(logger)
	controller := rounds.NewController(logger, store, aggregator, evaluator, roster, notifier, broadcaster)
	defer controller.Shutdown()

	service := services.NewStudyService(services.StudyServiceOptions{
		Logger:      logger,
		Store:       store,
		Controller:  controller,
		Aggregator:  aggregator,
		Feedback:    engine.NewFeedbackBuilder(cfg.Defaults.FeedbackMinCount),
		Broadcaster: broadcaster,
		Roster:      roster,
		Questions:   questions,
		Defaults:    cfg.Defaults,
		Debounce:    cfg.Realtime.DebounceWindow,
	})
	defer service.Shutdown()

	server := api.NewServer(cfg.Server, service, logger, cfg.Realtime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("delphi-engine stopped")
}
