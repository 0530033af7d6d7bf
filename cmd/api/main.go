package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postpilot/postpilot-backend/internal/api"
	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/config"
	"github.com/postpilot/postpilot-backend/internal/jobs"
	"github.com/postpilot/postpilot-backend/internal/log"
	"github.com/postpilot/postpilot-backend/internal/metrics"
	"github.com/postpilot/postpilot-backend/internal/storage"
	"github.com/postpilot/postpilot-backend/internal/store"
	"github.com/postpilot/postpilot-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting PostPilot scheduling API",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	metricsObj, metricsHandler, err := metrics.Setup("postpilot-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	baseStore, err := storage.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatalw("Failed to open event store", "error", err)
	}
	defer baseStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := baseStore.Ping(ctx); err != nil {
		logger.Fatalw("Event store ping failed", "error", err)
	}
	logger.Infow("Event store initialized", "driver", cfg.Database.Driver)

	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()
	if cache.InMemoryMode() {
		logger.Warnw("Running with in-process cache; rule caching and feeds are node-local")
	}

	// Rules are read on every conflict check; the cached decorator
	// keeps that off the database.
	eventStore := storage.NewCachedStore(baseStore, cache, cfg.Cache.RulesTTL, logger)

	detector := calendar.NewDetector(eventStore, logger)
	suggester := calendar.NewSuggester(detector, eventStore, logger,
		cfg.Scheduler.SuggestHorizon, cfg.Scheduler.SuggestLimit)
	svc := calendar.NewService(eventStore, detector, suggester, logger,
		calendar.WithFeed(cache),
		calendar.WithRecorder(metricsObj),
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	wsHub := ws.NewHub(cache, cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	sseHandler := ws.NewSSEHandler(cache, cfg.Security.CORSAllowedOrigins, logger)
	go wsHub.Run(bgCtx)

	cycle := jobs.NewCycle(eventStore, detector, suggester, logger,
		jobs.WithCycleFeed(cache),
		jobs.WithCycleRecorder(metricsObj),
	)
	notifier := jobs.NewNotifier(eventStore, cache, cfg.Scheduler.NotifierWindow, logger,
		jobs.WithNotifierRecorder(metricsObj),
	)
	runner := jobs.NewRunner(cycle, notifier, logger)
	runner.Start(bgCtx, cfg.Scheduler)
	defer runner.Stop()

	handler := api.NewHandler(svc, eventStore, cache, wsHub, sseHandler, cfg, logger)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	router.Handle("/metrics", metricsHandler)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
