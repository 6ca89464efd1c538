package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/swarmplay/backend/internal/auth"
	"github.com/swarmplay/backend/internal/ban"
	"github.com/swarmplay/backend/internal/config"
	"github.com/swarmplay/backend/internal/game"
	"github.com/swarmplay/backend/internal/httpapi"
	"github.com/swarmplay/backend/internal/infra"
	"github.com/swarmplay/backend/internal/monitoring"
	"github.com/swarmplay/backend/internal/ratelimit"
	"github.com/swarmplay/backend/internal/store"
	"github.com/swarmplay/backend/internal/stream"
	"github.com/swarmplay/backend/internal/votes"
)

func main() {
	// .env is a local-development convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("[Main] Invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.LogLevel)

	client := openStore(cfg.Store.URL)
	defer client.Close()

	metrics := monitoring.New()
	credentials := auth.NewStore(client)
	bans := ban.NewManager(client)
	limiter := ratelimit.New(client)
	aggregator := votes.NewAggregator(client)

	// TODO(emulator): replace with the PyBoy bridge client once its RPC
	// surface is stable.
	var emulator game.Emulator = game.NullEmulator{}

	publisher := game.NewPublisher(client, cfg.Game.SnapshotEvery)
	processor := game.NewProcessor(game.ProcessorConfig{
		GameID:     cfg.Game.GameID,
		Interval:   time.Duration(cfg.Game.TickIntervalMs) * time.Millisecond,
		SettleWait: time.Duration(cfg.Game.EmulatorSettled) * time.Millisecond,
	}, aggregator, emulator, game.BasicExtractor{}, publisher)

	unregister := processor.OnTick(func(st *game.UnifiedState) error {
		metrics.TicksProcessed.Inc()
		return nil
	})
	defer unregister()

	if err := processor.Start(); err != nil {
		slog.Error("[Main] Tick processor failed to start", "error", err)
		os.Exit(1)
	}
	defer processor.Stop()

	hub := stream.NewHub(client, cfg.Game.GameID)
	if err := hub.Start(context.Background()); err != nil {
		slog.Error("[Main] Stream hub failed to start", "error", err)
		os.Exit(1)
	}
	defer hub.Stop()

	api := httpapi.NewServer(httpapi.Config{
		AdminSecret:            cfg.Security.AdminSecret,
		TrustProxy:             cfg.Security.TrustProxy,
		RateLimitBanThreshold:  cfg.RateLimit.RateLimitBanThreshold,
		InvalidReqBanThreshold: cfg.RateLimit.InvalidReqBanThreshold,
	}, credentials, bans, limiter, aggregator, processor, client, metrics)

	router := api.Router(func(r *mux.Router) {
		r.HandleFunc("/ws", hub.HandleWebSocket).Methods(http.MethodGet)
	})

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("[Main] Shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("[Main] Server shutdown error", "error", err)
		}
	}()

	slog.Info("[Main] Server starting", "addr", server.Addr,
		"game_id", cfg.Game.GameID, "tick_interval_ms", cfg.Game.TickIntervalMs,
		"admin_enabled", cfg.Security.AdminSecret != "")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("[Main] Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("[Main] Server stopped")
}

// openStore connects to Redis, or falls back to the in-process store so
// a developer can run the whole stack with nothing else installed. The
// fallback holds no durable state and serves exactly one process.
func openStore(url string) store.Client {
	if url == "" {
		slog.Warn("[Main] STORE_URL not set, using in-memory store (single process, no durability)")
		return store.NewMemory()
	}
	client, err := infra.NewGoRedisAdapter(url)
	if err != nil {
		slog.Error("[Main] Redis connection failed, using in-memory store", "error", err)
		return store.NewMemory()
	}
	slog.Info("[Main] Connected to Redis")
	return client
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
