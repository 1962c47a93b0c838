package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/pi-signaling/config"
	"github.com/mossy-p/pi-signaling/internal/handlers"
	"github.com/mossy-p/pi-signaling/internal/logging"
	"github.com/mossy-p/pi-signaling/internal/metrics"
	"github.com/mossy-p/pi-signaling/internal/redis"
	"github.com/mossy-p/pi-signaling/internal/relay"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("signaling server stopped", zap.Error(err))
	}
	logger.Info("signaling server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var presence relay.Presence
	if cfg.Presence.Backend == config.PresenceRedis {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		presence = redis.NewPresence(client, cfg.Presence.TTL, logger)
		logger.Info("Redis presence enabled", zap.String("host", cfg.Redis.Host))
	}

	iceServers, err := handlers.BuildICEServers(cfg.ICE)
	if err != nil {
		return err
	}

	rl := relay.New(relay.Options{
		Policy:   relay.BufferPolicy(cfg.Relay.BufferPolicy),
		Logger:   logger,
		Metrics:  m,
		Presence: presence,
	})
	rl.Start()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Config:     cfg,
		Relay:      rl,
		Metrics:    m,
		ICEServers: iceServers,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting WebRTC signaling server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Either a signal or a dead listener ends up here.
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		// Hijacked WebSockets are not tracked by http.Server, so close
		// them through the relay first.
		err := rl.Shutdown(shutdownCtx)
		return multierr.Append(err, srv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
