package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cas-player/internal/content"
	"cas-player/internal/platform/config"
	"cas-player/internal/platform/logger"
	"cas-player/internal/platform/metrics"
	"cas-player/internal/player"
	"cas-player/internal/pubsub"
	"cas-player/internal/sink"
	"cas-player/internal/stream"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	shell "github.com/ipfs/go-ipfs-api"
)

const (
	shutdownTimeout = 10 * time.Second
	readyAttempts   = 8
)

var errNodeDown = errors.New("ipfs api not reachable")

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	ipfsAPI := config.GetEnv("IPFS_API", "localhost:5001")
	ipfsTimeout := config.GetEnvDuration("IPFS_TIMEOUT", 30*time.Second)
	rateLimit := config.GetEnvFloat("STORE_RATE_LIMIT", 0)
	cacheTTL := config.GetEnvDuration("STORE_CACHE_TTL", 10*time.Minute)
	segmentSeconds := config.GetEnvFloat("SEGMENT_SECONDS", sink.DefaultSegmentSeconds)

	cfg := stream.DefaultConfig()
	cfg.BackBuffer = config.GetEnvFloat("BACK_BUFFER_SECONDS", cfg.BackBuffer)
	cfg.ForwardBuffer = config.GetEnvFloat("FORWARD_BUFFER_SECONDS", cfg.ForwardBuffer)
	cfg.TickInterval = config.GetEnvDuration("TICK_INTERVAL", cfg.TickInterval)
	cfg.QueueCapacity = config.GetEnvInt("LIVE_QUEUE_CAPACITY", cfg.QueueCapacity)

	log := logger.New(logLevel, logFormat)

	sh := shell.NewShell(ipfsAPI)
	sh.SetTimeout(ipfsTimeout)
	if err := waitForNode(sh, log); err != nil {
		log.Error("ipfs api unavailable", slog.String("api", ipfsAPI), slog.String("error", err.Error()))
		os.Exit(1)
	}

	met := metrics.New()
	repo := player.NewInMemoryRepository()
	svc := player.NewService(repo, player.Env{
		Config:   cfg,
		Store:    content.NewCachedStore(content.NewIPFSStore(sh, rateLimit), cacheTTL),
		Bus:      pubsub.NewIPFSBus(sh),
		Observer: met,
		NewDevice: func() sink.MediaSource {
			return sink.NewMemorySource(sink.MemoryOptions{SegmentSeconds: segmentSeconds})
		},
	}, log)
	svc.OnEnded = func(player.SessionID, error) { met.IncSessionsEnded() }
	h := player.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"ipfs_api", ipfsAPI,
		"tick_interval", cfg.TickInterval.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	svc.Shutdown()

	log.Info("server stopped")
}

// waitForNode polls the IPFS API with exponential backoff until it answers.
func waitForNode(sh *shell.Shell, log *slog.Logger) error {
	op := func() error {
		if !sh.IsUp() {
			return errNodeDown
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("waiting for ipfs api", slog.String("error", err.Error()), slog.Duration("retry_in", next))
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), readyAttempts)
	return backoff.RetryNotify(op, b, notify)
}
