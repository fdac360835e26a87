package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcode-gateway/internal/platform/config"
	"transcode-gateway/internal/platform/logger"
	"transcode-gateway/internal/platform/metrics"
	"transcode-gateway/internal/stream"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	ffmpegBin := config.GetEnv("FFMPEG_BIN", "ffmpeg")
	defaultProfile := config.GetEnv("DEFAULT_PROFILE", "copy")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	cfg := stream.Config{
		MaxStreams:     config.GetEnvInt("MAX_STREAMS", stream.DefaultMaxStreams),
		StartTimeout:   config.GetEnvDuration("START_TIMEOUT", stream.DefaultStartTimeout),
		StopTimeout:    config.GetEnvDuration("STOP_TIMEOUT", stream.DefaultStopTimeout),
		ConsumerBuffer: config.GetEnvInt("CONSUMER_BUFFER", stream.DefaultConsumerBuffer),
	}
	scanInterval := config.GetEnvDuration("SUPERVISOR_INTERVAL", stream.DefaultScanInterval)
	idleGrace := config.GetEnvDuration("IDLE_GRACE_PERIOD", stream.DefaultIdleGrace)

	log := logger.New(logLevel, logFormat)

	met := metrics.New()
	runner := stream.NewFFmpegRunner(ffmpegBin, nil, log)
	registry := stream.NewRegistry(runner, cfg, log, met)
	supervisor := stream.NewSupervisor(registry, scanInterval, idleGrace, log, met)
	h := stream.NewHandler(registry, defaultProfile, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(registry.ActiveStreamCount())
			met.SetConsumers(registry.ConsumerCount())
		}).ServeHTTP(w, req)
	})
	r.Get("/", h.Index)
	r.Get("/play", h.Play)
	r.Get("/streams", h.Streams)
	r.Get("/healthz", h.Healthz)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return supervisor.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining streams")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop transcoding processes first: closing the relays unblocks
		// the streaming handlers the HTTP shutdown waits for.
		if err := registry.Shutdown(shCtx); err != nil {
			log.Error("registry shutdown", "error", err)
		}
		return srv.Shutdown(shCtx)
	})

	log.Info("server starting",
		"port", port,
		"ffmpeg", ffmpegBin,
		"default_profile", defaultProfile,
		"max_streams", cfg.MaxStreams,
		"idle_grace", idleGrace.String(),
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
