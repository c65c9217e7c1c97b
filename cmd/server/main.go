package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/internal/camera"
	"camstream/internal/events"
	"camstream/internal/orchestrator"
	"camstream/internal/platform/config"
	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
	"camstream/internal/segmentstore"
	"camstream/internal/transcode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 10 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	hlsRoot := config.GetEnv("HLS_ROOT", "hls")
	listSize := config.GetEnvInt("HLS_LIST_SIZE", 3)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	store, err := segmentstore.New(hlsRoot)
	if err != nil {
		log.Error("segment store", "error", err)
		os.Exit(1)
	}
	// Directories left by a previous run have no process behind them.
	if n, err := store.Sweep(); err != nil {
		log.Warn("sweep stale output failed", "error", err)
	} else if n > 0 {
		log.Info("removed stale output directories", "count", n)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	cameras, closeCameras := openCameraDirectory(startCtx, log)
	pub, closeEvents := openEvents(startCtx, log)
	cancelStart()

	opts := transcode.DefaultOptions()
	opts.SegmentSeconds = config.GetEnvInt("HLS_SEGMENT_SECONDS", opts.SegmentSeconds)
	opts.ListSize = listSize
	opts.RTSPTimeout = config.GetEnvDuration("RTSP_TIMEOUT", opts.RTSPTimeout)

	svc := orchestrator.NewService(orchestrator.Config{
		Binary:    config.GetEnv("FFMPEG_BIN", "ffmpeg"),
		Options:   opts,
		StopGrace: config.GetEnvDuration("STOP_GRACE", orchestrator.DefaultStopGrace),
	}, orchestrator.Deps{
		Store:   store,
		Cameras: cameras,
		Events:  pub,
		Metrics: met,
		Log:     log,
	})
	h := orchestrator.NewHandler(svc, log, orchestrator.HandlerOptions{ListSize: listSize})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveTranscoders(svc.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"hls_root", store.Root(),
		"hls_list_size", listSize,
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
	}
	if err := svc.StopAll(ctx); err != nil {
		log.Error("stop transcoders", "error", err)
	}
	closeEvents()
	closeCameras()

	log.Info("server stopped")
}

// openCameraDirectory prefers the dashboard database, then a JSON file. With
// neither, only streams started through the control API can play.
func openCameraDirectory(ctx context.Context, log *slog.Logger) (camera.Directory, func()) {
	if dsn := config.GetEnv("DATABASE_URL", ""); dsn != "" {
		dir, err := camera.OpenPostgres(ctx, dsn, config.GetEnv("CAMERA_QUERY", ""))
		if err != nil {
			log.Error("camera database", "error", err)
			os.Exit(1)
		}
		log.Info("camera directory: postgres")
		return dir, dir.Close
	}
	if path := config.GetEnv("CAMERA_FILE", ""); path != "" {
		dir, err := camera.LoadFile(path)
		if err != nil {
			log.Error("camera file", "error", err)
			os.Exit(1)
		}
		log.Info("camera directory: file", "path", path, "cameras", len(dir.List()))
		return dir, func() {}
	}
	log.Info("camera directory: empty")
	return camera.NewStaticDirectory(), func() {}
}

// openEvents publishes lifecycle events to a Redis stream when REDIS_ADDR is
// set. Publishing is asynchronous so a slow broker never holds a camera lock.
func openEvents(ctx context.Context, log *slog.Logger) (events.Publisher, func()) {
	addr := config.GetEnv("REDIS_ADDR", "")
	if addr == "" {
		return events.Nop{}, func() {}
	}
	rp, err := events.NewRedisPublisher(ctx, events.RedisConfig{
		Addr:     addr,
		Username: config.GetEnv("REDIS_USERNAME", ""),
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
		Stream:   config.GetEnv("REDIS_STREAM", ""),
	})
	if err != nil {
		log.Warn("redis events disabled", "error", err)
		return events.Nop{}, func() {}
	}
	async := events.NewAsync(rp, 0, 2*time.Second, log)
	log.Info("stream events: redis", "addr", addr)
	return async, func() {
		async.Close()
		rp.Close()
	}
}
