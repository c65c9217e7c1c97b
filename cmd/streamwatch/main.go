// Command streamwatch is a headless viewer wall. It lays camera tiles out in
// a scrolling grid, mounts each one lazily as it scrolls into view and plays
// it either through the server's HLS endpoint or straight from a WHEP gateway.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"camstream/internal/lazymount"
	"camstream/internal/platform/config"
	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
)

const (
	tileWidth  = 320.0
	tileHeight = 180.0
	tileGap    = 8.0
)

func main() {
	_ = config.Load()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))

	mode := strings.ToLower(config.GetEnv("WATCH_MODE", "hls"))
	sources := config.GetEnvList("WATCH_SOURCES", nil)
	if len(sources) == 0 {
		log.Error("WATCH_SOURCES is required (camera ids for hls, rtsp urls for whep)")
		os.Exit(2)
	}
	met := metrics.New()
	if addr := config.GetEnv("WATCH_METRICS_ADDR", ""); addr != "" {
		srv := serveMetrics(addr, met, log)
		defer shutdownMetrics(srv, log)
	}

	columns := max(config.GetEnvInt("WATCH_COLUMNS", 2), 1)
	rows := max(config.GetEnvInt("WATCH_ROWS", 2), 1)

	var start startFunc
	switch mode {
	case "hls":
		start = hlsStarter(config.GetEnv("WATCH_SERVER", "http://localhost:8080"), met, log)
	case "whep":
		gateway := config.GetEnv("WATCH_GATEWAY", "")
		if gateway == "" {
			log.Error("WATCH_GATEWAY is required in whep mode")
			os.Exit(2)
		}
		start = whepStarter(gateway, config.GetEnvList("WATCH_ICE_SERVERS", nil), met, log)
	default:
		log.Error("unknown WATCH_MODE", "mode", mode)
		os.Exit(2)
	}

	view := lazymount.NewViewport(lazymount.Rect{
		W: float64(columns) * (tileWidth + tileGap),
		H: float64(rows) * (tileHeight + tileGap),
	})
	wall := newWall(view, columns, lazymount.Config{
		RootMargin:  float64(config.GetEnvInt("WATCH_ROOT_MARGIN_PX", 0)),
		SettleDelay: config.GetEnvDuration("WATCH_SETTLE_DELAY", lazymount.DefaultSettleDelay),
	}, start, log)
	for _, src := range sources {
		wall.add(src)
	}
	defer wall.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := config.GetEnvDuration("WATCH_DURATION", 0); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log.Info("streamwatch starting",
		"mode", mode,
		"tiles", len(sources),
		"columns", columns,
		"rows", rows,
	)
	run(ctx, wall, config.GetEnvDuration("WATCH_SCROLL_INTERVAL", 0), config.GetEnvDuration("WATCH_REPORT_INTERVAL", 10*time.Second), log)
	log.Info("streamwatch stopped")
}

// serveMetrics exposes player and WHEP counters for scraping.
func serveMetrics(addr string, met *metrics.Metrics, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler(nil))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}

func shutdownMetrics(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("metrics shutdown", "error", err)
	}
}

// run scrolls the wall one row at a time, wrapping at the end, and reports
// tile state until ctx is done. A non-positive interval disables that ticker.
func run(ctx context.Context, w *wall, scrollEvery, reportEvery time.Duration, log *slog.Logger) {
	var scroll <-chan time.Time
	if scrollEvery > 0 {
		t := time.NewTicker(scrollEvery)
		defer t.Stop()
		scroll = t.C
	}
	var report <-chan time.Time
	if reportEvery > 0 {
		t := time.NewTicker(reportEvery)
		defer t.Stop()
		report = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-scroll:
			w.scrollRow()
		case <-report:
			for _, st := range w.stats() {
				log.Info("tile",
					"source", st.source,
					"mounted", st.mounted,
					"state", st.state,
					"bytes", st.bytes,
					"retries", st.retries,
				)
			}
		}
	}
}
