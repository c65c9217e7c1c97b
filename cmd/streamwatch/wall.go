package main

import (
	"log/slog"
	"sync"

	"camstream/internal/lazymount"
	"camstream/internal/transcode"
)

// viewer is a running tile pipeline.
type viewer interface {
	stats() tileStats
	close()
}

type startFunc func(source string) viewer

type tileStats struct {
	source  string
	mounted bool
	state   string
	bytes   int64
	retries int
}

type tile struct {
	source string
	label  string // source with credentials redacted
	mount  *lazymount.Mount

	mu     sync.Mutex
	viewer viewer
	closed bool
}

// wall is a grid of lazily mounted tiles over one viewport.
type wall struct {
	view    *lazymount.Viewport
	columns int
	cfg     lazymount.Config
	start   startFunc
	log     *slog.Logger

	mu      sync.Mutex
	tiles   []*tile
	scrollY float64
}

func newWall(view *lazymount.Viewport, columns int, cfg lazymount.Config, start startFunc, log *slog.Logger) *wall {
	return &wall{view: view, columns: columns, cfg: cfg, start: start, log: log}
}

func (w *wall) add(source string) {
	w.mu.Lock()
	i := len(w.tiles)
	t := &tile{source: source, label: transcode.RedactArgs([]string{source})[0]}
	w.tiles = append(w.tiles, t)
	w.mu.Unlock()

	el := lazymount.Rect{
		X: float64(i%w.columns) * (tileWidth + tileGap),
		Y: float64(i/w.columns) * (tileHeight + tileGap),
		W: tileWidth,
		H: tileHeight,
	}
	cfg := w.cfg
	cfg.OnLoad = func() {
		w.log.Info("tile visible, loading", "source", t.label)
		v := w.start(source)
		t.mu.Lock()
		closed := t.closed
		if !closed {
			t.viewer = v
		}
		t.mu.Unlock()
		if closed {
			v.close()
		}
	}
	m := lazymount.New(w.view.Observer(el), cfg)
	t.mu.Lock()
	t.mount = m
	t.mu.Unlock()
}

func (w *wall) rowCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return (len(w.tiles) + w.columns - 1) / w.columns
}

func (w *wall) scrollRow() {
	rows := w.rowCount()
	w.mu.Lock()
	w.scrollY += tileHeight + tileGap
	if w.scrollY >= float64(rows)*(tileHeight+tileGap) {
		w.scrollY = 0
	}
	y := w.scrollY
	w.mu.Unlock()
	w.view.ScrollTo(0, y)
}

func (w *wall) stats() []tileStats {
	w.mu.Lock()
	tiles := append([]*tile(nil), w.tiles...)
	w.mu.Unlock()

	out := make([]tileStats, 0, len(tiles))
	for _, t := range tiles {
		t.mu.Lock()
		v := t.viewer
		t.mu.Unlock()
		if v == nil {
			out = append(out, tileStats{source: t.label, state: "waiting"})
			continue
		}
		st := v.stats()
		st.source, st.mounted = t.label, true
		out = append(out, st)
	}
	return out
}

func (w *wall) close() {
	w.mu.Lock()
	tiles := w.tiles
	w.tiles = nil
	w.mu.Unlock()
	for _, t := range tiles {
		t.mu.Lock()
		t.closed = true
		m, v := t.mount, t.viewer
		t.viewer = nil
		t.mu.Unlock()
		if m != nil {
			m.Close()
		}
		if v != nil {
			v.close()
		}
	}
}
