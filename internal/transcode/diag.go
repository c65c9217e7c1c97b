package transcode

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// LineClass is the heuristic class of one ffmpeg diagnostic line.
type LineClass int

const (
	LineInfo LineClass = iota
	LineProgress
	LineWarning
	LineError
)

func (c LineClass) String() string {
	switch c {
	case LineProgress:
		return "progress"
	case LineWarning:
		return "warning"
	case LineError:
		return "error"
	default:
		return "info"
	}
}

var (
	progressMarkers = []string{"frame=", "fps=", "bitrate=", "speed=", "size=", "time="}
	errorMarkers    = []string{
		"error",
		"failed",
		"invalid",
		"could not",
		"cannot",
		"unable to",
		"connection refused",
		"timed out",
		"no route to host",
		"unauthorized",
		"forbidden",
		"not found",
		"broken pipe",
		"end of file",
	}
	warningMarkers = []string{"warning", "deprecated", "non-monotonous", "past duration", "discarding"}
)

// ClassifyLine sorts a diagnostic line into progress, warning, error or info.
// ffmpeg writes everything to stderr, so none of these classes is fatal on its own.
func ClassifyLine(line string) LineClass {
	l := strings.ToLower(line)
	hits := 0
	for _, m := range progressMarkers {
		if strings.Contains(l, m) {
			hits++
		}
	}
	if hits >= 2 {
		return LineProgress
	}
	for _, m := range errorMarkers {
		if strings.Contains(l, m) {
			return LineError
		}
	}
	for _, m := range warningMarkers {
		if strings.Contains(l, m) {
			return LineWarning
		}
	}
	return LineInfo
}

// diagWriter splits a diagnostic stream into lines, logs each by class and
// keeps a bounded tail for crash reports.
type diagWriter struct {
	log     *slog.Logger
	onError func(line string)

	mu      sync.Mutex
	partial []byte
	tail    []string
	max     int
}

func newDiagWriter(log *slog.Logger, tailLines int, onError func(string)) *diagWriter {
	if tailLines <= 0 {
		tailLines = 20
	}
	return &diagWriter{log: log, onError: onError, max: tailLines}
}

// Write implements io.Writer. ffmpeg separates progress updates with '\r'.
func (w *diagWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx < 0 {
			break
		}
		w.emitLocked(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

// Flush emits any unterminated trailing line.
func (w *diagWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emitLocked(w.partial)
		w.partial = w.partial[:0]
	}
}

func (w *diagWriter) emitLocked(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	class := ClassifyLine(line)
	switch class {
	case LineProgress:
		w.log.Debug("transcoder progress", slog.String("line", line))
		return
	case LineError:
		w.log.Error("transcoder error output", slog.String("line", line))
		if w.onError != nil {
			w.onError(line)
		}
	case LineWarning:
		w.log.Warn("transcoder warning", slog.String("line", line))
	default:
		w.log.Info("transcoder output", slog.String("line", line))
	}
	if len(w.tail) == w.max {
		w.tail = append(w.tail[:0], w.tail[1:]...)
	}
	w.tail = append(w.tail, line)
}

// Tail returns the most recent non-progress lines, oldest first.
func (w *diagWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}
