package transcode

import (
	"strings"
	"testing"

	"camstream/internal/platform/logger"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line string
		want LineClass
	}{
		{"frame=  120 fps= 25 q=23.0 size=N/A time=00:00:04.80 bitrate=N/A speed=1.01x", LineProgress},
		{"[rtsp @ 0x55] method DESCRIBE failed: 401 Unauthorized", LineError},
		{"rtsp://cam/7: Connection timed out", LineError},
		{"Error opening input files: Invalid data found when processing input", LineError},
		{"[hls @ 0x1] Opening 'segment_004.ts' for writing", LineInfo},
		{"[h264 @ 0x2] non-monotonous DTS in output stream", LineWarning},
		{"Input #0, rtsp, from 'rtsp://cam/7':", LineInfo},
	}
	for _, tc := range cases {
		if got := ClassifyLine(tc.line); got != tc.want {
			t.Errorf("ClassifyLine(%q) = %s, want %s", tc.line, got, tc.want)
		}
	}
}

func TestDiagWriter_lines_and_tail(t *testing.T) {
	var errs []string
	w := newDiagWriter(logger.Discard(), 2, func(l string) { errs = append(errs, l) })

	w.Write([]byte("frame=1 fps=1 size=1\rfirst line\nError: bad"))
	w.Write([]byte(" input\nthird"))
	w.Flush()

	if len(errs) != 1 || errs[0] != "Error: bad input" {
		t.Errorf("error callback got %v", errs)
	}
	tail := w.Tail()
	if strings.Contains(tail, "frame=") {
		t.Error("progress lines must not fill the tail")
	}
	if tail != "Error: bad input\nthird" {
		t.Errorf("tail = %q", tail)
	}
}
