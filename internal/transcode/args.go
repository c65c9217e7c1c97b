package transcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options tunes the ffmpeg invocation. Zero fields take the defaults below.
type Options struct {
	SegmentSeconds int           // -hls_time
	ListSize       int           // -hls_list_size
	GOP            int           // -g / -keyint_min, in frames
	KeyframeEvery  int           // forced keyframe cadence, in seconds
	VideoBitrate   string        // -b:v
	MaxRate        string        // -maxrate
	BufSize        string        // -bufsize
	Preset         string        // -preset
	RTSPTimeout    time.Duration // -timeout, socket read timeout on the RTSP input
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		SegmentSeconds: 2,
		ListSize:       3,
		GOP:            50,
		KeyframeEvery:  2,
		VideoBitrate:   "1000k",
		MaxRate:        "1200k",
		BufSize:        "2000k",
		Preset:         "veryfast",
		RTSPTimeout:    5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = d.SegmentSeconds
	}
	if o.ListSize <= 0 {
		o.ListSize = d.ListSize
	}
	if o.GOP <= 0 {
		o.GOP = d.GOP
	}
	if o.KeyframeEvery <= 0 {
		o.KeyframeEvery = o.SegmentSeconds
	}
	if strings.TrimSpace(o.VideoBitrate) == "" {
		o.VideoBitrate = d.VideoBitrate
	}
	if strings.TrimSpace(o.MaxRate) == "" {
		o.MaxRate = d.MaxRate
	}
	if strings.TrimSpace(o.BufSize) == "" {
		o.BufSize = d.BufSize
	}
	if strings.TrimSpace(o.Preset) == "" {
		o.Preset = d.Preset
	}
	if o.RTSPTimeout <= 0 {
		o.RTSPTimeout = d.RTSPTimeout
	}
	return o
}

// BuildArgs returns the ffmpeg arguments that turn an RTSP input into a
// sliding-window HLS playlist. Segments outside the window are deleted by
// ffmpeg itself.
func BuildArgs(input, playlistPath, segmentTemplate string, opts Options) ([]string, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(playlistPath) == "" || strings.TrimSpace(segmentTemplate) == "" {
		return nil, fmt.Errorf("output paths are required")
	}
	o := opts.withDefaults()

	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-stats",
		"-rtsp_transport", "tcp",
		"-timeout", strconv.FormatInt(o.RTSPTimeout.Microseconds(), 10),
		"-i", input,
		"-an",
		"-c:v", "libx264",
		"-preset", o.Preset,
		"-tune", "zerolatency",
		"-g", strconv.Itoa(o.GOP),
		"-keyint_min", strconv.Itoa(o.GOP),
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", o.KeyframeEvery),
		"-b:v", o.VideoBitrate,
		"-maxrate", o.MaxRate,
		"-bufsize", o.BufSize,
		"-f", "hls",
		"-hls_time", strconv.Itoa(o.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(o.ListSize),
		"-hls_flags", "delete_segments+temp_file",
		"-hls_segment_filename", segmentTemplate,
		"-y",
		playlistPath,
	}, nil
}

// RedactArgs masks RTSP credentials so the command line can be logged.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = redactURL(a)
	}
	return out
}

func redactURL(s string) string {
	scheme := strings.Index(s, "://")
	if scheme < 0 {
		return s
	}
	rest := s[scheme+3:]
	at := strings.IndexByte(rest, '@')
	slash := strings.IndexByte(rest, '/')
	if at < 0 || (slash >= 0 && slash < at) {
		return s
	}
	return s[:scheme+3] + "***@" + rest[at+1:]
}
