// Package transcodetest provides a stand-in for the ffmpeg binary so
// lifecycle tests can run real subprocesses without ffmpeg installed.
//
// A test binary re-executes itself as the fake transcoder:
//
//	func TestMain(m *testing.M) {
//		if transcodetest.IsFake() {
//			transcodetest.Run()
//		}
//		os.Exit(m.Run())
//	}
package transcodetest

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

const (
	envFake = "CAMSTREAM_FAKE_FFMPEG"
	envMode = "CAMSTREAM_FAKE_MODE"
)

// Modes understood by the fake.
const (
	ModeRun      = "run"      // write output, exit 0 on SIGTERM
	ModeCrash    = "crash"    // print an error and exit 1
	ModeExitZero = "exit0"    // exit 0 immediately
	ModeStubborn = "stubborn" // write output, ignore SIGTERM
)

// lifetime bounds every fake so nothing outlives a killed test binary for long.
const lifetime = 60 * time.Second

// IsFake reports whether the current process was launched as the fake transcoder.
func IsFake() bool { return os.Getenv(envFake) == "1" }

// Binary returns the path to re-execute: the running test binary.
func Binary() string { return os.Args[0] }

// Env returns the environment entries selecting the fake and its mode.
func Env(mode string) []string {
	return []string{envFake + "=1", envMode + "=" + mode}
}

// Run acts as the transcoder and never returns.
func Run() {
	args := os.Args[1:]
	mode := os.Getenv(envMode)
	if mode == "" {
		mode = ModeRun
	}

	switch mode {
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "rtsp://cam: Connection refused")
		fmt.Fprintln(os.Stderr, "Error opening input files: Connection refused")
		os.Exit(1)
	case ModeExitZero:
		os.Exit(0)
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
	default:
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			<-sig
			os.Exit(0)
		}()
	}

	if err := writeOutput(args); err != nil {
		fmt.Fprintln(os.Stderr, "fake transcoder error:", err)
		os.Exit(2)
	}
	fmt.Fprint(os.Stderr, "frame=   25 fps= 25 q=23.0 size=N/A time=00:00:01.00 bitrate=N/A speed=1.0x\r")
	fmt.Fprintln(os.Stderr, "[hls @ 0x1] Opening 'segment_000.ts' for writing")

	time.Sleep(lifetime)
	os.Exit(0)
}

// writeOutput mimics ffmpeg's HLS muxer: one segment plus the playlist,
// which is the last argument.
func writeOutput(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no output path")
	}
	playlist := args[len(args)-1]
	template := ""
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-hls_segment_filename" {
			template = args[i+1]
		}
	}
	dir := filepath.Dir(playlist)
	segName := "segment_000.ts"
	if template != "" {
		segName = filepath.Base(fmt.Sprintf(template, 0))
	}
	if err := os.WriteFile(filepath.Join(dir, segName), TSPayload(4), 0o644); err != nil {
		return err
	}
	body := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:2.000000,\n" + segName + "\n"
	return os.WriteFile(playlist, []byte(body), 0o644)
}

// TSPayload returns n empty MPEG-TS packets (sync byte 0x47, 188 bytes each).
func TSPayload(n int) []byte {
	b := make([]byte, 188*n)
	for i := 0; i < n; i++ {
		b[i*188] = 0x47
	}
	return b
}
