// Package segmentstore owns the on-disk layout of transcoder output: one
// directory per camera holding a sliding-window playlist and its segments.
package segmentstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// PlaylistName is the playlist file the transcoder rewrites in place.
	PlaylistName = "stream.m3u8"
	// SegmentPattern is the ffmpeg -hls_segment_filename template.
	SegmentPattern = "segment_%03d.ts"

	dirPrefix = "camera_"
)

var (
	// ErrInvalidCameraID is returned for ids that cannot be used as a path element.
	ErrInvalidCameraID = errors.New("invalid camera id")
	// ErrInvalidSegment is returned for segment names outside the segment_NNN.ts convention.
	ErrInvalidSegment = errors.New("invalid segment name")

	cameraIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	segmentNameRe = regexp.MustCompile(`^segment_[0-9]{3,}\.ts$`)
)

// Store maps camera ids to output directories under a single root.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating the root if needed.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("segment store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve segment store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("prepare segment store root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// ValidateCameraID reports whether id is usable as a directory suffix.
func ValidateCameraID(id string) error {
	if !cameraIDRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidCameraID, id)
	}
	return nil
}

// Dir returns the output directory for a camera. It does not touch the filesystem.
func (s *Store) Dir(cameraID string) string {
	return filepath.Join(s.root, dirPrefix+cameraID)
}

// PlaylistPath returns the playlist path for a camera.
func (s *Store) PlaylistPath(cameraID string) string {
	return filepath.Join(s.Dir(cameraID), PlaylistName)
}

// SegmentTemplate returns the ffmpeg segment filename template for a camera.
func (s *Store) SegmentTemplate(cameraID string) string {
	return filepath.Join(s.Dir(cameraID), SegmentPattern)
}

// SegmentPath resolves a segment file name inside the camera directory.
func (s *Store) SegmentPath(cameraID, name string) (string, error) {
	if err := ValidateCameraID(cameraID); err != nil {
		return "", err
	}
	if !segmentNameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	}
	return filepath.Join(s.Dir(cameraID), name), nil
}

// Prepare creates an empty output directory for a camera, discarding any
// leftovers from a previous process.
func (s *Store) Prepare(cameraID string) (string, error) {
	if err := ValidateCameraID(cameraID); err != nil {
		return "", err
	}
	dir := s.Dir(cameraID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// Remove deletes the camera directory. Removing a missing directory is not an error.
func (s *Store) Remove(cameraID string) error {
	if err := ValidateCameraID(cameraID); err != nil {
		return err
	}
	return os.RemoveAll(s.Dir(cameraID))
}

// Exists reports whether the camera directory is present.
func (s *Store) Exists(cameraID string) bool {
	fi, err := os.Stat(s.Dir(cameraID))
	return err == nil && fi.IsDir()
}

// Cameras lists camera ids that currently have a directory.
func (s *Store) Cameras() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), dirPrefix)
		if ValidateCameraID(id) == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Sweep removes every camera directory. Called at boot, when no process can
// own any of them.
func (s *Store) Sweep() (int, error) {
	ids, err := s.Cameras()
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := s.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}

// ReadPlaylist parses the current playlist of a camera.
func (s *Store) ReadPlaylist(cameraID string) (Playlist, error) {
	if err := ValidateCameraID(cameraID); err != nil {
		return Playlist{}, err
	}
	f, err := os.Open(s.PlaylistPath(cameraID))
	if err != nil {
		return Playlist{}, err
	}
	defer f.Close()
	return ParsePlaylist(f)
}
