// Package camera resolves camera ids to stream URLs. Camera records belong to
// the dashboard's CRUD layer; this package only reads them.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when no camera record exists for an id.
var ErrNotFound = errors.New("camera not found")

// Camera is the minimal record the streaming core needs. StreamURL is opaque
// apart from path extraction.
type Camera struct {
	ID        string `json:"camera_id"`
	StreamURL string `json:"stream_url"`
}

// Directory looks up camera records.
type Directory interface {
	Lookup(ctx context.Context, id string) (Camera, error)
}

// StaticDirectory is an in-memory Directory, loaded from a JSON file or built in tests.
type StaticDirectory struct {
	mu      sync.RWMutex
	cameras map[string]Camera
}

// NewStaticDirectory returns a directory holding the given cameras.
func NewStaticDirectory(cams ...Camera) *StaticDirectory {
	d := &StaticDirectory{cameras: make(map[string]Camera, len(cams))}
	for _, c := range cams {
		d.cameras[c.ID] = c
	}
	return d
}

// LoadFile reads a JSON array of {"camera_id", "stream_url"} records.
func LoadFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read camera file: %w", err)
	}
	var cams []Camera
	if err := json.Unmarshal(data, &cams); err != nil {
		return nil, fmt.Errorf("decode camera file: %w", err)
	}
	for i, c := range cams {
		if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.StreamURL) == "" {
			return nil, fmt.Errorf("camera file entry %d: camera_id and stream_url are required", i)
		}
	}
	return NewStaticDirectory(cams...), nil
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, id string) (Camera, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cameras[id]
	if !ok {
		return Camera{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Put adds or replaces a record.
func (d *StaticDirectory) Put(c Camera) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameras[c.ID] = c
}

// List returns all records in no particular order.
func (d *StaticDirectory) List() []Camera {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Camera, 0, len(d.cameras))
	for _, c := range d.cameras {
		out = append(out, c)
	}
	return out
}
