package orchestrator

import (
	"time"

	"camstream/internal/transcode"
)

// CameraID uniquely identifies a camera.
type CameraID string

// Handle is the registry entry for one camera's transcoder. It is owned by
// the Service; callers only ever see copies via Status.
type Handle struct {
	CameraID  CameraID
	RTSPURL   string
	OutputDir string
	Process   *transcode.Process
}

// State returns the process lifecycle state, StateStopped for an empty handle.
func (h *Handle) State() transcode.State {
	if h == nil || h.Process == nil {
		return transcode.StateStopped
	}
	return h.Process.State()
}

// Status is the externally visible view of a camera stream.
type Status struct {
	CameraID  CameraID   `json:"camera_id"`
	Streaming bool       `json:"streaming"`
	State     string     `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}
