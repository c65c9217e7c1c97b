package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"camstream/internal/camera"
	"camstream/internal/events"
	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
	"camstream/internal/segmentstore"
	"camstream/internal/transcode"
)

// DefaultStopGrace is how long a transcoder gets to exit after SIGTERM.
const DefaultStopGrace = 3 * time.Second

var (
	// ErrInvalidCameraID is returned for ids that cannot name an output directory.
	ErrInvalidCameraID = errors.New("invalid camera id")
	// ErrUnknownCamera is returned by Ensure when no camera record exists.
	ErrUnknownCamera = errors.New("unknown camera")
	// ErrMissingURL is returned by Start without a stream URL.
	ErrMissingURL = errors.New("stream url is required")
)

// Config holds transcoder settings shared by all cameras.
type Config struct {
	Binary    string            // transcoder executable, default "ffmpeg"
	Env       []string          // extra environment for the transcoder
	Options   transcode.Options // ffmpeg tuning
	StopGrace time.Duration     // SIGTERM→SIGKILL window
}

// Deps are the Service's collaborators. Only Store is required.
type Deps struct {
	Store      *segmentstore.Store
	Repository Repository
	Cameras    camera.Directory
	Events     events.Publisher
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Service owns the camera → transcoder registry. Operations on one camera id
// are serialized; different ids proceed independently. Crashes are not
// retried here: viewers re-requesting the playlist start a new process.
type Service struct {
	cfg     Config
	store   *segmentstore.Store
	repo    Repository
	cameras camera.Directory
	events  events.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger

	locksMu sync.Mutex
	locks   map[CameraID]*sync.Mutex
	starts  singleflight.Group
}

// NewService returns a Service writing transcoder output under deps.Store.
func NewService(cfg Config, deps Deps) *Service {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	repo := deps.Repository
	if repo == nil {
		repo = NewInMemoryRepository()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		repo:    repo,
		cameras: deps.Cameras,
		events:  pub,
		metrics: deps.Metrics,
		log:     logger.WithComponent(deps.Log, "orchestrator"),
		locks:   make(map[CameraID]*sync.Mutex),
	}
}

// lock serializes operations for one camera and returns the unlock func.
func (s *Service) lock(id CameraID) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func validateID(id CameraID) error {
	if err := segmentstore.ValidateCameraID(string(id)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCameraID, id)
	}
	return nil
}

// Start launches a transcoder for id, stopping any registered one first so the
// registry never holds two processes for one camera.
func (s *Service) Start(ctx context.Context, id CameraID, rtspURL string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if strings.TrimSpace(rtspURL) == "" {
		return ErrMissingURL
	}
	unlock := s.lock(id)
	defer unlock()

	if err := s.stopLocked(ctx, id); err != nil {
		s.log.Warn("stop before start incomplete", slog.String("camera_id", string(id)), slog.String("error", err.Error()))
	}
	return s.startLocked(id, rtspURL)
}

func (s *Service) startLocked(id CameraID, rtspURL string) error {
	log := s.log.With(slog.String("camera_id", string(id)))

	dir, err := s.store.Prepare(string(id))
	if err != nil {
		return err
	}
	args, err := transcode.BuildArgs(rtspURL, s.store.PlaylistPath(string(id)), s.store.SegmentTemplate(string(id)), s.cfg.Options)
	if err != nil {
		s.removeDir(id)
		return err
	}

	h := &Handle{CameraID: id, RTSPURL: rtspURL, OutputDir: dir}
	spec := transcode.Spec{
		CameraID:    string(id),
		Binary:      s.cfg.Binary,
		Args:        args,
		Env:         s.cfg.Env,
		Dir:         dir,
		OnErrorLine: func(string) { s.metrics.IncStderrErrors() },
		OnExit: func(p *transcode.Process, exit transcode.Exit) {
			s.onExit(id, p, exit)
		},
	}

	p, err := transcode.Launch(spec, s.log)
	if err != nil {
		// Never registered; just leave no playlist directory behind.
		s.removeDir(id)
		s.metrics.IncTranscoderSpawnFailures()
		s.publish(events.Event{Type: events.TypeSpawnFailed, CameraID: string(id), Detail: err.Error()})
		return err
	}
	h.Process = p
	if prev := s.repo.Register(h); prev != nil {
		log.Error("registry held a stale handle", slog.Int("stale_pid", prev.Process.Pid()))
	}
	s.metrics.IncTranscoderStarts()
	s.publish(events.Event{Type: events.TypeStarted, CameraID: string(id), PID: p.Pid()})
	return nil
}

// onExit runs after a transcoder exits for any reason. It takes the camera
// lock, so it waits for an in-flight Start or Stop to finish first.
func (s *Service) onExit(id CameraID, p *transcode.Process, exit transcode.Exit) {
	unlock := s.lock(id)
	defer unlock()

	h, ok := s.repo.Get(id)
	if ok && h.Process != p {
		// A newer process owns the camera now.
		return
	}
	if ok {
		s.repo.Deregister(id, h)
	}
	s.removeDir(id)

	if exit.Requested {
		return
	}
	code := exit.Code
	ev := events.Event{CameraID: string(id), PID: p.Pid(), ExitCode: &code, Type: events.TypeExited}
	if exit.Crashed() {
		ev.Type = events.TypeCrashed
		s.metrics.IncTranscoderCrashes()
	}
	s.publish(ev)
}

// Stop terminates the camera's transcoder, removes its output directory and
// deregisters it. Stopping a camera with nothing registered is a no-op.
func (s *Service) Stop(ctx context.Context, id CameraID) error {
	if err := validateID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.stopLocked(ctx, id)
}

func (s *Service) stopLocked(ctx context.Context, id CameraID) error {
	h, ok := s.repo.Get(id)
	if !ok {
		return nil
	}
	log := s.log.With(slog.String("camera_id", string(id)), slog.Int("pid", h.Process.Pid()))

	err := h.Process.Terminate(ctx, s.cfg.StopGrace)
	if err != nil {
		log.Warn("transcoder did not confirm exit", slog.String("error", err.Error()))
	}
	s.removeDir(id)
	s.repo.Deregister(id, h)
	s.metrics.IncTranscoderStops()
	s.publish(events.Event{Type: events.TypeStopped, CameraID: string(id), PID: h.Process.Pid()})
	log.Info("stream stopped")
	return err
}

// IsStreaming reports whether a live, not-stopping transcoder is registered for
// id. A registered process the OS no longer knows is deregistered on the spot.
func (s *Service) IsStreaming(id CameraID) bool {
	h, ok := s.repo.Get(id)
	if !ok || h.Process == nil {
		return false
	}
	if h.Process.Killed() {
		return false
	}
	if h.Process.Pid() > 0 && !h.Process.Alive() {
		if s.repo.Deregister(id, h) {
			s.log.Info("transcoder gone, deregistered", slog.String("camera_id", string(id)))
		}
		return false
	}
	return true
}

// Ensure starts a transcoder for id unless one is already streaming. The
// stream URL comes from the camera directory. Concurrent calls for the same
// id share one start.
func (s *Service) Ensure(ctx context.Context, id CameraID) error {
	if err := validateID(id); err != nil {
		return err
	}
	if s.IsStreaming(id) {
		return nil
	}
	_, err, _ := s.starts.Do(string(id), func() (any, error) {
		if s.IsStreaming(id) {
			return nil, nil
		}
		if s.cameras == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
		}
		cam, err := s.cameras.Lookup(ctx, string(id))
		if errors.Is(err, camera.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("starting stream on demand", slog.String("camera_id", string(id)))
		return nil, s.Start(ctx, id, cam.StreamURL)
	})
	return err
}

// Status describes the camera's stream.
func (s *Service) Status(id CameraID) Status {
	st := Status{CameraID: id, State: transcode.StateStopped.String()}
	h, ok := s.repo.Get(id)
	if !ok {
		return st
	}
	st.Streaming = s.IsStreaming(id)
	st.State = h.State().String()
	st.PID = h.Process.Pid()
	if t := h.Process.StartedAt(); !t.IsZero() {
		st.StartedAt = &t
	}
	return st
}

// ActiveCount returns the number of registered transcoders.
func (s *Service) ActiveCount() int {
	return s.repo.Count()
}

// Cameras returns the ids with a registered transcoder.
func (s *Service) Cameras() []CameraID {
	return s.repo.List()
}

// PlaylistPath returns where the transcoder writes the camera's playlist.
func (s *Service) PlaylistPath(id CameraID) string {
	return s.store.PlaylistPath(string(id))
}

// StopAll stops every registered transcoder concurrently.
func (s *Service) StopAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.repo.List() {
		id := id
		g.Go(func() error {
			return s.Stop(ctx, id)
		})
	}
	return g.Wait()
}

func (s *Service) removeDir(id CameraID) {
	if err := s.store.Remove(string(id)); err != nil {
		s.log.Error("remove output dir failed", slog.String("camera_id", string(id)), slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.events.Publish(context.Background(), ev); err != nil {
		s.log.Warn("publish event failed", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
	}
}
