package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/detection"
	"github.com/fbn/imgrec/overlay-server/internal/geometry"
	"github.com/fbn/imgrec/overlay-server/internal/logger"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/fbn/imgrec/overlay-server/internal/tracking"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when running a session that was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyRunning is returned when a session already has a frame loop.
	ErrAlreadyRunning = errors.New("session already running")
)

// Snapshot is an immutable view of the displayed state after a change.
type Snapshot struct {
	SessionID  string                        `json:"session_id"`
	FrameIndex int                           `json:"frame_index"`
	MediaTime  float64                       `json:"media_time"`
	Surface    geometry.Size                 `json:"surface"`
	Detections []tracking.DisplayedDetection `json:"detections"`
}

// Options configures a Session.
type Options struct {
	Colors  tracking.ColorPicker
	Surface geometry.Size
	Metrics *metrics.Metrics
}

// Session owns one recognition result and the detections displayed for it.
// Tick, Resize and ToggleEnlarged are serialized against snapshot readers.
type Session struct {
	id         string
	frames     *Synchronizer
	reconciler *tracking.Reconciler
	metrics    *metrics.Metrics

	mu         sync.Mutex
	surface    geometry.Size
	frameIndex int
	mediaTime  float64
	closed     bool
	version    uint64
	clock      FrameClock
	cancel     context.CancelFunc
	done       chan struct{}

	listenerMu   sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int
	emitMu       sync.Mutex
	emitted      uint64 // version of the last snapshot handed to listeners
}

// NewSession creates a session for result. The result must not be modified afterwards.
func NewSession(result *types.VideoRecognitionResult, opts Options) *Session {
	s := &Session{
		id:         uuid.NewString(),
		frames:     NewSynchronizer(result),
		reconciler: tracking.NewReconciler(opts.Colors),
		metrics:    opts.Metrics,
		surface:    opts.Surface,
		frameIndex: -1,
		listeners:  make(map[int]func(Snapshot)),
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(1)
		s.metrics.TotalSessions.Add(1)
	}
	logger.Info("Session", "Session %s created (frames=%d, frame_rate=%.2f)", s.id, s.frames.FrameCount(), result.FrameRate)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Synchronizer returns the frame synchronizer of the session.
func (s *Session) Synchronizer() *Synchronizer { return s.frames }

// Clock returns the clock driving the session, or nil before Run.
func (s *Session) Clock() FrameClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Subscribe registers fn to be called with a snapshot after every state change.
// Calls are made synchronously from the goroutine that changed the state, one at
// a time, so fn must not call Close. The returned function removes the listener.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

// emit hands snap to the listeners unless a newer version was already
// delivered by a concurrent state change.
func (s *Session) emit(snap Snapshot, version uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if version <= s.emitted {
		return
	}
	s.emitted = version

	s.listenerMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Tick handles one frame notification. It reports whether the displayed list
// was updated. Ticks whose frame is missing or misaligned leave the display
// untouched, as do ticks delivered after Close.
func (s *Session) Tick(meta FrameMetadata) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.StaleTicks.Add(1)
		}
		logger.Debug("Session", "Stale tick at %.3fs ignored for closed session %s", meta.MediaTime, s.id)
		return false
	}
	if s.metrics != nil {
		s.metrics.Ticks.Add(1)
	}

	frame, idx, ok := s.frames.Lookup(meta.MediaTime)
	if !ok {
		s.mu.Unlock()
		s.recordMiss(idx)
		return false
	}
	if s.surface.Empty() {
		s.mu.Unlock()
		logger.Debug("Session", "Frame %d skipped, no viewport yet", idx)
		return false
	}

	start := time.Now()
	stats := s.reconciler.Reconcile(detection.SortByDistanceFromOrigin(frame.Detections), s.surface)
	if s.metrics != nil {
		s.metrics.UpdateReconcileLatency(time.Since(start))
		s.metrics.FramesSynced.Add(1)
		s.metrics.RecordReconcile(stats.Added, stats.Updated, stats.Removed, s.reconciler.Len())
	}
	s.frameIndex = idx
	s.mediaTime = meta.MediaTime
	snap, version := s.changedLocked()
	s.mu.Unlock()

	s.emit(snap, version)
	return true
}

func (s *Session) recordMiss(idx int) {
	if s.metrics == nil {
		return
	}
	if s.frames.Aligned(idx) {
		s.metrics.FramesMissed.Add(1)
	} else {
		s.metrics.FramesMisaligned.Add(1)
		logger.Debug("Session", "Frame record at %d carries another frame_index, skipped", idx)
	}
}

// Resize lays the displayed detections out on a new surface.
func (s *Session) Resize(surface geometry.Size) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.surface = surface
	s.reconciler.Resize(surface)
	snap, version := s.changedLocked()
	s.mu.Unlock()

	s.emit(snap, version)
}

// SetViewport resizes to the letterboxed size of media inside container and
// returns that size.
func (s *Session) SetViewport(container, media geometry.Size) (geometry.Size, error) {
	surface := geometry.ContainedSize(media, container)
	if surface.Empty() {
		return surface, fmt.Errorf("viewport %vx%v cannot host media %vx%v",
			container.Width, container.Height, media.Width, media.Height)
	}
	s.Resize(surface)
	return surface, nil
}

// ToggleEnlarged flips the enlarged state of a displayed detection. It reports
// the new state and whether the detection is displayed.
func (s *Session) ToggleEnlarged(id string) (bool, bool) {
	s.mu.Lock()
	enlarged, found := s.reconciler.ToggleEnlarged(id)
	if !found {
		s.mu.Unlock()
		return false, false
	}
	snap, version := s.changedLocked()
	s.mu.Unlock()

	s.emit(snap, version)
	return enlarged, true
}

// Snapshot returns the current displayed state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// changedLocked records a state change and returns the resulting snapshot with
// its version.
func (s *Session) changedLocked() (Snapshot, uint64) {
	s.version++
	return s.snapshotLocked(), s.version
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:  s.id,
		FrameIndex: s.frameIndex,
		MediaTime:  s.mediaTime,
		Surface:    s.surface,
		Detections: s.reconciler.Displayed(),
	}
}

// Run drives the session from clock until ctx is cancelled, the clock ends, or
// Close is called. Reaching the end of playback is not an error, and a session
// whose loop has returned may be run again.
func (s *Session) Run(ctx context.Context, clock FrameClock) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.done != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.clock = clock
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	logger.Info("Session", "Session %s frame loop started", s.id)
	for {
		meta, err := clock.NextFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrPlaybackEnded):
				if !s.finish(clock, done) {
					logger.Debug("Session", "Session %s rewound before the loop exited", s.id)
					continue
				}
				logger.Info("Session", "Session %s reached end of playback", s.id)
				return nil
			case ctx.Err() != nil:
				logger.Debug("Session", "Session %s frame loop stopped", s.id)
				return nil
			default:
				return fmt.Errorf("next frame: %w", err)
			}
		}
		s.Tick(meta)
	}
}

// finish marks the loop started with done as stopped, unless the clock was
// rewound after it reported the end. The check and the reset share one s.mu
// section: a caller that seeks and then asks Running either finds this loop
// still going or finds it gone, never a loop about to exit.
func (s *Session) finish(clock FrameClock, done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := clock.(interface{ Ended() bool }); ok && !e.Ended() {
		return false
	}
	if s.done == done {
		s.cancel, s.done = nil, nil
	}
	return true
}

// Running reports whether a frame loop is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Start runs the session in a new goroutine. Starting a session that is
// already running or closed does nothing.
func (s *Session) Start(ctx context.Context, clock FrameClock) {
	go func() {
		err := s.Run(ctx, clock)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrSessionClosed):
			logger.Debug("Session", "Session %s not started: %v", s.id, err)
		default:
			logger.Error("Session", "Session %s frame loop failed: %v", s.id, err)
		}
	}()
}

// Close stops the frame loop, waits for it to exit and clears the display.
// Ticks arriving afterwards are ignored. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done, clock := s.cancel, s.done, s.clock
	s.mu.Unlock()

	if cb, ok := clock.(*CallbackClock); ok {
		cb.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	s.reconciler.Reset()
	s.mu.Unlock()

	if s.metrics != nil {
		metrics.Dec(&s.metrics.ActiveSessions)
		s.metrics.DisplayedCount.Store(0)
	}
	logger.Info("Session", "Session %s closed", s.id)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
