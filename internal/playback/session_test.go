package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/geometry"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/fbn/imgrec/overlay-server/internal/tracking"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSurface = geometry.Size{Width: 1000, Height: 500}

func newTestSession(t *testing.T, result *types.VideoRecognitionResult) (*Session, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	s := NewSession(result, Options{Colors: tracking.MonoPalette{}, Surface: testSurface, Metrics: m})
	t.Cleanup(s.Close)
	return s, m
}

func TestSessionTickUpdatesDisplay(t *testing.T) {
	s, m := newTestSession(t, newResult(10, 10))

	assert.Equal(t, -1, s.Snapshot().FrameIndex)
	require.True(t, s.Tick(FrameMetadata{MediaTime: 0.3}))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.FrameIndex)
	assert.InDelta(t, 0.3, snap.MediaTime, 1e-9)
	require.Len(t, snap.Detections, 1)
	assert.Equal(t, "obj", snap.Detections[0].DetectionID)
	assert.Equal(t, tracking.MonoColor, snap.Detections[0].Color)
	assert.Equal(t, s.ID(), snap.SessionID)

	assert.Equal(t, uint64(1), m.Ticks.Load())
	assert.Equal(t, uint64(1), m.FramesSynced.Load())
	assert.Equal(t, uint64(1), m.DetectionsAdded.Load())
	assert.Equal(t, uint64(1), m.DisplayedCount.Load())
}

func TestSessionMisalignedFrameKeepsDisplay(t *testing.T) {
	result := newResult(10, 10)
	result.Frames[5].FrameIndex = 7
	s, m := newTestSession(t, result)

	require.True(t, s.Tick(FrameMetadata{MediaTime: 0.4}))
	before := s.Snapshot()

	assert.False(t, s.Tick(FrameMetadata{MediaTime: 0.5}))
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, uint64(1), m.FramesMisaligned.Load())

	assert.False(t, s.Tick(FrameMetadata{MediaTime: 5}))
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, uint64(1), m.FramesMissed.Load())
}

func TestSessionSortsBeforeReconcile(t *testing.T) {
	result := &types.VideoRecognitionResult{FrameRate: 1, Frames: []types.FrameRecord{{
		FrameIndex: 0,
		Detections: []types.Detection{
			{ID: "far", Box: types.Box{X: 0.9, Y: 0.9, W: 0.1, H: 0.1}, Confidence: 0.9},
			{ID: "near", Box: types.Box{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}, Confidence: 0.9},
		},
	}}}
	s, _ := newTestSession(t, result)

	require.True(t, s.Tick(FrameMetadata{MediaTime: 0}))
	snap := s.Snapshot()
	require.Len(t, snap.Detections, 2)
	assert.Equal(t, "near", snap.Detections[0].DetectionID)
	assert.Equal(t, "far", snap.Detections[1].DetectionID)
}

func TestSessionWithoutViewportSkips(t *testing.T) {
	s := NewSession(newResult(10, 10), Options{})
	defer s.Close()

	assert.False(t, s.Tick(FrameMetadata{MediaTime: 0}))

	surface, err := s.SetViewport(geometry.Size{Width: 1000, Height: 1000}, geometry.Size{Width: 1920, Height: 1080})
	require.NoError(t, err)
	assert.InDelta(t, 562.5, surface.Height, 1e-9)
	assert.True(t, s.Tick(FrameMetadata{MediaTime: 0}))

	_, err = s.SetViewport(geometry.Size{}, geometry.Size{Width: 1920, Height: 1080})
	assert.Error(t, err)
}

func TestSessionResize(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))
	s.Tick(FrameMetadata{MediaTime: 0})

	s.Resize(geometry.Size{Width: 500, Height: 250})
	snap := s.Snapshot()
	assert.Equal(t, geometry.Size{Width: 500, Height: 250}, snap.Surface)
	assert.InDelta(t, 50, snap.Detections[0].Rect.Width, 1e-9)
}

func TestSessionToggleEnlargedSurvivesTicks(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))
	s.Tick(FrameMetadata{MediaTime: 0})

	enlarged, found := s.ToggleEnlarged("obj")
	require.True(t, found)
	assert.True(t, enlarged)

	s.Tick(FrameMetadata{MediaTime: 0.1})
	assert.True(t, s.Snapshot().Detections[0].Enlarged)

	_, found = s.ToggleEnlarged("nope")
	assert.False(t, found)
}

func TestSessionSubscribe(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))

	var got []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		got = append(got, snap)
	})

	s.Tick(FrameMetadata{MediaTime: 0})
	s.Tick(FrameMetadata{MediaTime: 50}) // miss, no notification
	s.Tick(FrameMetadata{MediaTime: 0.2})
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].FrameIndex)
	assert.Equal(t, 2, got[1].FrameIndex)

	unsubscribe()
	unsubscribe()
	s.Tick(FrameMetadata{MediaTime: 0.3})
	assert.Len(t, got, 2)
}

func TestSessionEmitDropsOlderSnapshots(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))

	var got []int
	s.Subscribe(func(snap Snapshot) { got = append(got, snap.FrameIndex) })

	s.emit(Snapshot{FrameIndex: 4}, 2)
	s.emit(Snapshot{FrameIndex: 3}, 1)
	s.emit(Snapshot{FrameIndex: 5}, 3)
	assert.Equal(t, []int{4, 5}, got)
}

func TestSessionListenersEndOnLatestState(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))

	var mu sync.Mutex
	var last Snapshot
	s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		last = snap
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Tick(FrameMetadata{MediaTime: float64(i%10) / 10})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Resize(geometry.Size{Width: float64(100 + i), Height: 50})
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, s.Snapshot(), last)
}

func TestSessionCloseIgnoresStaleTicks(t *testing.T) {
	m := metrics.New()
	s := NewSession(newResult(10, 10), Options{Surface: testSurface, Metrics: m})
	s.Tick(FrameMetadata{MediaTime: 0})
	assert.Equal(t, uint64(1), m.ActiveSessions.Load())

	s.Close()
	s.Close()

	assert.True(t, s.Closed())
	assert.False(t, s.Tick(FrameMetadata{MediaTime: 0.1}))
	assert.Equal(t, uint64(1), m.StaleTicks.Load())
	assert.Empty(t, s.Snapshot().Detections)
	assert.Equal(t, uint64(0), m.ActiveSessions.Load())
	assert.ErrorIs(t, s.Run(context.Background(), NewCallbackClock()), ErrSessionClosed)
}

func TestSessionRunWithCallbackClock(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))
	clock := NewCallbackClock()

	updates := make(chan Snapshot, 10)
	s.Subscribe(func(snap Snapshot) { updates <- snap })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background(), clock) }()

	clock.Present(FrameMetadata{MediaTime: 0.4})

	select {
	case snap := <-updates:
		assert.Equal(t, 4, snap.FrameIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after presented frame")
	}

	s.Close()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestSessionRunTwice(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))
	clock := NewCallbackClock()

	started := make(chan struct{})
	go func() {
		close(started)
		_ = s.Run(context.Background(), clock)
	}()
	<-started

	require.Eventually(t, func() bool { return s.Clock() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background(), clock), ErrAlreadyRunning)
}

func TestSessionRunStopsAtEnd(t *testing.T) {
	s, _ := newTestSession(t, newResult(100, 5))
	clock := NewTickerClock(100, 5)
	clock.Play()

	var mu sync.Mutex
	var frames []int
	s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		frames = append(frames, snap.FrameIndex)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, clock))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, frames)
}

func TestSessionRunAgainAfterEnd(t *testing.T) {
	s, m := newTestSession(t, newResult(100, 3))
	clock := NewTickerClock(100, 3)
	clock.Play()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, clock))
	assert.False(t, s.Running())
	assert.True(t, clock.Ended())

	clock.Seek(0)
	assert.False(t, clock.Ended())
	require.NoError(t, s.Run(ctx, clock))
	assert.Equal(t, uint64(6), m.FramesSynced.Load())
	assert.Equal(t, 2, s.Snapshot().FrameIndex)
}

type failingClock struct{}

func (failingClock) NextFrame(context.Context) (FrameMetadata, error) {
	return FrameMetadata{}, errors.New("decoder gone")
}

// rewoundClock reports the end once, but is already rewound when asked.
type rewoundClock struct{ calls int }

func (c *rewoundClock) NextFrame(context.Context) (FrameMetadata, error) {
	c.calls++
	if c.calls == 2 {
		return FrameMetadata{MediaTime: 0.1}, nil
	}
	return FrameMetadata{}, ErrPlaybackEnded
}

func (c *rewoundClock) Ended() bool { return c.calls > 2 }

func TestSessionRunContinuesWhenRewoundAtEnd(t *testing.T) {
	s, m := newTestSession(t, newResult(10, 10))
	clock := &rewoundClock{}

	require.NoError(t, s.Run(context.Background(), clock))
	assert.Equal(t, 3, clock.calls)
	assert.Equal(t, uint64(1), m.FramesSynced.Load())
	assert.Equal(t, 1, s.Snapshot().FrameIndex)
	assert.False(t, s.Running())
}

func TestSessionRunReturnsClockError(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))
	err := s.Run(context.Background(), failingClock{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder gone")
}

func TestSessionRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestSession(t, newResult(10, 10))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, NewTickerClock(10, 10)) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
