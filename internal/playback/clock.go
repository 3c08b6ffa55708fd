package playback

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrPlaybackEnded is returned by a FrameClock once no more frames will be presented.
var ErrPlaybackEnded = errors.New("playback ended")

// FrameMetadata describes one presented video frame.
type FrameMetadata struct {
	MediaTime       float64   `json:"media_time"`
	PresentedFrames uint64    `json:"presented_frames,omitempty"`
	PresentedAt     time.Time `json:"-"`
}

// FrameClock delivers one notification per presented frame. Consumers ask for
// the next notification explicitly; a clock never pushes.
type FrameClock interface {
	NextFrame(ctx context.Context) (FrameMetadata, error)
}

// Controller is implemented by clocks whose playback can be steered from the server.
type Controller interface {
	Play()
	Pause()
	Seek(mediaTime float64)
	Playing() bool
}

// TickerClock simulates playback at a fixed frame rate.
type TickerClock struct {
	mu         sync.Mutex
	interval   time.Duration
	frameRate  float64
	frameCount int
	next       int
	playing    bool
	immediate  bool // present next without waiting (after start or seek)
	presented  uint64
	last       time.Time
	wake       chan struct{}
}

// NewTickerClock creates a paused clock over frameCount frames.
func NewTickerClock(frameRate float64, frameCount int) *TickerClock {
	interval := time.Second
	if frameRate > 0 {
		interval = time.Duration(float64(time.Second) / frameRate)
	}
	return &TickerClock{
		interval:   interval,
		frameRate:  frameRate,
		frameCount: frameCount,
		immediate:  true,
		wake:       make(chan struct{}, 1),
	}
}

func (c *TickerClock) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Play resumes playback.
func (c *TickerClock) Play() {
	c.mu.Lock()
	if !c.playing {
		c.playing = true
		c.immediate = true
	}
	c.mu.Unlock()
	c.signal()
}

// Pause stops presenting frames until Play is called.
func (c *TickerClock) Pause() {
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
	c.signal()
}

// Seek moves the playhead. The frame at mediaTime is presented on the next
// NextFrame call if the clock is playing.
func (c *TickerClock) Seek(mediaTime float64) {
	c.mu.Lock()
	idx := 0
	if c.frameRate > 0 && mediaTime > 0 {
		idx = int(math.Round(mediaTime * c.frameRate))
	}
	c.next = idx
	c.immediate = true
	c.mu.Unlock()
	c.signal()
}

// Playing reports whether the clock is presenting frames.
func (c *TickerClock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Position returns the media time of the next frame to present.
func (c *TickerClock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaTimeLocked(c.next)
}

// Ended reports whether every frame has been presented.
func (c *TickerClock) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next >= c.frameCount
}

func (c *TickerClock) mediaTimeLocked(idx int) float64 {
	if c.frameRate <= 0 {
		return 0
	}
	return float64(idx) / c.frameRate
}

// NextFrame blocks until the next frame is due. It blocks indefinitely while
// paused and returns ErrPlaybackEnded after the last frame.
func (c *TickerClock) NextFrame(ctx context.Context) (FrameMetadata, error) {
	for {
		c.mu.Lock()
		if c.next >= c.frameCount {
			c.mu.Unlock()
			return FrameMetadata{}, ErrPlaybackEnded
		}

		if c.playing {
			var wait time.Duration
			if !c.immediate {
				wait = c.interval - time.Since(c.last)
			}
			if wait <= 0 {
				meta := c.presentLocked()
				c.mu.Unlock()
				return meta, nil
			}
			c.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return FrameMetadata{}, ctx.Err()
			case <-c.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return FrameMetadata{}, ctx.Err()
		case <-c.wake:
		}
	}
}

func (c *TickerClock) presentLocked() FrameMetadata {
	now := time.Now()
	c.presented++
	meta := FrameMetadata{
		MediaTime:       c.mediaTimeLocked(c.next),
		PresentedFrames: c.presented,
		PresentedAt:     now,
	}
	c.next++
	c.immediate = false
	c.last = now
	return meta
}

// CallbackClock is fed from outside, typically by the browser's
// requestVideoFrameCallback relayed over HTTP. Only the newest pending
// notification is kept: a consumer that falls behind skips frames.
type CallbackClock struct {
	mu      sync.Mutex
	pending *FrameMetadata
	closed  bool
	ready   chan struct{}
	done    chan struct{}
}

// NewCallbackClock creates an empty callback clock.
func NewCallbackClock() *CallbackClock {
	return &CallbackClock{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Present records a presented frame. It reports whether an older pending
// notification was dropped. Notifications after Close are ignored.
func (c *CallbackClock) Present(meta FrameMetadata) (superseded bool) {
	if meta.PresentedAt.IsZero() {
		meta.PresentedAt = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	superseded = c.pending != nil
	c.pending = &meta
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return superseded
}

// NextFrame waits for the next presented frame.
func (c *CallbackClock) NextFrame(ctx context.Context) (FrameMetadata, error) {
	for {
		c.mu.Lock()
		if c.pending != nil {
			meta := *c.pending
			c.pending = nil
			c.mu.Unlock()
			return meta, nil
		}
		if c.closed {
			c.mu.Unlock()
			return FrameMetadata{}, ErrPlaybackEnded
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return FrameMetadata{}, ctx.Err()
		case <-c.done:
		case <-c.ready:
		}
	}
}

// Close ends the clock. Pending notifications are still delivered first.
func (c *CallbackClock) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
