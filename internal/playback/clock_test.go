package playback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerClockPresentsFramesInOrder(t *testing.T) {
	clock := NewTickerClock(200, 3)
	clock.Play()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		meta, err := clock.NextFrame(ctx)
		require.NoError(t, err)
		assert.InDelta(t, float64(i)/200, meta.MediaTime, 1e-9)
		assert.Equal(t, uint64(i+1), meta.PresentedFrames)
	}

	_, err := clock.NextFrame(ctx)
	assert.ErrorIs(t, err, ErrPlaybackEnded)
}

func TestTickerClockPacesFrames(t *testing.T) {
	clock := NewTickerClock(20, 3) // 50ms per frame
	clock.Play()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := clock.NextFrame(ctx)
		require.NoError(t, err)
	}
	// First frame is immediate, the next two wait one interval each.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestTickerClockBlocksWhilePaused(t *testing.T) {
	clock := NewTickerClock(100, 10)
	assert.False(t, clock.Playing())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := clock.NextFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		clock.Play()
	}()
	meta, err := clock.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, meta.MediaTime)
	assert.True(t, clock.Playing())

	clock.Pause()
	assert.False(t, clock.Playing())
}

func TestTickerClockSeek(t *testing.T) {
	clock := NewTickerClock(10, 100)
	clock.Seek(2.5)
	assert.InDelta(t, 2.5, clock.Position(), 1e-9)

	clock.Play()
	meta, err := clock.NextFrame(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, meta.MediaTime, 1e-9)

	clock.Seek(-3)
	assert.Equal(t, 0.0, clock.Position())

	clock.Seek(50)
	_, err = clock.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrPlaybackEnded)
}

func TestCallbackClockKeepsNewest(t *testing.T) {
	clock := NewCallbackClock()

	assert.False(t, clock.Present(FrameMetadata{MediaTime: 0.1}))
	assert.True(t, clock.Present(FrameMetadata{MediaTime: 0.2}))

	meta, err := clock.NextFrame(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, meta.MediaTime, 1e-9)
	assert.False(t, meta.PresentedAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = clock.NextFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackClockClose(t *testing.T) {
	clock := NewCallbackClock()
	clock.Present(FrameMetadata{MediaTime: 1})
	clock.Close()
	clock.Close()

	// Pending notification is still delivered.
	meta, err := clock.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, meta.MediaTime)

	_, err = clock.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrPlaybackEnded)

	assert.False(t, clock.Present(FrameMetadata{MediaTime: 2}))
	_, err = clock.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrPlaybackEnded)
}

func TestCallbackClockWakesWaiter(t *testing.T) {
	clock := NewCallbackClock()

	got := make(chan FrameMetadata, 1)
	go func() {
		meta, err := clock.NextFrame(context.Background())
		if err == nil {
			got <- meta
		}
	}()

	time.Sleep(10 * time.Millisecond)
	clock.Present(FrameMetadata{MediaTime: 0.7})

	select {
	case meta := <-got:
		assert.InDelta(t, 0.7, meta.MediaTime, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
}
