package playback

import (
	"math"
	"testing"

	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newResult builds a result with n aligned frames, each holding one detection
// whose id encodes the frame index.
func newResult(frameRate float64, n int) *types.VideoRecognitionResult {
	frames := make([]types.FrameRecord, n)
	for i := range frames {
		frames[i] = types.FrameRecord{
			FrameIndex: i,
			Detections: []types.Detection{{
				ID:         "obj",
				Box:        types.Box{X: 0.5, Y: 0.5, W: 0.1, H: 0.1},
				ClassName:  "person",
				Confidence: float64(i) / float64(n),
			}},
		}
	}
	return &types.VideoRecognitionResult{FrameRate: frameRate, Frames: frames}
}

func TestFrameIndex(t *testing.T) {
	s := NewSynchronizer(newResult(30, 10))

	tests := []struct {
		mediaTime float64
		expected  int
	}{
		{0, 0},
		{0.1, 3},
		{0.0166, 0}, // 0.498 rounds down
		{0.0167, 1}, // 0.501 rounds up
		{1.0 / 60, 1},
		{10, 300},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, s.FrameIndex(tt.mediaTime), "mediaTime=%v", tt.mediaTime)
	}
}

func TestLookup(t *testing.T) {
	s := NewSynchronizer(newResult(30, 10))

	frame, idx, ok := s.Lookup(0.1)
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, 3, frame.FrameIndex)
}

func TestLookupOutOfRange(t *testing.T) {
	s := NewSynchronizer(newResult(30, 10))

	for _, mediaTime := range []float64{-1, 0.334, 100, math.NaN(), math.Inf(1)} {
		_, _, ok := s.Lookup(mediaTime)
		assert.False(t, ok, "mediaTime=%v", mediaTime)
	}
}

func TestLookupRoundsSlightlyNegativeTime(t *testing.T) {
	s := NewSynchronizer(newResult(30, 10))

	// -0.01s is 0.3 frames before the start and rounds to the first frame.
	frame, idx, ok := s.Lookup(-0.01)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 0, frame.FrameIndex)
}

func TestLookupMismatchGuard(t *testing.T) {
	result := newResult(10, 10)
	result.Frames[5].FrameIndex = 7
	s := NewSynchronizer(result)

	_, idx, ok := s.Lookup(0.5)
	assert.False(t, ok)
	assert.Equal(t, 5, idx)
	assert.False(t, s.Aligned(5))
	assert.True(t, s.Aligned(4))
	assert.True(t, s.Aligned(99))
}

func TestSynchronizerEmptyResult(t *testing.T) {
	s := NewSynchronizer(&types.VideoRecognitionResult{FrameRate: 25})
	_, _, ok := s.Lookup(0)
	assert.False(t, ok)
	assert.Equal(t, 0, s.FrameCount())

	var nilSync = NewSynchronizer(nil)
	_, _, ok = nilSync.Lookup(0)
	assert.False(t, ok)
}

func TestMediaTime(t *testing.T) {
	s := NewSynchronizer(newResult(25, 10))
	assert.InDelta(t, 0.2, s.MediaTime(5), 1e-9)
	assert.Equal(t, 5, s.FrameIndex(s.MediaTime(5)))
}
