// Package playback aligns per-frame detection metadata with video playback and
// drives the reconciler from a frame clock.
package playback

import (
	"math"

	"github.com/fbn/imgrec/overlay-server/pkg/types"
)

// Synchronizer maps a media time to the matching frame record of a result.
type Synchronizer struct {
	result *types.VideoRecognitionResult
}

// NewSynchronizer creates a synchronizer over result. The result is treated as
// immutable from here on.
func NewSynchronizer(result *types.VideoRecognitionResult) *Synchronizer {
	return &Synchronizer{result: result}
}

// Result returns the underlying recognition result.
func (s *Synchronizer) Result() *types.VideoRecognitionResult {
	return s.result
}

// FrameIndex returns round(mediaTime * frameRate), rounding half away from zero.
func (s *Synchronizer) FrameIndex(mediaTime float64) int {
	if s.result == nil {
		return 0
	}
	return int(math.Round(mediaTime * s.result.FrameRate))
}

// Lookup returns the frame record presented at mediaTime.
//
// It reports false when the computed index is out of range, or when the record
// stored at that position carries a different frame_index. In both cases the
// caller keeps what is currently displayed.
func (s *Synchronizer) Lookup(mediaTime float64) (types.FrameRecord, int, bool) {
	if s.result == nil || math.IsNaN(mediaTime) || math.IsInf(mediaTime, 0) {
		return types.FrameRecord{}, 0, false
	}

	idx := s.FrameIndex(mediaTime)
	if idx < 0 || idx >= len(s.result.Frames) {
		return types.FrameRecord{}, idx, false
	}

	frame := s.result.Frames[idx]
	if frame.FrameIndex != idx {
		return types.FrameRecord{}, idx, false
	}
	return frame, idx, true
}

// Aligned reports whether the record at idx exists but carries another index.
// It lets callers tell a misaligned result apart from running past the end.
func (s *Synchronizer) Aligned(idx int) bool {
	if s.result == nil || idx < 0 || idx >= len(s.result.Frames) {
		return true
	}
	return s.result.Frames[idx].FrameIndex == idx
}

// MediaTime returns the media time at which frame idx is presented.
func (s *Synchronizer) MediaTime(idx int) float64 {
	if s.result == nil || s.result.FrameRate <= 0 {
		return 0
	}
	return float64(idx) / s.result.FrameRate
}

// FrameCount returns the number of frame records.
func (s *Synchronizer) FrameCount() int {
	if s.result == nil {
		return 0
	}
	return len(s.result.Frames)
}
