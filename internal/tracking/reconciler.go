// Package tracking keeps the list of displayed detections consistent from one
// frame to the next, preserving the visual identity (color, enlarged state) of
// every detection id that stays on screen.
package tracking

import (
	"github.com/fbn/imgrec/overlay-server/internal/geometry"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
)

// LowConfidenceThreshold is the confidence below which a detection is dimmed.
const LowConfidenceThreshold = 0.8

const (
	dimmedOpacity = 0.4
	fullOpacity   = 1.0
)

// DisplayedDetection is a detection as currently shown on the media surface.
type DisplayedDetection struct {
	DetectionID string          `json:"id"`
	Source      types.Detection `json:"data"`
	Rect        geometry.Rect   `json:"rect"`
	Color       string          `json:"color"`
	Opacity     float64         `json:"opacity"`
	Enlarged    bool            `json:"enlarged"`
}

// OpacityForConfidence returns 0.4 for confidence below 0.8 and 1.0 otherwise.
func OpacityForConfidence(confidence float64) float64 {
	if confidence < LowConfidenceThreshold {
		return dimmedOpacity
	}
	return fullOpacity
}

// Stats summarizes one Reconcile pass.
type Stats struct {
	Added   int
	Updated int
	Removed int
}

// Changed reports whether the pass touched the displayed list at all.
func (s Stats) Changed() bool {
	return s.Added+s.Updated+s.Removed > 0
}

// Reconciler owns the displayed detection list. It is not safe for concurrent
// use; callers serialize access (playback.Session holds a mutex around it).
type Reconciler struct {
	colors    ColorPicker
	displayed []DisplayedDetection
	surface   geometry.Size
}

// NewReconciler creates an empty reconciler. A nil picker falls back to MonoPalette.
func NewReconciler(colors ColorPicker) *Reconciler {
	if colors == nil {
		colors = MonoPalette{}
	}
	return &Reconciler{colors: colors}
}

// Reconcile replaces the displayed list with next, laid out on surface.
//
// Entries whose id is still present keep their color and enlarged state and
// take the new source, rect and opacity. Entries whose id is gone are removed.
// New ids are appended in the order of next with a freshly picked color.
// If an id appears more than once in next, the first occurrence is used.
func (r *Reconciler) Reconcile(next []types.Detection, surface geometry.Size) Stats {
	r.surface = surface

	nextByID := make(map[string]types.Detection, len(next))
	for _, det := range next {
		if _, dup := nextByID[det.ID]; !dup {
			nextByID[det.ID] = det
		}
	}

	var stats Stats
	seen := make(map[string]struct{}, len(next))
	updated := make([]DisplayedDetection, 0, len(next))

	// Surviving entries first, in their current display order.
	for _, prev := range r.displayed {
		det, ok := nextByID[prev.DetectionID]
		if !ok {
			stats.Removed++
			continue
		}
		prev.Source = det
		prev.Rect = geometry.BoxToRect(det.Box, surface)
		prev.Opacity = OpacityForConfidence(det.Confidence)
		updated = append(updated, prev)
		seen[det.ID] = struct{}{}
		stats.Updated++
	}

	for _, det := range next {
		if _, ok := seen[det.ID]; ok {
			continue
		}
		seen[det.ID] = struct{}{}
		updated = append(updated, DisplayedDetection{
			DetectionID: det.ID,
			Source:      det,
			Rect:        geometry.BoxToRect(det.Box, surface),
			Color:       r.colors.Pick(det.ID),
			Opacity:     OpacityForConfidence(det.Confidence),
		})
		stats.Added++
	}

	r.displayed = updated
	return stats
}

// Resize recomputes every rect for a new surface size. Colors, opacity and
// enlarged state are untouched.
func (r *Reconciler) Resize(surface geometry.Size) {
	r.surface = surface
	for i := range r.displayed {
		r.displayed[i].Rect = geometry.BoxToRect(r.displayed[i].Source.Box, surface)
	}
}

// Surface returns the surface size used by the last Reconcile or Resize.
func (r *Reconciler) Surface() geometry.Size {
	return r.surface
}

// ToggleEnlarged enlarges the entry with the given id, or restores it if it is
// already enlarged. At most one entry is enlarged at a time. It returns the new
// enlarged state and false when id is not displayed.
func (r *Reconciler) ToggleEnlarged(id string) (enlarged bool, found bool) {
	idx := -1
	for i := range r.displayed {
		if r.displayed[i].DetectionID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}

	enlarged = !r.displayed[idx].Enlarged
	for i := range r.displayed {
		r.displayed[i].Enlarged = false
	}
	r.displayed[idx].Enlarged = enlarged
	return enlarged, true
}

// Displayed returns a copy of the displayed list.
func (r *Reconciler) Displayed() []DisplayedDetection {
	out := make([]DisplayedDetection, len(r.displayed))
	copy(out, r.displayed)
	return out
}

// Len returns the number of displayed entries.
func (r *Reconciler) Len() int {
	return len(r.displayed)
}

// Reset clears the displayed list.
func (r *Reconciler) Reset() {
	r.displayed = nil
}
