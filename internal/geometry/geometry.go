// Package geometry maps normalized detection boxes onto the rendered media surface.
package geometry

import (
	"image"
	"math"

	"github.com/fbn/imgrec/overlay-server/pkg/types"
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the size cannot host any geometry.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Rect is a pixel rectangle anchored at the bottom-left corner of the surface,
// matching CSS bottom/left overlay positioning.
type Rect struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
}

// BoxToRect converts a center-anchored normalized box into a bottom-left anchored
// pixel rectangle on a surface of the given displayed size.
//
// No clamping is done: boxes reaching outside [0,1] produce rectangles reaching
// outside the surface.
//
// Example:
//
//	BoxToRect(types.Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.4}, Size{1000, 500})
//	// Rect{Width: 200, Height: 200, Left: 400, Bottom: 150}
func BoxToRect(box types.Box, surface Size) Rect {
	width := box.W * surface.Width
	height := box.H * surface.Height
	return Rect{
		Width:  width,
		Height: height,
		Left:   box.X*surface.Width - width/2,
		Bottom: surface.Height - (box.Y*surface.Height + height/2),
	}
}

// Bounds converts the rectangle back to top-left origin integer pixel bounds
// on the given surface, for raster drawing.
func (r Rect) Bounds(surface Size) image.Rectangle {
	top := surface.Height - r.Bottom - r.Height
	return image.Rect(
		int(math.Round(r.Left)),
		int(math.Round(top)),
		int(math.Round(r.Left+r.Width)),
		int(math.Round(top+r.Height)),
	).Canon()
}

// ContainedSize returns the letterboxed size of media with the given native size
// when scaled to fit inside container while preserving its aspect ratio.
// It returns the zero Size when any dimension is not positive.
func ContainedSize(media, container Size) Size {
	if media.Empty() || container.Empty() {
		return Size{}
	}

	aspect := media.Width / media.Height
	if container.Width/container.Height > aspect {
		// Height bound: bars on the left and right
		return Size{Width: container.Height * aspect, Height: container.Height}
	}
	return Size{Width: container.Width, Height: container.Width / aspect}
}
