// Package overlay rasterizes displayed detections onto a transparent image
// the size of the media surface.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/fbn/imgrec/overlay-server/internal/geometry"
	"github.com/fbn/imgrec/overlay-server/internal/tracking"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxThickness      = 2
	enlargedThickness = 4
	maxSurfaceSide    = 8192
)

var namedColors = map[string]color.NRGBA{
	"white": {255, 255, 255, 255},
	"black": {0, 0, 0, 255},
	"red":   {255, 0, 0, 255},
	"green": {0, 255, 0, 255},
	"blue":  {0, 0, 255, 255},
}

// ParseColor resolves a display color ("#rrggbb" or a basic name) to an opaque color.
func ParseColor(s string) (color.NRGBA, error) {
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	r, g, b, err := tracking.ParseHexColor(s)
	if err != nil {
		return color.NRGBA{}, err
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// Render draws every detection on a transparent RGBA image of the surface size.
// The box color carries the detection opacity; enlarged detections get a
// thicker border.
func Render(surface geometry.Size, detections []tracking.DisplayedDetection) (*image.RGBA, error) {
	if surface.Empty() {
		return nil, fmt.Errorf("empty surface %vx%v", surface.Width, surface.Height)
	}
	w := int(math.Round(surface.Width))
	h := int(math.Round(surface.Height))
	if w > maxSurfaceSide || h > maxSurfaceSide {
		return nil, fmt.Errorf("surface %dx%d too large", w, h)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for _, det := range detections {
		c, err := ParseColor(det.Color)
		if err != nil {
			c = namedColors["white"]
		}
		c.A = uint8(math.Round(det.Opacity * 255))

		thickness := boxThickness
		if det.Enlarged {
			thickness = enlargedThickness
		}

		bounds := det.Rect.Bounds(surface)
		drawBox(img, bounds, c, thickness)

		label := fmt.Sprintf("%s %.0f%%", det.Source.ClassName, det.Source.Confidence*100)
		drawLabel(img, bounds.Min.X, bounds.Min.Y-14, label, c)
	}
	return img, nil
}

// EncodePNG renders and writes a PNG to w.
func EncodePNG(w io.Writer, surface geometry.Size, detections []tracking.DisplayedDetection) error {
	img, err := Render(surface, detections)
	if err != nil {
		return err
	}
	return EncodeImage(w, img)
}

// EncodeImage writes img to w as a PNG.
func EncodeImage(w io.Writer, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// drawBox draws a rectangle outline, clipped to the image. Only the visible
// part of each edge is walked, so boxes far larger than the image stay cheap.
func drawBox(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	clip := img.Bounds()
	visible := r.Intersect(clip)
	if visible.Empty() {
		return
	}

	row := func(y int) {
		if y < clip.Min.Y || y >= clip.Max.Y {
			return
		}
		for x := visible.Min.X; x < visible.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
	column := func(x int) {
		if x < clip.Min.X || x >= clip.Max.X {
			return
		}
		for y := visible.Min.Y; y < visible.Max.Y; y++ {
			img.Set(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		row(r.Min.Y + t)
		row(r.Max.Y - 1 - t)
		column(r.Min.X + t)
		column(r.Max.X - 1 - t)
	}
}

// drawLabel draws text on a dark background above the box
func drawLabel(img *image.RGBA, x, y int, label string, c color.Color) {
	if y < 2 {
		y = 2
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	clip := img.Bounds()
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			p := image.Pt(x+dx, y+dy)
			if p.In(clip) {
				img.Set(p.X, p.Y, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
