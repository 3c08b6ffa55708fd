package tracking

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
)

// Color modes accepted by NewColorPicker.
const (
	ColorModeTracked = "tracked"
	ColorModeMono    = "mono"
)

// MonoColor is the color given to every detection when tracking colors are off.
const MonoColor = "white"

const (
	minBrightness    = 0.7
	brightenFactor   = 1.2
	maxBrightenSteps = 32
)

// ColorPicker assigns a display color to a newly seen detection id.
// Implementations must be safe for concurrent use.
type ColorPicker interface {
	Pick(id string) string
}

// NewColorPicker returns the picker for the given mode.
func NewColorPicker(mode string) (ColorPicker, error) {
	switch mode {
	case ColorModeTracked, "":
		return NewBrightPalette(nil), nil
	case ColorModeMono:
		return MonoPalette{}, nil
	default:
		return nil, fmt.Errorf("unknown color mode %q", mode)
	}
}

// MonoPalette paints every detection the same color.
type MonoPalette struct{}

// Pick implements ColorPicker.
func (MonoPalette) Pick(string) string { return MonoColor }

// BrightPalette picks random colors and brightens them until their perceived
// luminance reaches 0.7, so boxes stay readable over dark video.
type BrightPalette struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBrightPalette creates a palette. A nil rng uses a randomly seeded generator.
func NewBrightPalette(rng *rand.Rand) *BrightPalette {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &BrightPalette{rng: rng}
}

// Pick implements ColorPicker. The id is not used: colors are random per new id.
func (p *BrightPalette) Pick(string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		r, g, b := p.rng.IntN(256), p.rng.IntN(256), p.rng.IntN(256)
		if r, g, b, ok := brighten(r, g, b); ok {
			return hexColor(r, g, b)
		}
		// Too dark to ever reach the threshold (e.g. #000000), draw again.
	}
}

// brighten scales the channels by 1.2 until the luminance threshold is met.
// It reports false when the color cannot get bright enough.
func brighten(r, g, b int) (int, int, int, bool) {
	for step := 0; step < maxBrightenSteps; step++ {
		if Luminance(r, g, b) >= minBrightness {
			return r, g, b, true
		}
		nr, ng, nb := scale(r), scale(g), scale(b)
		if nr == r && ng == g && nb == b {
			return r, g, b, false
		}
		r, g, b = nr, ng, nb
	}
	return r, g, b, false
}

func scale(c int) int {
	return min(int(math.Round(float64(c)*brightenFactor)), 255)
}

// Luminance returns the perceived brightness of an RGB color in [0,1].
func Luminance(r, g, b int) float64 {
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 255
}

func hexColor(r, g, b int) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// ParseHexColor parses "#rrggbb" (the leading # is optional).
func ParseHexColor(s string) (r, g, b uint8, err error) {
	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), nil
}
