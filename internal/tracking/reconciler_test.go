package tracking

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/fbn/imgrec/overlay-server/internal/geometry"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var surface = geometry.Size{Width: 1000, Height: 500}

// sequencePicker hands out color-1, color-2, ... so tests can tell picks apart.
type sequencePicker struct{ n int }

func (p *sequencePicker) Pick(string) string {
	p.n++
	return fmt.Sprintf("color-%d", p.n)
}

func detection(id string, x, y, confidence float64) types.Detection {
	return types.Detection{
		ID:         id,
		Box:        types.Box{X: x, Y: y, W: 0.2, H: 0.4},
		ClassName:  "person",
		Confidence: confidence,
	}
}

func ids(displayed []DisplayedDetection) []string {
	out := make([]string, len(displayed))
	for i, d := range displayed {
		out[i] = d.DetectionID
	}
	return out
}

func TestReconcileAddsNewDetections(t *testing.T) {
	r := NewReconciler(&sequencePicker{})

	stats := r.Reconcile([]types.Detection{
		detection("a", 0.5, 0.5, 0.9),
		detection("b", 0.2, 0.2, 0.5),
	}, surface)

	assert.Equal(t, Stats{Added: 2}, stats)
	displayed := r.Displayed()
	require.Len(t, displayed, 2)

	assert.Equal(t, []string{"a", "b"}, ids(displayed))
	assert.Equal(t, "color-1", displayed[0].Color)
	assert.Equal(t, "color-2", displayed[1].Color)
	assert.False(t, displayed[0].Enlarged)
	assert.Equal(t, geometry.Rect{Width: 200, Height: 200, Left: 400, Bottom: 150}, displayed[0].Rect)
	assert.Equal(t, 1.0, displayed[0].Opacity)
	assert.Equal(t, 0.4, displayed[1].Opacity)
}

func TestReconcileIsIdempotent(t *testing.T) {
	r := NewReconciler(&sequencePicker{})
	next := []types.Detection{detection("a", 0.5, 0.5, 0.9), detection("b", 0.2, 0.2, 0.5)}

	r.Reconcile(next, surface)
	first := r.Displayed()

	stats := r.Reconcile(next, surface)
	assert.Equal(t, Stats{Updated: 2}, stats)
	assert.Equal(t, first, r.Displayed())
}

func TestReconcileKeepsIdentity(t *testing.T) {
	r := NewReconciler(&sequencePicker{})
	r.Reconcile([]types.Detection{detection("a", 0.5, 0.5, 0.9)}, surface)
	_, found := r.ToggleEnlarged("a")
	require.True(t, found)

	// Same id moved and lost confidence.
	r.Reconcile([]types.Detection{detection("a", 0.3, 0.6, 0.5)}, surface)

	displayed := r.Displayed()
	require.Len(t, displayed, 1)
	assert.Equal(t, "color-1", displayed[0].Color)
	assert.True(t, displayed[0].Enlarged)
	assert.Equal(t, 0.4, displayed[0].Opacity)
	assert.InDelta(t, 0.3, displayed[0].Source.Box.X, 1e-9)
	assert.Equal(t, geometry.BoxToRect(types.Box{X: 0.3, Y: 0.6, W: 0.2, H: 0.4}, surface), displayed[0].Rect)
}

func TestReconcileRemovesMissingDetections(t *testing.T) {
	r := NewReconciler(&sequencePicker{})
	r.Reconcile([]types.Detection{
		detection("a", 0.1, 0.1, 0.9),
		detection("b", 0.2, 0.2, 0.9),
		detection("c", 0.3, 0.3, 0.9),
	}, surface)

	stats := r.Reconcile([]types.Detection{detection("b", 0.2, 0.2, 0.9)}, surface)

	assert.Equal(t, Stats{Updated: 1, Removed: 2}, stats)
	assert.Equal(t, []string{"b"}, ids(r.Displayed()))
}

func TestReconcileRemovesAdjacentEntries(t *testing.T) {
	// Two neighbouring entries disappearing in the same pass must both go.
	r := NewReconciler(&sequencePicker{})
	r.Reconcile([]types.Detection{
		detection("a", 0.1, 0.1, 0.9),
		detection("b", 0.2, 0.2, 0.9),
		detection("c", 0.3, 0.3, 0.9),
		detection("d", 0.4, 0.4, 0.9),
	}, surface)

	r.Reconcile([]types.Detection{detection("a", 0.1, 0.1, 0.9), detection("d", 0.4, 0.4, 0.9)}, surface)
	assert.Equal(t, []string{"a", "d"}, ids(r.Displayed()))
}

func TestReconcileMixedPass(t *testing.T) {
	r := NewReconciler(&sequencePicker{})
	r.Reconcile([]types.Detection{detection("a", 0.1, 0.1, 0.9), detection("b", 0.2, 0.2, 0.9)}, surface)

	stats := r.Reconcile([]types.Detection{
		detection("c", 0.3, 0.3, 0.9),
		detection("b", 0.2, 0.2, 0.9),
		detection("d", 0.4, 0.4, 0.9),
	}, surface)

	assert.Equal(t, Stats{Added: 2, Updated: 1, Removed: 1}, stats)
	displayed := r.Displayed()
	assert.Equal(t, []string{"b", "c", "d"}, ids(displayed))
	assert.Equal(t, "color-2", displayed[0].Color)
	assert.Equal(t, "color-3", displayed[1].Color)
	assert.Equal(t, "color-4", displayed[2].Color)
}

func TestReconcileEmptyFrameClearsDisplay(t *testing.T) {
	r := NewReconciler(nil)
	r.Reconcile([]types.Detection{detection("a", 0.5, 0.5, 0.9)}, surface)

	stats := r.Reconcile(nil, surface)
	assert.Equal(t, Stats{Removed: 1}, stats)
	assert.Empty(t, r.Displayed())
	assert.Equal(t, 0, r.Len())
}

func TestReconcileDuplicateIDsFirstWins(t *testing.T) {
	r := NewReconciler(&sequencePicker{})

	stats := r.Reconcile([]types.Detection{
		detection("a", 0.5, 0.5, 0.9),
		detection("a", 0.1, 0.1, 0.3),
	}, surface)

	assert.Equal(t, Stats{Added: 1}, stats)
	displayed := r.Displayed()
	require.Len(t, displayed, 1)
	assert.InDelta(t, 0.5, displayed[0].Source.Box.X, 1e-9)
	assert.Equal(t, 1.0, displayed[0].Opacity)

	// Same rule for an id that is already displayed.
	r.Reconcile([]types.Detection{
		detection("a", 0.2, 0.2, 0.3),
		detection("a", 0.7, 0.7, 0.9),
	}, surface)
	displayed = r.Displayed()
	require.Len(t, displayed, 1)
	assert.InDelta(t, 0.2, displayed[0].Source.Box.X, 1e-9)
}

func TestOpacityForConfidence(t *testing.T) {
	tests := []struct {
		confidence float64
		expected   float64
	}{
		{0.0, 0.4},
		{0.5, 0.4},
		{0.79999, 0.4},
		{0.8, 1.0},
		{0.95, 1.0},
		{1.0, 1.0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.confidence), func(t *testing.T) {
			assert.Equal(t, tt.expected, OpacityForConfidence(tt.confidence))
		})
	}
}

func TestResizeKeepsColors(t *testing.T) {
	r := NewReconciler(&sequencePicker{})
	r.Reconcile([]types.Detection{detection("a", 0.5, 0.5, 0.9)}, surface)

	small := geometry.Size{Width: 500, Height: 250}
	r.Resize(small)

	displayed := r.Displayed()
	require.Len(t, displayed, 1)
	assert.Equal(t, "color-1", displayed[0].Color)
	assert.Equal(t, geometry.Rect{Width: 100, Height: 100, Left: 200, Bottom: 75}, displayed[0].Rect)
	assert.Equal(t, small, r.Surface())
}

func TestToggleEnlarged(t *testing.T) {
	r := NewReconciler(nil)
	r.Reconcile([]types.Detection{detection("a", 0.1, 0.1, 0.9), detection("b", 0.2, 0.2, 0.9)}, surface)

	enlarged, found := r.ToggleEnlarged("a")
	assert.True(t, found)
	assert.True(t, enlarged)

	// Enlarging b restores a.
	enlarged, found = r.ToggleEnlarged("b")
	assert.True(t, found)
	assert.True(t, enlarged)
	displayed := r.Displayed()
	assert.False(t, displayed[0].Enlarged)
	assert.True(t, displayed[1].Enlarged)

	enlarged, _ = r.ToggleEnlarged("b")
	assert.False(t, enlarged)

	_, found = r.ToggleEnlarged("missing")
	assert.False(t, found)
}

func TestDisplayedReturnsCopy(t *testing.T) {
	r := NewReconciler(nil)
	r.Reconcile([]types.Detection{detection("a", 0.5, 0.5, 0.9)}, surface)

	out := r.Displayed()
	out[0].Color = "red"
	assert.Equal(t, MonoColor, r.Displayed()[0].Color)
}

func TestReset(t *testing.T) {
	r := NewReconciler(nil)
	r.Reconcile([]types.Detection{detection("a", 0.5, 0.5, 0.9)}, surface)
	r.Reset()
	assert.Empty(t, r.Displayed())
}

func TestBrightPalette(t *testing.T) {
	p := NewBrightPalette(rand.New(rand.NewPCG(1, 2)))

	for i := 0; i < 200; i++ {
		c := p.Pick("id")
		r, g, b, err := ParseHexColor(c)
		require.NoError(t, err, c)
		assert.GreaterOrEqual(t, Luminance(int(r), int(g), int(b)), minBrightness, c)
	}
}

func TestBrighten(t *testing.T) {
	_, _, _, ok := brighten(0, 0, 0)
	assert.False(t, ok, "black never gets brighter")

	r, g, b, ok := brighten(100, 100, 100)
	require.True(t, ok)
	assert.GreaterOrEqual(t, Luminance(r, g, b), minBrightness)

	r, g, b, ok = brighten(250, 250, 250)
	require.True(t, ok)
	assert.Equal(t, []int{250, 250, 250}, []int{r, g, b})
}

func TestNewColorPicker(t *testing.T) {
	p, err := NewColorPicker(ColorModeMono)
	require.NoError(t, err)
	assert.Equal(t, MonoColor, p.Pick("x"))

	p, err = NewColorPicker(ColorModeTracked)
	require.NoError(t, err)
	assert.IsType(t, &BrightPalette{}, p)

	_, err = NewColorPicker("rainbow")
	assert.Error(t, err)
}

func TestParseHexColor(t *testing.T) {
	r, g, b, err := ParseHexColor("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 128, 0}, []uint8{r, g, b})

	_, _, _, err = ParseHexColor("white")
	assert.Error(t, err)
}
