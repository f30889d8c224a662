// Package viewport holds camera state and the canonical world/screen
// transform consumed by the renderer.
package viewport

import (
	"errors"
	"fmt"
	"math"

	"github.com/raster-tiles/viewer/internal/grid"
)

var (
	// ErrInvalidZoom is returned for non-positive or non-finite zoom values.
	ErrInvalidZoom = errors.New("invalid zoom")
	// ErrInvalidSize is returned for canvas sizes outside [1, MaxWidth] by
	// [1, MaxHeight].
	ErrInvalidSize = errors.New("invalid canvas size")
)

const (
	// DefaultMinZoom is the lower zoom bound used by New.
	DefaultMinZoom = 1e-6
	// MaxCanvasSize is the largest canvas edge any viewport accepts.
	MaxCanvasSize = 8192
)

// Transform maps world coordinates to normalized device coordinates:
// ndc = world*Scale + Offset, i.e. (world - center) * (2*zoom/size).
// Axis flips are left to the renderer.
type Transform struct {
	ScaleX, ScaleY   float64
	OffsetX, OffsetY float64
}

// Apply maps a world point to NDC.
func (t Transform) Apply(wx, wy float64) (x, y float64) {
	return wx*t.ScaleX + t.OffsetX, wy*t.ScaleY + t.OffsetY
}

// Viewport is the camera: world-space center, zoom in screen pixels per
// world unit, and canvas size in screen pixels.
type Viewport struct {
	CenterX, CenterY float64
	Zoom             float64
	Width, Height    int
	MinZoom          float64

	// MaxWidth and MaxHeight bound Resize. They default to MaxCanvasSize.
	MaxWidth, MaxHeight int

	transform Transform
}

// New returns a viewport of the given canvas size centered on the origin at
// zoom 1.
func New(width, height int) (*Viewport, error) {
	if err := checkSize(width, height, MaxCanvasSize, MaxCanvasSize); err != nil {
		return nil, err
	}
	v := &Viewport{
		Zoom:      1,
		Width:     width,
		Height:    height,
		MinZoom:   DefaultMinZoom,
		MaxWidth:  MaxCanvasSize,
		MaxHeight: MaxCanvasSize,
	}
	v.update()
	return v, nil
}

// SetCenter moves the camera to a world point.
func (v *Viewport) SetCenter(x, y float64) {
	v.CenterX, v.CenterY = x, y
	v.update()
}

// SetZoom sets the zoom, clamped to MinZoom.
func (v *Viewport) SetZoom(z float64) error {
	if !validZoom(z) {
		return fmt.Errorf("%w: %v", ErrInvalidZoom, z)
	}
	v.Zoom = math.Max(z, v.MinZoom)
	v.update()
	return nil
}

// SetMinZoom sets the lower zoom bound and re-clamps the current zoom.
func (v *Viewport) SetMinZoom(z float64) error {
	if !validZoom(z) {
		return fmt.Errorf("%w: min zoom %v", ErrInvalidZoom, z)
	}
	v.MinZoom = z
	if v.Zoom < z {
		v.Zoom = z
	}
	v.update()
	return nil
}

// Move translates the camera in world space.
func (v *Viewport) Move(dx, dy float64) {
	v.CenterX += dx
	v.CenterY += dy
	v.update()
}

// ZoomAt multiplies the zoom by factor while keeping the world point under
// screen position (sx, sy) fixed.
func (v *Viewport) ZoomAt(factor, sx, sy float64) error {
	if !validZoom(factor) {
		return fmt.Errorf("%w: factor %v", ErrInvalidZoom, factor)
	}
	wx, wy := v.ScreenToWorld(sx, sy)

	v.Zoom = math.Max(v.Zoom*factor, v.MinZoom)

	v.CenterX = wx - (sx-float64(v.Width)/2)/v.Zoom
	v.CenterY = wy - (sy-float64(v.Height)/2)/v.Zoom
	v.update()
	return nil
}

// Resize changes the canvas size without touching center or zoom.
func (v *Viewport) Resize(width, height int) error {
	if err := checkSize(width, height, v.MaxWidth, v.MaxHeight); err != nil {
		return err
	}
	v.Width, v.Height = width, height
	v.update()
	return nil
}

// SetMaxSize lowers the canvas bound used by Resize. The current size must
// already fit.
func (v *Viewport) SetMaxSize(width, height int) error {
	if err := checkSize(width, height, MaxCanvasSize, MaxCanvasSize); err != nil {
		return fmt.Errorf("max size: %w", err)
	}
	if v.Width > width || v.Height > height {
		return fmt.Errorf("%w: canvas %dx%d exceeds max %dx%d", ErrInvalidSize, v.Width, v.Height, width, height)
	}
	v.MaxWidth, v.MaxHeight = width, height
	return nil
}

// ScreenToWorld maps a screen pixel position to world space.
func (v *Viewport) ScreenToWorld(sx, sy float64) (wx, wy float64) {
	wx = v.CenterX + (sx-float64(v.Width)/2)/v.Zoom
	wy = v.CenterY + (sy-float64(v.Height)/2)/v.Zoom
	return wx, wy
}

// WorldToScreen maps a world point to screen pixels.
func (v *Viewport) WorldToScreen(wx, wy float64) (sx, sy float64) {
	sx = (wx-v.CenterX)*v.Zoom + float64(v.Width)/2
	sy = (wy-v.CenterY)*v.Zoom + float64(v.Height)/2
	return sx, sy
}

// Bounds returns the world-space rectangle visible on the canvas.
func (v *Viewport) Bounds() grid.Rect {
	hw := float64(v.Width) / 2 / v.Zoom
	hh := float64(v.Height) / 2 / v.Zoom
	return grid.Rect{
		MinX: v.CenterX - hw,
		MinY: v.CenterY - hh,
		MaxX: v.CenterX + hw,
		MaxY: v.CenterY + hh,
	}
}

// Transform returns the world to NDC transform for the current state.
func (v *Viewport) Transform() Transform {
	return v.transform
}

func (v *Viewport) update() {
	sx := 2 * v.Zoom / float64(v.Width)
	sy := 2 * v.Zoom / float64(v.Height)
	v.transform = Transform{
		ScaleX:  sx,
		ScaleY:  sy,
		OffsetX: -v.CenterX * sx,
		OffsetY: -v.CenterY * sy,
	}
}

func validZoom(z float64) bool {
	return z > 0 && !math.IsInf(z, 0) && !math.IsNaN(z)
}

func checkSize(width, height, maxWidth, maxHeight int) error {
	if width <= 0 || height <= 0 || width > maxWidth || height > maxHeight {
		return fmt.Errorf("%w: %dx%d (max %dx%d)", ErrInvalidSize, width, height, maxWidth, maxHeight)
	}
	return nil
}
