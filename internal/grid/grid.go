// Package grid provides pyramid metadata, tile addressing and the shared
// world-space helpers used by the tile scheduler.
//
// World space is level-0 pixel space: one world unit is one full-resolution
// pixel, x grows to the right and y grows downward.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidPyramid is returned when pyramid metadata is unusable.
var ErrInvalidPyramid = errors.New("invalid pyramid")

// Level describes one pyramid level. Index 0 is full resolution.
type Level struct {
	Index       int `json:"index"`
	Width       int `json:"width"`
	Height      int `json:"height"`
	TileWidth   int `json:"tile_width"`
	TileHeight  int `json:"tile_height"`
	SampleCount int `json:"sample_count"`
}

// TilesX returns the number of tile columns in the level.
func (l Level) TilesX() int {
	return ceilDiv(l.Width, l.TileWidth)
}

// TilesY returns the number of tile rows in the level.
func (l Level) TilesY() int {
	return ceilDiv(l.Height, l.TileHeight)
}

// Pyramid is the ordered level list of one loaded source, finest first.
type Pyramid struct {
	Levels []Level `json:"levels"`
}

// Width returns the full-resolution image width.
func (p Pyramid) Width() int {
	if len(p.Levels) == 0 {
		return 0
	}
	return p.Levels[0].Width
}

// Height returns the full-resolution image height.
func (p Pyramid) Height() int {
	if len(p.Levels) == 0 {
		return 0
	}
	return p.Levels[0].Height
}

// Validate checks that levels are ordered finest to coarsest with strictly
// decreasing widths and positive tile sizes.
func (p Pyramid) Validate() error {
	if len(p.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidPyramid)
	}
	for i, l := range p.Levels {
		if l.Index != i {
			return fmt.Errorf("%w: level %d has index %d", ErrInvalidPyramid, i, l.Index)
		}
		if l.Width <= 0 || l.Height <= 0 {
			return fmt.Errorf("%w: level %d has size %dx%d", ErrInvalidPyramid, i, l.Width, l.Height)
		}
		if l.TileWidth <= 0 || l.TileHeight <= 0 {
			return fmt.Errorf("%w: level %d has tile size %dx%d", ErrInvalidPyramid, i, l.TileWidth, l.TileHeight)
		}
		if l.SampleCount <= 0 {
			return fmt.Errorf("%w: level %d has %d samples per pixel", ErrInvalidPyramid, i, l.SampleCount)
		}
		if i > 0 && l.Width >= p.Levels[i-1].Width {
			return fmt.Errorf("%w: level %d width %d does not decrease (previous %d)",
				ErrInvalidPyramid, i, l.Width, p.Levels[i-1].Width)
		}
	}
	return nil
}

// Scale returns the world units covered by one pixel of the level on each
// axis (the downscale factor relative to level 0).
func (p Pyramid) Scale(level int) (sx, sy float64) {
	l := p.Levels[level]
	return float64(p.Width()) / float64(l.Width), float64(p.Height()) / float64(l.Height)
}

// TileRange maps a world-space rectangle to the half-open tile index range
// [x0,x1) x [y0,y1) of a level, clamped to the level's grid.
func (p Pyramid) TileRange(level int, r Rect) (x0, y0, x1, y1 int) {
	l := p.Levels[level]
	sx, sy := p.Scale(level)
	tw := float64(l.TileWidth) * sx
	th := float64(l.TileHeight) * sy

	x0 = clamp(int(math.Floor(r.MinX/tw)), 0, l.TilesX())
	x1 = clamp(int(math.Ceil(r.MaxX/tw)), 0, l.TilesX())
	y0 = clamp(int(math.Floor(r.MinY/th)), 0, l.TilesY())
	y1 = clamp(int(math.Ceil(r.MaxY/th)), 0, l.TilesY())
	return x0, y0, x1, y1
}

// TileBounds returns the world-space rectangle covered by a tile.
func (p Pyramid) TileBounds(k TileKey) Rect {
	l := p.Levels[k.Level]
	sx, sy := p.Scale(k.Level)
	w := float64(l.TileWidth) * sx
	h := float64(l.TileHeight) * sy
	x := float64(k.X) * w
	y := float64(k.Y) * h
	return Rect{MinX: x, MinY: y, MaxX: x + w, MaxY: y + h}
}

// Bounds returns the world-space extent of the full image.
func (p Pyramid) Bounds() Rect {
	return Rect{MaxX: float64(p.Width()), MaxY: float64(p.Height())}
}

// TileKey addresses a tile within a loaded source.
type TileKey struct {
	Level int
	X     int
	Y     int
}

// String returns the "{level}-{x}-{y}" form used as cache key and task id.
func (k TileKey) String() string {
	return strconv.Itoa(k.Level) + "-" + strconv.Itoa(k.X) + "-" + strconv.Itoa(k.Y)
}

// ParseKey parses the "{level}-{x}-{y}" form.
func ParseKey(s string) (TileKey, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return TileKey{}, fmt.Errorf("invalid tile key %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return TileKey{}, fmt.Errorf("invalid tile key %q", s)
		}
		vals[i] = v
	}
	return TileKey{Level: vals[0], X: vals[1], Y: vals[2]}, nil
}

// Rect is an axis-aligned world-space rectangle.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Center returns the rectangle's center point.
func (r Rect) Center() (x, y float64) {
	return (r.MinX + r.MaxX) / 2, (r.MinY + r.MaxY) / 2
}

// Width returns the rectangle width.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the rectangle height.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Contains reports whether the point lies inside the rectangle.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.MinX && x < r.MaxX && y >= r.MinY && y < r.MaxY
}

// Intersects reports whether two rectangles overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX < o.MaxX && o.MinX < r.MaxX && r.MinY < o.MaxY && o.MinY < r.MaxY
}

// PriorityBase is the ceiling decode priorities are computed from.
const PriorityBase = 1e15

// Priority returns the decode priority of a tile centered at (tx, ty) for a
// viewport centered at (cx, cy). Closer tiles get higher priority.
func Priority(tx, ty, cx, cy float64) float64 {
	dx := tx - cx
	dy := ty - cy
	return PriorityBase - (dx*dx + dy*dy)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
