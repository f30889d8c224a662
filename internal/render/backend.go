// Package render is the software stand-in for the GPU: it keeps decoded
// tiles as textures, composites frames with fogleman/gg and reads texture
// samples back for range analysis.
package render

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/raster-tiles/viewer/internal/decode"
	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/tiles"
)

// ErrBadTexture is returned by Upload for a result whose pixel buffer does
// not match its size.
var ErrBadTexture = errors.New("malformed texture data")

// Texture is an uploaded tile. Pixels are RGBA-interleaved samples with
// coverage in alpha; they are never modified after upload.
type Texture struct {
	Key      grid.TileKey
	Width    int
	Height   int
	Channels int
	Pixels   []float32
	// Neutral marks the placeholder drawn under every frame.
	Neutral bool

	released atomic.Bool
	backend  *Backend
}

// Release marks the texture as freed. It is safe to call more than once and
// concurrently with a read-back holding the texture.
func (t *Texture) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.backend.live.Add(-1)
	}
}

// Released reports whether Release was called.
func (t *Texture) Released() bool { return t.released.Load() }

// At returns the RGBA samples of pixel (x, y).
func (t *Texture) At(x, y int) (r, g, b, a float32) {
	i := (y*t.Width + x) * 4
	return t.Pixels[i], t.Pixels[i+1], t.Pixels[i+2], t.Pixels[i+3]
}

// Backend creates textures and counts the live ones.
type Backend struct {
	live     atomic.Int64
	uploaded atomic.Int64
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{}
}

var _ tiles.Backend = (*Backend)(nil)

// Upload takes ownership of res.Pixels.
func (b *Backend) Upload(key grid.TileKey, res *decode.Result) (tiles.Resource, error) {
	if res.Width <= 0 || res.Height <= 0 || len(res.Pixels) != 4*res.Width*res.Height {
		return nil, fmt.Errorf("%w: tile %s is %dx%d with %d samples",
			ErrBadTexture, key, res.Width, res.Height, len(res.Pixels))
	}
	channels := res.Channels
	if channels <= 0 {
		channels = 1
	}
	t := &Texture{
		Key:      key,
		Width:    res.Width,
		Height:   res.Height,
		Channels: channels,
		Pixels:   res.Pixels,
		backend:  b,
	}
	b.live.Add(1)
	b.uploaded.Add(1)
	return t, nil
}

// Placeholder returns a new neutral texture.
func (b *Backend) Placeholder() tiles.Resource {
	b.live.Add(1)
	return &Texture{Key: grid.TileKey{Level: -1}, Neutral: true, backend: b}
}

// Live returns the number of textures not yet released.
func (b *Backend) Live() int { return int(b.live.Load()) }

// Uploaded returns the number of tile textures created so far.
func (b *Backend) Uploaded() int { return int(b.uploaded.Load()) }
