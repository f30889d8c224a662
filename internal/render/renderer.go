package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/raster-tiles/viewer/internal/adra"
	"github.com/raster-tiles/viewer/internal/tiles"
	"github.com/raster-tiles/viewer/internal/viewport"
	"github.com/raster-tiles/viewer/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Colormap    string
	Clear       color.Color // canvas color outside the image
	Placeholder color.Color // background tile color
}

// TileRenderer composites visible tiles into a frame.
type TileRenderer struct {
	config      Config
	cmap        colormap.Colormap
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileRenderer creates a renderer. Unknown colormap names fall back to
// colormap.Default.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.Clear == nil {
		cfg.Clear = color.Black
	}
	if cfg.Placeholder == nil {
		cfg.Placeholder = color.RGBA{R: 32, G: 32, B: 32, A: 255}
	}
	cmap, ok := colormap.ByName(cfg.Colormap)
	if !ok {
		cmap, _ = colormap.ByName(colormap.Default)
	}
	return &TileRenderer{
		config: cfg,
		cmap:   cmap,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// SetColormap switches the single-band colormap.
func (r *TileRenderer) SetColormap(name string) bool {
	cmap, ok := colormap.ByName(name)
	if ok {
		r.cmap = cmap
		r.config.Colormap = name
	}
	return ok
}

func (r *TileRenderer) context(w, h int) *gg.Context {
	if dc, ok := r.contextPool.Get().(*gg.Context); ok && dc.Width() == w && dc.Height() == h {
		return dc
	}
	return gg.NewContext(w, h)
}

// RenderFrame draws visible in list order, later tiles over earlier ones,
// and returns the frame as PNG. Single-band tiles go through the colormap,
// multi-band tiles are mapped to RGB; both are normalized by rng.
func (r *TileRenderer) RenderFrame(visible []*tiles.Tile, vp *viewport.Viewport, rng adra.Range) ([]byte, error) {
	dc := r.context(vp.Width, vp.Height)
	defer r.contextPool.Put(dc)

	dc.SetColor(r.config.Clear)
	dc.Clear()

	for _, t := range visible {
		if !t.Renderable() {
			continue
		}
		tex, ok := t.Resource.(*Texture)
		if !ok || tex.Released() {
			continue
		}
		x0, y0 := vp.WorldToScreen(t.Bounds.MinX, t.Bounds.MinY)
		x1, y1 := vp.WorldToScreen(t.Bounds.MaxX, t.Bounds.MaxY)

		if tex.Neutral {
			dc.SetColor(r.config.Placeholder)
			dc.DrawRectangle(x0, y0, x1-x0, y1-y0)
			dc.Fill()
			continue
		}

		img := r.colorize(tex, rng)
		dc.Push()
		dc.Translate(x0, y0)
		dc.Scale((x1-x0)/float64(tex.Width), (y1-y0)/float64(tex.Height))
		dc.DrawImage(img, 0, 0)
		dc.Pop()
	}

	return r.encodeContext(dc)
}

func (r *TileRenderer) colorize(tex *Texture, rng adra.Range) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, tex.Width, tex.Height))
	to8 := func(v float32) uint8 {
		return uint8(math.Round(rng.Normalize(float64(v)) * 255))
	}
	for y := 0; y < tex.Height; y++ {
		for x := 0; x < tex.Width; x++ {
			cr, cg, cb, ca := tex.At(x, y)
			if !(ca > 0) {
				continue
			}
			o := img.PixOffset(x, y)
			if tex.Channels == 1 {
				c := r.cmap.At(rng.Normalize(float64(cr)))
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = c.R, c.G, c.B
			} else {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = to8(cr), to8(cg), to8(cb)
			}
			img.Pix[o+3] = uint8(math.Round(float64(min(ca, 1)) * 255))
		}
	}
	return img
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy out; buf is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
