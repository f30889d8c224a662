// Package imagesrc serves an ordinary image file (PNG, JPEG or TIFF) as a
// tiled pyramid. Coarser levels are built in memory by halving.
package imagesrc

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder

	"github.com/raster-tiles/viewer/internal/grid"
)

// DefaultTileSize is used when Open is given a non-positive tile size.
const DefaultTileSize = 256

// Source is an in-memory pyramid. It implements decode.Source and is safe for
// concurrent reads.
type Source struct {
	pyramid grid.Pyramid
	levels  []*image.NRGBA
}

// Open decodes the image at path.
func Open(path string, tileSize int) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	src, err := FromImage(img, tileSize)
	if err != nil {
		return nil, fmt.Errorf("%s image %s: %w", format, path, err)
	}
	return src, nil
}

// FromImage builds a pyramid from img. Level i+1 halves level i (rounding up)
// until a level fits in a single tile.
func FromImage(img image.Image, tileSize int) (*Source, error) {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("empty image")
	}

	samples := 3
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		samples = 1
	}

	base := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), img, b.Min, draw.Src)

	s := &Source{levels: []*image.NRGBA{base}}
	for {
		prev := s.levels[len(s.levels)-1].Bounds()
		if prev.Dx() <= tileSize && prev.Dy() <= tileSize {
			break
		}
		if prev.Dx() == 1 {
			break
		}
		w, h := (prev.Dx()+1)/2, max((prev.Dy()+1)/2, 1)
		next := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(next, next.Bounds(), s.levels[len(s.levels)-1], prev, draw.Src, nil)
		s.levels = append(s.levels, next)
	}

	for i, l := range s.levels {
		s.pyramid.Levels = append(s.pyramid.Levels, grid.Level{
			Index:       i,
			Width:       l.Bounds().Dx(),
			Height:      l.Bounds().Dy(),
			TileWidth:   tileSize,
			TileHeight:  tileSize,
			SampleCount: samples,
		})
	}
	return s, nil
}

// Pyramid implements decode.Source.
func (s *Source) Pyramid() grid.Pyramid {
	return s.pyramid
}

// ReadTile implements decode.Source. Samples are 8-bit channel values
// (0..255); pixels with zero alpha are uncovered.
func (s *Source) ReadTile(level, gridX, gridY int, bands []int) ([]float32, error) {
	if level < 0 || level >= len(s.levels) {
		return nil, fmt.Errorf("invalid level: %d", level)
	}
	l := s.pyramid.Levels[level]
	if gridX < 0 || gridY < 0 || gridX >= l.TilesX() || gridY >= l.TilesY() {
		return nil, fmt.Errorf("tile %d/%d out of range at level %d", gridX, gridY, level)
	}
	if len(bands) == 0 || len(bands) > 3 {
		return nil, fmt.Errorf("need 1 to 3 bands, got %d", len(bands))
	}
	for _, b := range bands {
		if b < 0 || b >= l.SampleCount {
			return nil, fmt.Errorf("band %d out of range (%d bands)", b, l.SampleCount)
		}
	}

	img := s.levels[level]
	out := make([]float32, 4*l.TileWidth*l.TileHeight)
	x0, y0 := gridX*l.TileWidth, gridY*l.TileHeight
	w := min(l.TileWidth, l.Width-x0)
	h := min(l.TileHeight, l.Height-y0)

	for y := 0; y < h; y++ {
		row := img.Pix[(y0+y)*img.Stride+4*x0:]
		for x := 0; x < w; x++ {
			px := row[4*x : 4*x+4]
			if px[3] == 0 {
				continue
			}
			o := 4 * (y*l.TileWidth + x)
			for c := 0; c < 3; c++ {
				out[o+c] = float32(px[bands[min(c, len(bands)-1)]])
			}
			out[o+3] = 1
		}
	}
	return out, nil
}
