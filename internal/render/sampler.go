package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/raster-tiles/viewer/internal/adra"
	"github.com/raster-tiles/viewer/internal/grid"
)

// DefaultSamplesPerAxis is the read-back grid resolution per tile.
const DefaultSamplesPerAxis = 32

// ErrForeignResource is returned when a target's resource was not created by
// a Backend.
var ErrForeignResource = errors.New("resource is not a texture")

// Sampler reads texture values back for range analysis. Each tile is
// sampled on an evenly spaced grid restricted to its intersection with the
// view, one sample per carried channel.
type Sampler struct {
	SamplesPerAxis int
}

// NewSampler creates a sampler; n <= 0 selects DefaultSamplesPerAxis.
func NewSampler(n int) *Sampler {
	if n <= 0 {
		n = DefaultSamplesPerAxis
	}
	return &Sampler{SamplesPerAxis: n}
}

var _ adra.Sampler = (*Sampler)(nil)

// Sample reads every target concurrently. Released and neutral textures
// contribute nothing.
func (s *Sampler) Sample(ctx context.Context, targets []adra.Target, view grid.Rect) ([]adra.Sample, error) {
	perTile := make([][]adra.Sample, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, tg := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tex, ok := tg.Resource.(*Texture)
			if !ok {
				return fmt.Errorf("%w: tile %s holds %T", ErrForeignResource, tg.Key, tg.Resource)
			}
			if tex.Neutral || tex.Released() {
				return nil
			}
			perTile[i] = s.sampleTexture(tex, tg.Bounds, view)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, p := range perTile {
		n += len(p)
	}
	out := make([]adra.Sample, 0, n)
	for _, p := range perTile {
		out = append(out, p...)
	}
	return out, nil
}

func (s *Sampler) sampleTexture(tex *Texture, bounds, view grid.Rect) []adra.Sample {
	if !bounds.Intersects(view) || bounds.Width() <= 0 || bounds.Height() <= 0 {
		return nil
	}
	px0, px1 := pixelSpan(bounds.MinX, bounds.Width(), max(bounds.MinX, view.MinX), min(bounds.MaxX, view.MaxX), tex.Width)
	py0, py1 := pixelSpan(bounds.MinY, bounds.Height(), max(bounds.MinY, view.MinY), min(bounds.MaxY, view.MaxY), tex.Height)
	if px1 <= px0 || py1 <= py0 {
		return nil
	}

	n := s.SamplesPerAxis
	out := make([]adra.Sample, 0, n*n*tex.Channels)
	for j := 0; j < n; j++ {
		y := py0 + int((float64(j)+0.5)*float64(py1-py0)/float64(n))
		for i := 0; i < n; i++ {
			x := px0 + int((float64(i)+0.5)*float64(px1-px0)/float64(n))
			r, g, b, a := tex.At(x, y)
			valid := a > 0
			for c, v := range [3]float32{r, g, b} {
				if c == tex.Channels {
					break
				}
				out = append(out, adra.Sample{Value: v, Valid: valid && !math.IsNaN(float64(v))})
			}
		}
	}
	return out
}

// pixelSpan maps the world interval [lo, hi) inside a tile starting at
// origin with the given world extent to a clamped pixel range.
func pixelSpan(origin, extent, lo, hi float64, size int) (int, int) {
	p0 := int(math.Floor((lo - origin) / extent * float64(size)))
	p1 := int(math.Ceil((hi - origin) / extent * float64(size)))
	return max(0, min(p0, size)), max(0, min(p1, size))
}
