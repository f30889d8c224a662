package decode

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/raster-tiles/viewer/internal/cache"
	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/pool"
)

// rampSource fills every tile with value = level*1000 + x*10 + y and leaves
// the last column of each tile uncovered.
type rampSource struct {
	pyr   grid.Pyramid
	reads int
	fail  bool
}

func newRampSource() *rampSource {
	return &rampSource{pyr: grid.Pyramid{Levels: []grid.Level{
		{Index: 0, Width: 8, Height: 4, TileWidth: 4, TileHeight: 4, SampleCount: 3},
		{Index: 1, Width: 4, Height: 2, TileWidth: 4, TileHeight: 4, SampleCount: 3},
	}}}
}

func (s *rampSource) Pyramid() grid.Pyramid { return s.pyr }

func (s *rampSource) ReadTile(level, gx, gy int, bands []int) ([]float32, error) {
	s.reads++
	if s.fail {
		return nil, errors.New("disk on fire")
	}
	l := s.pyr.Levels[level]
	out := make([]float32, 4*l.TileWidth*l.TileHeight)
	v := float32(level*1000 + gx*10 + gy)
	for y := 0; y < l.TileHeight; y++ {
		for x := 0; x < l.TileWidth; x++ {
			i := 4 * (y*l.TileWidth + x)
			out[i], out[i+1], out[i+2] = v, v+float32(x), v
			if x < l.TileWidth-1 {
				out[i+3] = 1
			}
		}
	}
	return out, nil
}

func initExecutor(t *testing.T, c *cache.Manager, src Source) *Executor {
	t.Helper()
	e := NewExecutor(c)
	if _, err := e.Handle(context.Background(), &Init{SourceID: "src", Source: src}); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	return e
}

func TestExecutorDecode(t *testing.T) {
	src := newRampSource()
	e := initExecutor(t, nil, src)

	req := NewDecode("src", src.Pyramid(), grid.TileKey{Level: 0, X: 1, Y: 0}, []int{0, 1, 2})
	if req.PixelOriginX != 4 || req.PixelOriginY != 0 {
		t.Fatalf("pixel origin = (%d,%d), want (4,0)", req.PixelOriginX, req.PixelOriginY)
	}

	msg, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	res, ok := msg.(*Result)
	if !ok {
		t.Fatalf("expected *Result, got %T", msg)
	}
	if !res.Success || len(res.Pixels) != 64 {
		t.Fatalf("unexpected result: success=%v len=%d err=%v", res.Success, len(res.Pixels), res.Err)
	}
	// Covered columns are x=0..2, so G spans 10..12.
	if !res.HasStats || res.Min != 10 || res.Max != 12 {
		t.Fatalf("stats = (%v,%v,%v), want (10,12,true)", res.Min, res.Max, res.HasStats)
	}
}

func TestExecutorProtocolErrors(t *testing.T) {
	src := newRampSource()
	req := NewDecode("src", src.Pyramid(), grid.TileKey{}, []int{0})

	t.Run("notInitialized", func(t *testing.T) {
		msg, _ := NewExecutor(nil).Handle(context.Background(), req)
		var perr *Error
		if m, ok := msg.(*Error); ok {
			perr = m
		}
		if perr == nil || !errors.Is(perr, ErrNotInitialized) {
			t.Fatalf("expected ErrNotInitialized, got %#v", msg)
		}
	})

	t.Run("staleSource", func(t *testing.T) {
		e := initExecutor(t, nil, src)
		stale := *req
		stale.SourceID = "old"
		msg, _ := e.Handle(context.Background(), &stale)
		m, ok := msg.(*Error)
		if !ok || !errors.Is(m, ErrStaleSource) {
			t.Fatalf("expected ErrStaleSource, got %#v", msg)
		}
	})

	t.Run("unexpectedMessage", func(t *testing.T) {
		e := initExecutor(t, nil, src)
		msg, _ := e.Handle(context.Background(), &Result{})
		m, ok := msg.(*Error)
		if !ok || !errors.Is(m, ErrUnexpectedMessage) {
			t.Fatalf("expected ErrUnexpectedMessage, got %#v", msg)
		}
	})
}

func TestExecutorFailures(t *testing.T) {
	t.Run("readError", func(t *testing.T) {
		src := newRampSource()
		src.fail = true
		e := initExecutor(t, nil, src)
		msg, err := e.Handle(context.Background(), NewDecode("src", src.Pyramid(), grid.TileKey{}, []int{0}))
		if err != nil {
			t.Fatalf("read failures are results, not errors: %v", err)
		}
		res := msg.(*Result)
		if res.Success || res.Pixels != nil || res.Err == nil {
			t.Fatalf("expected failed result, got %+v", res)
		}
	})

	t.Run("outOfBounds", func(t *testing.T) {
		src := newRampSource()
		e := initExecutor(t, nil, src)
		req := NewDecode("src", src.Pyramid(), grid.TileKey{Level: 1, X: 0, Y: 0}, []int{0})
		req.PixelOriginX = 4
		msg, _ := e.Handle(context.Background(), req)
		res := msg.(*Result)
		if res.Success || !errors.Is(res.Err, ErrOutOfBounds) {
			t.Fatalf("expected ErrOutOfBounds result, got %+v", res)
		}
	})

	t.Run("badBand", func(t *testing.T) {
		src := newRampSource()
		e := initExecutor(t, nil, src)
		msg, _ := e.Handle(context.Background(), NewDecode("src", src.Pyramid(), grid.TileKey{}, []int{5}))
		if res := msg.(*Result); res.Success || !errors.Is(res.Err, ErrOutOfBounds) {
			t.Fatalf("expected ErrOutOfBounds result, got %+v", res)
		}
	})
}

func TestExecutorUsesPayloadCache(t *testing.T) {
	c, err := cache.NewManager(cache.Config{PayloadSizeMB: 8, PayloadTTL: time.Minute, FrameCacheSize: 1})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	defer c.Close()

	src := newRampSource()
	e := initExecutor(t, c, src)
	req := NewDecode("src", src.Pyramid(), grid.TileKey{Level: 0, X: 1, Y: 0}, []int{0, 1, 2})

	first, _ := e.Handle(context.Background(), req)
	second, _ := e.Handle(context.Background(), req)
	if src.reads != 1 {
		t.Fatalf("expected 1 source read, got %d", src.reads)
	}
	a, b := first.(*Result), second.(*Result)
	if a.Min != b.Min || a.Max != b.Max || len(a.Pixels) != len(b.Pixels) {
		t.Fatalf("cached result differs: %+v vs %+v", a, b)
	}
}

func TestSampleRange(t *testing.T) {
	nan := float32(math.NaN())
	px := []float32{
		5, 50, 500, 1,
		nan, 1, 2, 1,
		-3, 0, 0, 0, // uncovered
	}

	lo, hi, ok := SampleRange(px, 1)
	if !ok || lo != 5 || hi != 5 {
		t.Fatalf("one channel = (%v,%v,%v), want (5,5,true)", lo, hi, ok)
	}
	lo, hi, ok = SampleRange(px, 3)
	if !ok || lo != 1 || hi != 500 {
		t.Fatalf("three channels = (%v,%v,%v), want (1,500,true)", lo, hi, ok)
	}
	if _, _, ok := SampleRange([]float32{1, 1, 1, 0}, 3); ok {
		t.Fatalf("no covered pixel should report no stats")
	}
}

func TestPoolRoundTrip(t *testing.T) {
	p := NewPool(pool.Config{MaxExecutors: 2}, nil)
	defer p.Close()

	src := newRampSource()
	if err := p.Broadcast(&Init{SourceID: "src", Source: src}); err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	req := NewDecode("src", src.Pyramid(), grid.TileKey{Level: 1}, []int{0})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.Submit(req.Key.String(), req, 1).Wait(ctx)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	res, ok := msg.(*Result)
	if !ok || !res.Success || res.Min != 1000 {
		t.Fatalf("unexpected reply %#v", msg)
	}
}
