package decode

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/raster-tiles/viewer/internal/cache"
	"github.com/raster-tiles/viewer/internal/logging"
	"github.com/raster-tiles/viewer/internal/pool"
)

// Pool is a worker pool speaking the decode protocol.
type Pool = pool.Pool[Message, Message]

// NewPool starts a decode pool. Every executor shares the payload cache c,
// which may be nil.
func NewPool(cfg pool.Config, c *cache.Manager) *Pool {
	return pool.New(cfg, func(int) pool.Handler[Message, Message] {
		return NewExecutor(c)
	})
}

// Executor handles decode messages for one pool executor. Its source binding
// is private to the executor and only changes on Init.
type Executor struct {
	cache    *cache.Manager
	sourceID string
	source   Source
	log      *slog.Logger
}

// NewExecutor creates an executor with no source bound.
func NewExecutor(c *cache.Manager) *Executor {
	return &Executor{cache: c, log: logging.Component("decode")}
}

// Handle implements pool.Handler.
func (e *Executor) Handle(ctx context.Context, msg Message) (Message, error) {
	switch m := msg.(type) {
	case *Init:
		if m.Source == nil {
			return nil, fmt.Errorf("init %q: nil source", m.SourceID)
		}
		e.sourceID = m.SourceID
		e.source = m.Source
		return nil, nil
	case *Decode:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return e.decode(m), nil
	default:
		return &Error{Err: fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)}, nil
	}
}

func (e *Executor) decode(req *Decode) Message {
	if e.source == nil {
		return &Error{Key: req.Key, Err: ErrNotInitialized}
	}
	if req.SourceID != e.sourceID {
		return &Error{Key: req.Key, Err: fmt.Errorf("%w: got %q, bound to %q", ErrStaleSource, req.SourceID, e.sourceID)}
	}

	if err := e.checkWindow(req); err != nil {
		return &Result{Key: req.Key, Err: err}
	}

	key := cache.PayloadKey(e.sourceID, req.Key, req.Bands)
	var pixels []float32
	if e.cache != nil {
		if p, ok := e.cache.GetPayload(key); ok && p.Width == req.TileWidth && p.Height == req.TileHeight {
			pixels = p.Pixels
		}
	}

	if pixels == nil {
		var err error
		pixels, err = e.source.ReadTile(req.Key.Level, req.Key.X, req.Key.Y, req.Bands)
		if err != nil {
			e.log.Debug("read failed", "tile", req.Key.String(), "error", err)
			return &Result{Key: req.Key, Err: fmt.Errorf("read tile %s: %w", req.Key, err)}
		}
		if len(pixels) != 4*req.TileWidth*req.TileHeight {
			return &Result{Key: req.Key, Err: fmt.Errorf("read tile %s: got %d samples, want %d",
				req.Key, len(pixels), 4*req.TileWidth*req.TileHeight)}
		}
		if e.cache != nil {
			p := cache.Payload{Width: req.TileWidth, Height: req.TileHeight, Pixels: pixels}
			if err := e.cache.SetPayload(key, p); err != nil {
				e.log.Debug("payload cache set failed", "tile", req.Key.String(), "error", err)
			}
		}
	}

	res := &Result{
		Key:      req.Key,
		Success:  true,
		Pixels:   pixels,
		Width:    req.TileWidth,
		Height:   req.TileHeight,
		Channels: max(1, min(3, len(req.Bands))),
	}
	res.Min, res.Max, res.HasStats = SampleRange(pixels, res.Channels)
	return res
}

func (e *Executor) checkWindow(req *Decode) error {
	pyr := e.source.Pyramid()
	if req.Key.Level < 0 || req.Key.Level >= len(pyr.Levels) {
		return fmt.Errorf("%w: level %d", ErrOutOfBounds, req.Key.Level)
	}
	l := pyr.Levels[req.Key.Level]
	if req.TileWidth != l.TileWidth || req.TileHeight != l.TileHeight {
		return fmt.Errorf("%w: tile size %dx%d, level uses %dx%d",
			ErrOutOfBounds, req.TileWidth, req.TileHeight, l.TileWidth, l.TileHeight)
	}
	if req.PixelOriginX < 0 || req.PixelOriginY < 0 || req.PixelOriginX >= l.Width || req.PixelOriginY >= l.Height {
		return fmt.Errorf("%w: origin (%d,%d) in %dx%d level",
			ErrOutOfBounds, req.PixelOriginX, req.PixelOriginY, l.Width, l.Height)
	}
	for _, b := range req.Bands {
		if b < 0 || b >= l.SampleCount {
			return fmt.Errorf("%w: band %d of %d", ErrOutOfBounds, b, l.SampleCount)
		}
	}
	return nil
}

// SampleRange returns the min and max over the first channels color channels
// (at most 3) of every covered pixel. NaN samples are skipped. ok is false
// when no sample qualifies.
func SampleRange(pixels []float32, channels int) (lo, hi float64, ok bool) {
	if channels < 1 {
		channels = 1
	}
	if channels > 3 {
		channels = 3
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := 0; i+3 < len(pixels); i += 4 {
		if pixels[i+3] <= 0 {
			continue
		}
		for c := 0; c < channels; c++ {
			v := float64(pixels[i+c])
			if math.IsNaN(v) {
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}
