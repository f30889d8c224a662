package adra

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/logging"
	"github.com/raster-tiles/viewer/internal/tiles"
	"github.com/raster-tiles/viewer/internal/viewport"
)

// DefaultThrottle is the minimum interval between two analyses.
const DefaultThrottle = 100 * time.Millisecond

// Target is one tile to read back.
type Target struct {
	Key      grid.TileKey
	Resource tiles.Resource
	Bounds   grid.Rect
}

// Sampler reads back pixel values of rendered tiles inside view.
type Sampler interface {
	Sample(ctx context.Context, targets []Target, view grid.Rect) ([]Sample, error)
}

// Config contains analyzer configuration.
type Config struct {
	Sampler  Sampler
	Throttle time.Duration // default 100ms; negative disables throttling
	Now      func() time.Time
}

type viewSignature struct {
	cx, cy, zoom  int64
	width, height int
}

func signatureOf(vp *viewport.Viewport) viewSignature {
	q := func(v float64) int64 { return int64(math.Round(v * 1000)) }
	return viewSignature{
		cx:     q(vp.CenterX),
		cy:     q(vp.CenterY),
		zoom:   int64(math.Round(math.Log2(vp.Zoom) * 1e6)),
		width:  vp.Width,
		height: vp.Height,
	}
}

type outcome struct {
	samples []Sample
	opts    Options
	err     error
}

// Analyzer recomputes the display range when the view, the options or the
// tile cache change. Update and Poll must be called from one goroutine; the
// read-back itself runs in the background.
type Analyzer struct {
	cfg Config

	current    Range
	applied    bool
	viewSig    viewSignature
	optsSig    Options
	version    uint64
	lastUpdate time.Time
	busy       bool

	results chan outcome
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *slog.Logger
}

// New creates an analyzer with the default range.
func New(cfg Config) *Analyzer {
	if cfg.Throttle == 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Analyzer{
		cfg:     cfg,
		current: DefaultRange,
		results: make(chan outcome, 1),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Component("adra"),
	}
}

// Range returns the current display range.
func (a *Analyzer) Range() Range { return a.current }

// Busy reports whether a read-back is in progress.
func (a *Analyzer) Busy() bool { return a.busy }

// Update starts an analysis of visible if the viewport, the options or the
// cache version changed since the last one, the throttle interval has passed
// and no analysis is running. It returns whether an analysis was started.
// A finished analysis is applied first, as by Poll.
func (a *Analyzer) Update(visible []*tiles.Tile, vp *viewport.Viewport, opts Options, version uint64) bool {
	a.Poll()

	if opts.Validate() != nil {
		return false
	}
	sig := signatureOf(vp)
	if a.applied && sig == a.viewSig && opts == a.optsSig && version == a.version {
		return false
	}
	now := a.cfg.Now()
	if a.cfg.Throttle > 0 && !a.lastUpdate.IsZero() && now.Sub(a.lastUpdate) < a.cfg.Throttle {
		return false
	}
	if a.busy {
		return false
	}

	targets := make([]Target, 0, len(visible))
	for _, t := range visible {
		if t.Background || !t.Renderable() {
			continue
		}
		targets = append(targets, Target{Key: t.Key, Resource: t.Resource, Bounds: t.Bounds})
	}

	a.busy = true
	a.applied = true
	a.viewSig, a.optsSig, a.version = sig, opts, version
	a.lastUpdate = now

	view := vp.Bounds()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		samples, err := a.cfg.Sampler.Sample(a.ctx, targets, view)
		a.results <- outcome{samples: samples, opts: opts, err: err}
	}()
	return true
}

// Poll applies a finished analysis, if any. It returns whether the range
// changed.
func (a *Analyzer) Poll() bool {
	select {
	case o := <-a.results:
		return a.apply(o)
	default:
		return false
	}
}

// Wait blocks until the running analysis, if any, finishes and applies it.
func (a *Analyzer) Wait(ctx context.Context) (bool, error) {
	if !a.busy {
		return false, nil
	}
	select {
	case o := <-a.results:
		return a.apply(o), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (a *Analyzer) apply(o outcome) bool {
	a.busy = false
	if o.err != nil {
		// Forget the signatures so the next eligible tick retries.
		a.applied = false
		a.log.Warn("range analysis failed", "error", o.err)
		return false
	}
	r, ok := ComputeRange(o.samples, o.opts)
	if !ok || r == a.current {
		return false
	}
	a.current = r
	a.log.Debug("range updated", "min", r.Min, "max", r.Max, "samples", len(o.samples))
	return true
}

// Close cancels a running read-back and waits for it.
func (a *Analyzer) Close() {
	a.cancel()
	a.wg.Wait()
}
