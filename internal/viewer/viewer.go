// Package viewer runs the control loop of one dataset view. A single
// goroutine owns the viewport, the tile manager and the range analyzer;
// every other goroutine reaches them through commands.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raster-tiles/viewer/internal/adra"
	"github.com/raster-tiles/viewer/internal/cache"
	"github.com/raster-tiles/viewer/internal/decode"
	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/logging"
	"github.com/raster-tiles/viewer/internal/pool"
	"github.com/raster-tiles/viewer/internal/render"
	"github.com/raster-tiles/viewer/internal/tiles"
	"github.com/raster-tiles/viewer/internal/viewport"
)

var (
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("viewer closed")
	// ErrRunning is returned by a second concurrent Run.
	ErrRunning = errors.New("viewer already running")
	// ErrInvalidArgument is returned for unknown names.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCommandPanic is returned for a command that panicked on the loop.
	ErrCommandPanic = errors.New("viewer command panicked")
)

// DefaultFrameInterval is the tick period of the control loop.
const DefaultFrameInterval = 16 * time.Millisecond

// Config contains viewer configuration.
type Config struct {
	DatasetID string
	Source    decode.Source
	Width     int
	Height    int
	// MaxWidth and MaxHeight bound Resize. Zero means
	// viewport.MaxCanvasSize.
	MaxWidth  int
	MaxHeight int
	// Bands overrides the source's default band selection when set.
	Bands []int

	CacheLimit   int
	EvictBuffer  int
	MaxExecutors int
	// Cache holds decoded payloads and rendered frames. It may be shared
	// between viewers and may be nil.
	Cache *cache.Manager

	Range          adra.Options
	Throttle       time.Duration
	Colormap       string
	SamplesPerAxis int
	FrameInterval  time.Duration
}

// View is the camera state exposed to callers.
type View struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Zoom    float64 `json:"zoom"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
}

// Status is a snapshot of the viewer state.
type Status struct {
	Dataset      string            `json:"dataset"`
	View         View              `json:"view"`
	Level        int               `json:"level"`
	Bands        []int             `json:"bands"`
	Colormap     string            `json:"colormap"`
	Range        adra.Range        `json:"range"`
	RangeOptions adra.Options      `json:"range_options"`
	Analyzing    bool              `json:"analyzing"`
	Stats        tiles.GlobalStats `json:"stats"`
	Tiles        tiles.Counts      `json:"tiles"`
	Visible      int               `json:"visible"`
	Version      uint64            `json:"version"`
	Textures     int               `json:"textures"`
	Queued       int               `json:"queued"`
	InFlight     int               `json:"in_flight"`
}

// Idle reports whether no visible tile is pending and no analysis runs.
func (s Status) Idle() bool {
	return s.Tiles.Pending == 0 && !s.Analyzing
}

// Viewer is one interactive view of a dataset.
type Viewer struct {
	cfg Config

	vp       *viewport.Viewport
	decoders *decode.Pool
	backend  *render.Backend
	tiles    *tiles.Manager
	analyzer *adra.Analyzer
	renderer *render.TileRenderer
	opts     adra.Options
	visible  []*tiles.Tile

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	once    sync.Once
	log     *slog.Logger
}

// New builds a viewer fitted to the whole image. Run must be called to
// process commands.
func New(cfg Config) (*Viewer, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("viewer: nil source")
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.Range == (adra.Options{}) {
		cfg.Range = adra.DefaultOptions()
	}
	if err := cfg.Range.Validate(); err != nil {
		return nil, err
	}

	vp, err := viewport.New(cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	if cfg.MaxWidth > 0 || cfg.MaxHeight > 0 {
		maxW, maxH := cfg.MaxWidth, cfg.MaxHeight
		if maxW == 0 {
			maxW = viewport.MaxCanvasSize
		}
		if maxH == 0 {
			maxH = viewport.MaxCanvasSize
		}
		if err := vp.SetMaxSize(maxW, maxH); err != nil {
			return nil, err
		}
	}

	v := &Viewer{
		cfg:      cfg,
		vp:       vp,
		backend:  render.NewBackend(),
		renderer: render.NewTileRenderer(render.Config{Colormap: cfg.Colormap}),
		opts:     cfg.Range,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logging.Component("viewer").With("dataset", cfg.DatasetID),
	}
	v.decoders = decode.NewPool(pool.Config{MaxExecutors: cfg.MaxExecutors}, cfg.Cache)

	v.tiles, err = tiles.NewManager(tiles.Config{
		CacheLimit:  cfg.CacheLimit,
		EvictBuffer: cfg.EvictBuffer,
		Scheduler:   v.decoders,
		Backend:     v.backend,
	})
	if err != nil {
		v.decoders.Close()
		return nil, err
	}
	if err := v.tiles.SetSource(cfg.DatasetID, cfg.Source); err != nil {
		v.tiles.Close()
		v.decoders.Close()
		return nil, fmt.Errorf("failed to load source %s: %w", cfg.DatasetID, err)
	}
	if len(cfg.Bands) > 0 {
		if err := v.tiles.SetBands(cfg.Bands); err != nil {
			v.tiles.Close()
			v.decoders.Close()
			return nil, err
		}
	}

	v.analyzer = adra.New(adra.Config{
		Sampler:  render.NewSampler(cfg.SamplesPerAxis),
		Throttle: cfg.Throttle,
	})

	v.fit()
	return v, nil
}

// fit centers the image and zooms so that it fills the canvas. The minimum
// zoom shows the image at a quarter of that size.
func (v *Viewer) fit() {
	b := v.tiles.Pyramid().Bounds()
	zoom := math.Min(float64(v.vp.Width)/b.Width(), float64(v.vp.Height)/b.Height())
	cx, cy := b.Center()
	_ = v.vp.SetMinZoom(zoom / 4)
	_ = v.vp.SetZoom(zoom)
	v.vp.SetCenter(cx, cy)
}

// Run processes commands and ticks the loop until ctx is done or Close is
// called.
func (v *Viewer) Run(ctx context.Context) error {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return ErrClosed
	case v.started:
		v.mu.Unlock()
		return ErrRunning
	}
	v.started = true
	v.mu.Unlock()
	defer close(v.done)

	ticker := time.NewTicker(v.cfg.FrameInterval)
	defer ticker.Stop()

	v.tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.quit:
			return nil
		case fn := <-v.cmds:
			fn()
			v.tick()
		case <-ticker.C:
			v.tick()
		}
	}
}

// tick applies decode completions, recomputes the visible set and feeds the
// analyzer.
func (v *Viewer) tick() {
	v.tiles.Pump()
	v.visible = v.tiles.VisibleTiles(v.vp)
	v.analyzer.Update(v.visible, v.vp, v.opts, v.tiles.Version())
}

// do runs fn on the loop goroutine and waits for its result.
func (v *Viewer) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	cmd := func() {
		defer func() {
			if r := recover(); r != nil {
				v.log.Error("command panicked", "panic", r, "stack", string(debug.Stack()))
				errc <- fmt.Errorf("%w: %v", ErrCommandPanic, r)
			}
		}()
		errc <- fn()
	}
	select {
	case v.cmds <- cmd:
	case <-v.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetView moves the camera to a world point and zoom.
func (v *Viewer) SetView(ctx context.Context, cx, cy, zoom float64) error {
	return v.do(ctx, func() error {
		if err := v.vp.SetZoom(zoom); err != nil {
			return err
		}
		v.vp.SetCenter(cx, cy)
		return nil
	})
}

// Pan moves the camera by a screen-space offset in pixels.
func (v *Viewer) Pan(ctx context.Context, dx, dy float64) error {
	return v.do(ctx, func() error {
		v.vp.Move(dx/v.vp.Zoom, dy/v.vp.Zoom)
		return nil
	})
}

// ZoomAt zooms by factor around a screen position.
func (v *Viewer) ZoomAt(ctx context.Context, factor, sx, sy float64) error {
	return v.do(ctx, func() error {
		return v.vp.ZoomAt(factor, sx, sy)
	})
}

// Resize changes the canvas size.
func (v *Viewer) Resize(ctx context.Context, width, height int) error {
	return v.do(ctx, func() error {
		return v.vp.Resize(width, height)
	})
}

// SetBands changes the band selection. The tile cache is reset.
func (v *Viewer) SetBands(ctx context.Context, bands []int) error {
	return v.do(ctx, func() error {
		return v.tiles.SetBands(bands)
	})
}

// SetRangeOptions changes the analysis percentages.
func (v *Viewer) SetRangeOptions(ctx context.Context, opts adra.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	return v.do(ctx, func() error {
		v.opts = opts
		return nil
	})
}

// SetColormap selects the single-band colormap.
func (v *Viewer) SetColormap(ctx context.Context, name string) error {
	return v.do(ctx, func() error {
		if !v.renderer.SetColormap(name) {
			return fmt.Errorf("%w: unknown colormap %q", ErrInvalidArgument, name)
		}
		v.cfg.Colormap = name
		return nil
	})
}

// Status returns a snapshot of the viewer state.
func (v *Viewer) Status(ctx context.Context) (Status, error) {
	var s Status
	err := v.do(ctx, func() error {
		s = v.status()
		return nil
	})
	return s, err
}

func (v *Viewer) status() Status {
	colormap := v.cfg.Colormap
	if colormap == "" {
		colormap = "gray"
	}
	return Status{
		Dataset: v.cfg.DatasetID,
		View: View{
			CenterX: v.vp.CenterX,
			CenterY: v.vp.CenterY,
			Zoom:    v.vp.Zoom,
			Width:   v.vp.Width,
			Height:  v.vp.Height,
		},
		Level:        v.tiles.BestLevel(v.vp),
		Bands:        v.tiles.Bands(),
		Colormap:     colormap,
		Range:        v.analyzer.Range(),
		RangeOptions: v.opts,
		Analyzing:    v.analyzer.Busy(),
		Stats:        v.tiles.Stats(),
		Tiles:        v.tiles.Counts(),
		Visible:      len(v.visible),
		Version:      v.tiles.Version(),
		Textures:     v.backend.Live(),
		Queued:       v.decoders.Len(),
		InFlight:     v.decoders.InFlight(),
	}
}

// Pyramid returns the dataset's level layout.
func (v *Viewer) Pyramid() grid.Pyramid {
	return v.cfg.Source.Pyramid()
}

// Frame renders the current view as PNG. Frames are cached by a signature of
// everything that affects the picture.
func (v *Viewer) Frame(ctx context.Context) ([]byte, error) {
	var frame []byte
	err := v.do(ctx, func() error {
		v.tick()
		key := cache.FrameKey(v.cfg.DatasetID, v.frameSignature())
		if v.cfg.Cache != nil {
			if data, ok := v.cfg.Cache.GetFrame(key); ok {
				frame = data
				return nil
			}
		}
		data, err := v.renderer.RenderFrame(v.visible, v.vp, v.analyzer.Range())
		if err != nil {
			return fmt.Errorf("failed to render frame: %w", err)
		}
		if v.cfg.Cache != nil {
			v.cfg.Cache.SetFrame(key, data)
		}
		frame = data
		return nil
	})
	return frame, err
}

func (v *Viewer) frameSignature() string {
	r := v.analyzer.Range()
	parts := []string{
		strconv.FormatFloat(v.vp.CenterX, 'g', -1, 64),
		strconv.FormatFloat(v.vp.CenterY, 'g', -1, 64),
		strconv.FormatFloat(v.vp.Zoom, 'g', -1, 64),
		strconv.Itoa(v.vp.Width),
		strconv.Itoa(v.vp.Height),
		strconv.FormatUint(v.tiles.Version(), 10),
		strconv.FormatFloat(r.Min, 'g', -1, 64),
		strconv.FormatFloat(r.Max, 'g', -1, 64),
		fmt.Sprint(v.tiles.Bands()),
		v.cfg.Colormap,
	}
	return strings.Join(parts, "|")
}

// Settle waits until every visible tile has left Pending and no analysis is
// running.
func (v *Viewer) Settle(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(v.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		s, err := v.Status(ctx)
		if err != nil || s.Idle() {
			return s, err
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the loop and releases every resource. It is safe to call more
// than once.
func (v *Viewer) Close() {
	v.once.Do(func() {
		v.mu.Lock()
		v.closed = true
		started := v.started
		v.mu.Unlock()

		close(v.quit)
		if started {
			<-v.done
		}
		v.analyzer.Close()
		v.tiles.Close()
		v.decoders.Close()
		v.log.Info("viewer closed", "live_textures", v.backend.Live())
	})
}
