package tiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raster-tiles/viewer/internal/decode"
	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/logging"
	"github.com/raster-tiles/viewer/internal/pool"
	"github.com/raster-tiles/viewer/internal/viewport"
)

var (
	// ErrInvalidBands is returned by SetBands for an unusable band selection.
	ErrInvalidBands = errors.New("invalid band selection")
	// ErrNoSource is returned when an operation needs a loaded source.
	ErrNoSource = errors.New("no source loaded")
)

const (
	DefaultCacheLimit  = 500
	DefaultEvictBuffer = 50
)

// Config contains tile manager configuration.
type Config struct {
	CacheLimit  int // tile count ceiling (default 500)
	EvictBuffer int // headroom left below CacheLimit after a prune (default 50)
	Scheduler   Scheduler
	Backend     Backend
	// Now returns the frame timestamp source. Defaults to time.Now in
	// nanoseconds.
	Now func() int64
}

type completion struct {
	id     string
	future *pool.Future[decode.Message]
	msg    decode.Message
	err    error
}

// Manager is the tile scheduler and cache.
type Manager struct {
	cfg Config

	sourceID   string
	pyramid    grid.Pyramid
	bands      []int
	cache      map[string]*Tile
	background *Tile

	version  uint64
	stats    GlobalStats
	lastTick int64

	completions chan completion
	stop        chan struct{}
	watchers    sync.WaitGroup
	closed      bool
	log         *slog.Logger
}

// NewManager creates a tile manager with no source.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("tiles: nil scheduler")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("tiles: nil backend")
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}
	if cfg.EvictBuffer < 0 || cfg.EvictBuffer >= cfg.CacheLimit {
		return nil, fmt.Errorf("tiles: evict buffer %d must be in [0,%d)", cfg.EvictBuffer, cfg.CacheLimit)
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}

	return &Manager{
		cfg:         cfg,
		cache:       make(map[string]*Tile),
		completions: make(chan completion, 256),
		stop:        make(chan struct{}),
		log:         logging.Component("tiles"),
	}, nil
}

// SetSource replaces the loaded source. The cache is reset, executors are
// re-initialized and the band selection falls back to the source default.
func (m *Manager) SetSource(id string, src decode.Source) error {
	pyr := src.Pyramid()
	if err := pyr.Validate(); err != nil {
		return err
	}

	m.reset()
	if m.background != nil {
		m.background.release()
		m.background = nil
	}

	m.sourceID = id
	m.pyramid = pyr
	m.bands = decode.DefaultBands(pyr.Levels[0].SampleCount)

	if err := m.cfg.Scheduler.Broadcast(&decode.Init{SourceID: id, Source: src}); err != nil {
		return fmt.Errorf("failed to initialize executors: %w", err)
	}

	if res := m.cfg.Backend.Placeholder(); res != nil {
		m.background = &Tile{
			Key:        grid.TileKey{Level: -1},
			Bounds:     pyr.Bounds(),
			State:      Loaded,
			Resource:   res,
			Background: true,
		}
	}

	m.log.Info("source loaded", "source", id, "levels", len(pyr.Levels),
		"width", pyr.Width(), "height", pyr.Height())
	return nil
}

// SetBands changes the band selection and resets the cache.
func (m *Manager) SetBands(bands []int) error {
	if len(m.pyramid.Levels) == 0 {
		return ErrNoSource
	}
	if len(bands) == 0 || len(bands) > 3 {
		return fmt.Errorf("%w: need 1 to 3 bands, got %d", ErrInvalidBands, len(bands))
	}
	samples := m.pyramid.Levels[0].SampleCount
	for _, b := range bands {
		if b < 0 || b >= samples {
			return fmt.Errorf("%w: band %d, source has %d", ErrInvalidBands, b, samples)
		}
	}

	m.reset()
	m.bands = append([]int(nil), bands...)
	return nil
}

// reset releases every cached tile, aborts pending decodes and bumps the
// version.
func (m *Manager) reset() {
	for id, t := range m.cache {
		if t.future != nil {
			m.cfg.Scheduler.Abort(id)
			t.future = nil
		}
		t.release()
		delete(m.cache, id)
	}
	m.stats = GlobalStats{}
	m.version++
}

// BestLevel returns the finest level whose pixel density does not exceed what
// the viewport can show.
func (m *Manager) BestLevel(vp *viewport.Viewport) int {
	if len(m.pyramid.Levels) == 0 {
		return 0
	}
	target := 1 / vp.Zoom
	imageWidth := float64(m.pyramid.Width())

	best := 0
	for i, l := range m.pyramid.Levels {
		if imageWidth/float64(l.Width) > target {
			break
		}
		best = i
	}
	return best
}

type request struct {
	tile     *Tile
	id       string
	priority float64
}

// VisibleTiles returns the loaded tiles covering the viewport, coarse levels
// first, preceded by the background tile. Missing tiles at the best level
// are requested; pending tiles that are no longer visible are aborted and
// dropped; the cache is then pruned.
func (m *Manager) VisibleTiles(vp *viewport.Viewport) []*Tile {
	var out []*Tile
	if m.background != nil {
		out = append(out, m.background)
	}
	if len(m.pyramid.Levels) == 0 {
		return out
	}

	now := m.tick()
	view := vp.Bounds()
	target := m.BestLevel(vp)
	required := make(map[string]struct{})
	var requests []request

	for level := len(m.pyramid.Levels) - 1; level >= 0; level-- {
		x0, y0, x1, y1 := m.pyramid.TileRange(level, view)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				k := grid.TileKey{Level: level, X: x, Y: y}
				id := k.String()
				required[id] = struct{}{}

				t, cached := m.cache[id]
				if level == target {
					switch {
					case !cached:
						t = &Tile{Key: k, Bounds: m.pyramid.TileBounds(k), State: Pending}
						m.cache[id] = t
						requests = append(requests, request{tile: t, id: id, priority: m.priority(t, vp)})
					case t.State == Pending:
						m.cfg.Scheduler.Update(id, m.decodeRequest(k), m.priority(t, vp))
					}
				}
				if t == nil {
					continue
				}
				t.LastUsed = now
				if t.State == Loaded {
					out = append(out, t)
				}
			}
		}
	}

	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].priority > requests[j].priority
	})
	for _, r := range requests {
		f := m.cfg.Scheduler.Submit(r.id, m.decodeRequest(r.tile.Key), r.priority)
		r.tile.future = f
		m.watch(r.id, f)
	}

	for id, t := range m.cache {
		if _, ok := required[id]; ok || t.State != Pending {
			continue
		}
		m.cfg.Scheduler.Abort(id)
		t.future = nil
		delete(m.cache, id)
	}

	m.Prune(now)
	return out
}

func (m *Manager) priority(t *Tile, vp *viewport.Viewport) float64 {
	tx, ty := t.Bounds.Center()
	return grid.Priority(tx, ty, vp.CenterX, vp.CenterY)
}

func (m *Manager) decodeRequest(k grid.TileKey) *decode.Decode {
	return decode.NewDecode(m.sourceID, m.pyramid, k, m.bands)
}

// tick returns a frame timestamp strictly greater than the previous one.
func (m *Manager) tick() int64 {
	now := m.cfg.Now()
	if now <= m.lastTick {
		now = m.lastTick + 1
	}
	m.lastTick = now
	return now
}

// Prune evicts least recently used tiles once the cache exceeds CacheLimit,
// down to CacheLimit-EvictBuffer. Tiles used at active are never evicted.
// Returns the number of evicted tiles.
func (m *Manager) Prune(active int64) int {
	if len(m.cache) <= m.cfg.CacheLimit {
		return 0
	}

	tiles := make([]*Tile, 0, len(m.cache))
	for _, t := range m.cache {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].LastUsed != tiles[j].LastUsed {
			return tiles[i].LastUsed < tiles[j].LastUsed
		}
		return tiles[i].Key.String() < tiles[j].Key.String()
	})

	toRemove := len(m.cache) - (m.cfg.CacheLimit - m.cfg.EvictBuffer)
	removed := 0
	for _, t := range tiles {
		if removed >= toRemove {
			break
		}
		if t.LastUsed == active {
			continue
		}
		m.evict(t)
		removed++
	}
	if removed > 0 {
		m.log.Debug("pruned tiles", "removed", removed, "remaining", len(m.cache))
	}
	return removed
}

func (m *Manager) evict(t *Tile) {
	id := t.Key.String()
	if t.future != nil {
		m.cfg.Scheduler.Abort(id)
		t.future = nil
	}
	t.release()
	delete(m.cache, id)
}

// watch forwards the settlement of f to the control goroutine.
func (m *Manager) watch(id string, f *pool.Future[decode.Message]) {
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		select {
		case <-f.Done():
		case <-m.stop:
			return
		}
		msg, err := f.Result()
		select {
		case m.completions <- completion{id: id, future: f, msg: msg, err: err}:
		case <-m.stop:
		}
	}()
}

// Pump applies every decode completion that has arrived and returns how many
// changed the cache. It never blocks.
func (m *Manager) Pump() int {
	n := 0
	for {
		select {
		case c := <-m.completions:
			if m.apply(c) {
				n++
			}
		default:
			return n
		}
	}
}

// Await blocks until at least one completion arrives, then behaves like Pump.
func (m *Manager) Await(ctx context.Context) (int, error) {
	select {
	case c := <-m.completions:
		n := 0
		if m.apply(c) {
			n++
		}
		return n + m.Pump(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// apply folds one completion into the cache. Completions for tiles that were
// evicted, aborted or re-requested since are ignored.
func (m *Manager) apply(c completion) bool {
	t, ok := m.cache[c.id]
	if !ok || t.future != c.future {
		return false
	}
	t.future = nil

	if c.err != nil {
		if errors.Is(c.err, pool.ErrAborted) {
			delete(m.cache, c.id)
			return true
		}
		m.log.Warn("decode failed", "tile", c.id, "error", c.err)
		t.State = Failed
		return true
	}

	switch msg := c.msg.(type) {
	case *decode.Result:
		if !msg.Success {
			m.log.Debug("tile unreadable", "tile", c.id, "error", msg.Err)
			t.State = Failed
			return true
		}
		res, err := m.cfg.Backend.Upload(t.Key, msg)
		if err != nil {
			m.log.Warn("upload failed", "tile", c.id, "error", err)
			t.State = Failed
			return true
		}
		t.Resource = res
		t.State = Loaded
		if msg.HasStats {
			t.SampleMin, t.SampleMax, t.HasStats = msg.Min, msg.Max, true
			m.stats.expand(msg.Min, msg.Max)
		}
		m.version++
	case *decode.Error:
		m.log.Warn("decode protocol error", "tile", c.id, "error", msg.Err)
		t.State = Failed
	default:
		m.log.Warn("unexpected decode reply", "tile", c.id, "type", fmt.Sprintf("%T", c.msg))
		t.State = Failed
	}
	return true
}

// Version returns the cache version. It increases once per loaded tile and
// once per reset.
func (m *Manager) Version() uint64 { return m.version }

// Stats returns the running sample range.
func (m *Manager) Stats() GlobalStats { return m.stats }

// Len returns the number of cached tiles.
func (m *Manager) Len() int { return len(m.cache) }

// Tile returns the cached tile for k.
func (m *Manager) Tile(k grid.TileKey) (*Tile, bool) {
	t, ok := m.cache[k.String()]
	return t, ok
}

// Counts returns the number of cached tiles per state.
func (m *Manager) Counts() Counts {
	c := Counts{Total: len(m.cache)}
	for _, t := range m.cache {
		switch t.State {
		case Pending:
			c.Pending++
		case Loaded:
			c.Loaded++
		case Failed:
			c.Failed++
		}
	}
	return c
}

// Pyramid returns the loaded source's pyramid.
func (m *Manager) Pyramid() grid.Pyramid { return m.pyramid }

// Bands returns the current band selection.
func (m *Manager) Bands() []int { return append([]int(nil), m.bands...) }

// SourceID returns the loaded source id.
func (m *Manager) SourceID() string { return m.sourceID }

// Close releases every resource and stops completion forwarding. The
// scheduler is not closed.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.reset()
	if m.background != nil {
		m.background.release()
		m.background = nil
	}
	close(m.stop)
	m.watchers.Wait()
}
