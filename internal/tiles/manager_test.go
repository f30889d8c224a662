package tiles

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raster-tiles/viewer/internal/decode"
	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/pool"
	"github.com/raster-tiles/viewer/internal/viewport"
)

// testSource has levels 4096, 2048, 1024 and 512 pixels wide with 256px
// tiles. Every pixel of tile (l, x, y) holds l*1000 + x*10 + y.
type testSource struct {
	pyr   grid.Pyramid
	gate  chan struct{}
	fail  map[grid.TileKey]bool
	reads atomic.Int64
}

func newTestSource() *testSource {
	s := &testSource{fail: map[grid.TileKey]bool{}}
	for i, w := range []int{4096, 2048, 1024, 512} {
		s.pyr.Levels = append(s.pyr.Levels, grid.Level{
			Index: i, Width: w, Height: w / 2, TileWidth: 256, TileHeight: 256, SampleCount: 1,
		})
	}
	return s
}

func (s *testSource) Pyramid() grid.Pyramid { return s.pyr }

func (s *testSource) ReadTile(level, gx, gy int, bands []int) ([]float32, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.reads.Add(1)
	if s.fail[grid.TileKey{Level: level, X: gx, Y: gy}] {
		return nil, errors.New("corrupt tile")
	}
	out := make([]float32, 4*256*256)
	v := float32(level*1000 + gx*10 + gy)
	for i := 0; i < len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = v, v, v, 1
	}
	return out, nil
}

type fakeResource struct {
	backend  *fakeBackend
	released atomic.Bool
}

func (r *fakeResource) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.backend.live.Add(-1)
	}
}

type fakeBackend struct {
	live        atomic.Int64
	placeholder bool
}

func (b *fakeBackend) Upload(grid.TileKey, *decode.Result) (Resource, error) {
	b.live.Add(1)
	return &fakeResource{backend: b}, nil
}

func (b *fakeBackend) Placeholder() Resource {
	if !b.placeholder {
		return nil
	}
	b.live.Add(1)
	return &fakeResource{backend: b}
}

type harness struct {
	m       *Manager
	src     *testSource
	backend *fakeBackend
	clock   int64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{src: newTestSource(), backend: &fakeBackend{placeholder: true}}
	p := decode.NewPool(pool.Config{MaxExecutors: 1}, nil)
	cfg.Scheduler = p
	cfg.Backend = h.backend
	cfg.Now = func() int64 { h.clock++; return h.clock }

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	h.m = m
	t.Cleanup(func() {
		if h.src.gate != nil {
			select {
			case <-h.src.gate:
			default:
				close(h.src.gate)
			}
		}
		m.Close()
		p.Close()
	})
	return h
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	if err := h.m.SetSource("test", h.src); err != nil {
		t.Fatalf("SetSource error: %v", err)
	}
}

func newViewport(t *testing.T, cx, cy, zoom float64) *viewport.Viewport {
	t.Helper()
	vp, err := viewport.New(512, 512)
	if err != nil {
		t.Fatal(err)
	}
	vp.SetCenter(cx, cy)
	if err := vp.SetZoom(zoom); err != nil {
		t.Fatal(err)
	}
	return vp
}

// settle pumps completions until no tile is pending.
func settle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for m.Counts().Pending > 0 {
		if _, err := m.Await(ctx); err != nil {
			t.Fatalf("tiles still pending: %+v", m.Counts())
		}
	}
}

func keys(tiles []*Tile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		if t.Background {
			out[i] = "bg"
			continue
		}
		out[i] = t.Key.String()
	}
	return out
}

func TestBestLevel(t *testing.T) {
	h := newHarness(t, Config{})
	if got := h.m.BestLevel(newViewport(t, 0, 0, 1)); got != 0 {
		t.Fatalf("no source: BestLevel = %d, want 0", got)
	}
	h.load(t)

	cases := []struct {
		zoom float64
		want int
	}{
		{4, 0},
		{1, 0},
		{0.3, 1},
		{0.25, 2},
		{0.2, 2},
		{0.01, 3},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.zoom), func(t *testing.T) {
			if got := h.m.BestLevel(newViewport(t, 0, 0, tc.zoom)); got != tc.want {
				t.Fatalf("BestLevel(zoom=%v) = %d, want %d", tc.zoom, got, tc.want)
			}
		})
	}
}

func TestVisibleTilesLoadsAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t)
	vp := newViewport(t, 256, 256, 1)

	first := h.m.VisibleTiles(vp)
	if got := keys(first); len(got) != 1 || got[0] != "bg" {
		t.Fatalf("before decode: %v, want [bg]", got)
	}
	if c := h.m.Counts(); c.Pending != 4 {
		t.Fatalf("expected 4 pending tiles, got %+v", c)
	}

	settle(t, h.m)

	a := h.m.VisibleTiles(vp)
	v := h.m.Version()
	b := h.m.VisibleTiles(vp)
	if h.m.Version() != v {
		t.Fatalf("version changed on a repeated pass: %d -> %d", v, h.m.Version())
	}
	if len(a) != 5 || len(b) != len(a) {
		t.Fatalf("lists = %v / %v, want bg + 4 tiles", keys(a), keys(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("lists differ at %d: %v vs %v", i, keys(a), keys(b))
		}
	}
	if got := h.src.reads.Load(); got != 4 {
		t.Fatalf("source reads = %d, want 4", got)
	}

	stats := h.m.Stats()
	if !stats.Initialized || stats.Min != 0 || stats.Max != 11 {
		t.Fatalf("stats = %+v, want [0,11]", stats)
	}
}

func TestVisibleTilesCoarseBeforeFine(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t)

	h.m.VisibleTiles(newViewport(t, 256, 256, 0.3))
	settle(t, h.m)
	vp := newViewport(t, 256, 256, 1)
	h.m.VisibleTiles(vp)
	settle(t, h.m)

	got := keys(h.m.VisibleTiles(vp))
	want := []string{"bg", "1-0-0", "0-0-0", "0-1-0", "0-0-1", "0-1-1"}
	if len(got) != len(want) {
		t.Fatalf("tiles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tiles = %v, want %v", got, want)
		}
	}
}

func TestVisibleTilesAbortsTilesLeavingView(t *testing.T) {
	h := newHarness(t, Config{})
	h.src.gate = make(chan struct{})
	h.load(t)

	h.m.VisibleTiles(newViewport(t, 256, 256, 1))
	if h.m.Counts().Pending != 4 {
		t.Fatalf("expected 4 pending tiles, got %+v", h.m.Counts())
	}

	far := newViewport(t, 3072, 1536, 1)
	h.m.VisibleTiles(far)
	for _, k := range []grid.TileKey{{Level: 0, X: 0, Y: 0}, {Level: 0, X: 1, Y: 1}} {
		if _, ok := h.m.Tile(k); ok {
			t.Fatalf("tile %s should be dropped after leaving the view", k)
		}
	}

	close(h.src.gate)
	settle(t, h.m)
	h.m.Pump()

	// The first request was already running; its late reply must not bring
	// the tile back.
	if _, ok := h.m.Tile(grid.TileKey{Level: 0, X: 0, Y: 0}); ok {
		t.Fatalf("late reply recreated an aborted tile")
	}
	if c := h.m.Counts(); c.Loaded != 4 || c.Total != 4 {
		t.Fatalf("counts = %+v, want 4 loaded", c)
	}
}

func TestPendingTileIsReprioritized(t *testing.T) {
	h := newHarness(t, Config{})
	h.src.gate = make(chan struct{})
	h.load(t)

	p := h.m.cfg.Scheduler.(*decode.Pool)
	h.m.VisibleTiles(newViewport(t, 256, 256, 1))
	before := p.Queued()

	// Zoom toward tile 0-1-1 so it becomes the closest queued tile while the
	// visible set stays the same.
	h.m.VisibleTiles(newViewport(t, 300, 300, 2))
	after := p.Queued()
	if len(after) != len(before) {
		t.Fatalf("re-prioritizing must not add tasks: %d -> %d", len(before), len(after))
	}
	if after[0].ID != "0-1-1" {
		t.Fatalf("closest tile should be first, queue = %+v", after)
	}
}

func TestPrune(t *testing.T) {
	const active = int64(10_000)

	fill := func(t *testing.T, h *harness) []*fakeResource {
		var res []*fakeResource
		for i := 0; i < 510; i++ {
			r := &fakeResource{backend: h.backend}
			h.backend.live.Add(1)
			ts := int64(i + 1)
			if i >= 499 {
				ts = active
			}
			k := grid.TileKey{Level: 0, X: i % 16, Y: i / 16}
			h.m.cache[k.String()] = &Tile{Key: k, State: Loaded, Resource: r, LastUsed: ts}
			res = append(res, r)
		}
		return res
	}

	t.Run("evictsOldestNonActive", func(t *testing.T) {
		h := newHarness(t, Config{CacheLimit: 500, EvictBuffer: 50})
		res := fill(t, h)

		if got := h.m.Prune(active); got != 60 {
			t.Fatalf("Prune removed %d, want 60", got)
		}
		if h.m.Len() != 450 {
			t.Fatalf("Len = %d, want 450", h.m.Len())
		}
		for i, r := range res {
			wantReleased := i < 60
			if r.released.Load() != wantReleased {
				t.Fatalf("tile %d released = %v, want %v", i, r.released.Load(), wantReleased)
			}
		}
	})

	t.Run("neverEvictsActive", func(t *testing.T) {
		for _, act := range []int64{1, 30, 60, 61, 499, active, 123456} {
			h := newHarness(t, Config{CacheLimit: 500, EvictBuffer: 50})
			fill(t, h)
			h.m.Prune(act)
			for i := 0; i < 510; i++ {
				k := grid.TileKey{Level: 0, X: i % 16, Y: i / 16}
				ts := int64(i + 1)
				if i >= 499 {
					ts = active
				}
				if ts != act {
					continue
				}
				if _, ok := h.m.cache[k.String()]; !ok {
					t.Fatalf("active=%d: tile %s with matching timestamp evicted", act, k)
				}
			}
			if h.m.Len() != 450 {
				t.Fatalf("active=%d: Len = %d, want 450", act, h.m.Len())
			}
		}
	})

	t.Run("underLimitNoop", func(t *testing.T) {
		h := newHarness(t, Config{CacheLimit: 600, EvictBuffer: 50})
		fill(t, h)
		if got := h.m.Prune(active); got != 0 || h.m.Len() != 510 {
			t.Fatalf("Prune under limit removed %d", got)
		}
	})
}

func TestSetBandsResets(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.SetBands([]int{0}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
	h.load(t)

	h.m.VisibleTiles(newViewport(t, 256, 256, 1))
	settle(t, h.m)

	// Leave some requests pending across the reset.
	h.src.gate = make(chan struct{})
	h.m.VisibleTiles(newViewport(t, 256, 256, 0.3))
	h.m.VisibleTiles(newViewport(t, 3072, 1536, 1))
	if h.m.Counts().Pending == 0 {
		t.Fatalf("expected pending tiles before reset")
	}

	v := h.m.Version()
	if err := h.m.SetBands([]int{0}); err != nil {
		t.Fatalf("SetBands error: %v", err)
	}
	if h.m.Len() != 0 {
		t.Fatalf("cache not empty after reset: %d", h.m.Len())
	}
	if h.m.Stats().Initialized {
		t.Fatalf("stats should be uninitialized after reset")
	}
	if h.m.Version() != v+1 {
		t.Fatalf("version = %d, want %d", h.m.Version(), v+1)
	}
	// Only the background placeholder stays alive.
	if live := h.backend.live.Load(); live != 1 {
		t.Fatalf("live resources = %d, want 1", live)
	}

	close(h.src.gate)
	time.Sleep(50 * time.Millisecond)
	h.m.Pump()
	if h.m.Len() != 0 {
		t.Fatalf("stale completion mutated the cache: %d tiles", h.m.Len())
	}

	for _, bad := range [][]int{nil, {0, 0, 0, 0}, {1}, {-1}} {
		if err := h.m.SetBands(bad); !errors.Is(err, ErrInvalidBands) {
			t.Fatalf("SetBands(%v): expected ErrInvalidBands, got %v", bad, err)
		}
	}
}

func TestFailedTileIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.src.fail[grid.TileKey{Level: 0, X: 1, Y: 0}] = true
	h.load(t)
	vp := newViewport(t, 256, 256, 1)

	h.m.VisibleTiles(vp)
	settle(t, h.m)

	tile, ok := h.m.Tile(grid.TileKey{Level: 0, X: 1, Y: 0})
	if !ok || tile.State != Failed || tile.Renderable() {
		t.Fatalf("expected failed tile, got %+v", tile)
	}
	got := h.m.VisibleTiles(vp)
	if len(got) != 4 {
		t.Fatalf("failed tile should be absent from the list: %v", keys(got))
	}
	if h.m.Counts().Pending != 0 || h.src.reads.Load() != 4 {
		t.Fatalf("failed tile was re-requested")
	}
}

func TestCloseReleasesResources(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(t)
	h.m.VisibleTiles(newViewport(t, 256, 256, 1))
	settle(t, h.m)

	h.m.Close()
	if live := h.backend.live.Load(); live != 0 {
		t.Fatalf("live resources after Close = %d, want 0", live)
	}
}

func TestNewManagerValidates(t *testing.T) {
	p := decode.NewPool(pool.Config{MaxExecutors: 1}, nil)
	defer p.Close()

	if _, err := NewManager(Config{Backend: &fakeBackend{}}); err == nil {
		t.Fatalf("expected error without scheduler")
	}
	if _, err := NewManager(Config{Scheduler: p, Backend: &fakeBackend{}, CacheLimit: 10, EvictBuffer: 10}); err == nil {
		t.Fatalf("expected error for buffer >= limit")
	}
}
