// Package tiles computes the visible tile set of a viewport, schedules decode
// requests for missing tiles and owns the tile cache.
//
// Manager is not safe for concurrent use. It is driven from a single control
// goroutine; decode completions reach it only through Pump and Await.
package tiles

import (
	"github.com/raster-tiles/viewer/internal/decode"
	"github.com/raster-tiles/viewer/internal/grid"
	"github.com/raster-tiles/viewer/internal/pool"
)

// State is the lifecycle state of a cached tile.
type State int

const (
	Pending State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resource is a decoded tile uploaded to the rendering backend. Release must
// be idempotent.
type Resource interface {
	Release()
}

// Backend turns decode results into renderable resources.
type Backend interface {
	Upload(key grid.TileKey, res *decode.Result) (Resource, error)
	// Placeholder returns the neutral resource drawn under every frame, or
	// nil to disable the background tile.
	Placeholder() Resource
}

// Scheduler runs decode requests. *decode.Pool implements it.
type Scheduler interface {
	Submit(id string, payload decode.Message, priority float64) *pool.Future[decode.Message]
	Update(id string, payload decode.Message, priority float64) bool
	Abort(id string) bool
	Broadcast(msg decode.Message) error
}

// Tile is one cache entry. The Resource belongs to the tile: it is released
// when the tile is evicted or the cache is reset, after which Resource is nil.
// Check Renderable every frame before drawing.
type Tile struct {
	Key        grid.TileKey
	Bounds     grid.Rect // world space
	State      State
	Resource   Resource
	SampleMin  float64
	SampleMax  float64
	HasStats   bool
	LastUsed   int64
	Background bool

	future *pool.Future[decode.Message]
}

// Renderable reports whether the tile may be drawn this frame.
func (t *Tile) Renderable() bool {
	return t.State == Loaded && t.Resource != nil
}

func (t *Tile) release() {
	if t.Resource != nil {
		t.Resource.Release()
		t.Resource = nil
	}
}

// GlobalStats is the running sample range over every tile decoded since the
// last reset.
type GlobalStats struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Initialized bool    `json:"initialized"`
}

func (g *GlobalStats) expand(lo, hi float64) {
	if !g.Initialized {
		g.Min, g.Max, g.Initialized = lo, hi, true
		return
	}
	g.Min = min(g.Min, lo)
	g.Max = max(g.Max, hi)
}

// Counts summarizes the cache by tile state.
type Counts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Loaded  int `json:"loaded"`
	Failed  int `json:"failed"`
}
