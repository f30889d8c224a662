// Package decode implements the executor side of the tile decode protocol.
//
// The control thread and decode executors exchange a closed set of messages:
// Init (broadcast once per loaded source), Decode (one tile request), Result
// (the tile's samples and statistics) and Error (protocol violation). Any
// other message type is rejected.
package decode

import (
	"errors"

	"github.com/raster-tiles/viewer/internal/grid"
)

var (
	// ErrNotInitialized is returned for a Decode received before any Init.
	ErrNotInitialized = errors.New("executor has no source")
	// ErrStaleSource is returned for a Decode addressed to a source other than
	// the one the executor was last initialized with.
	ErrStaleSource = errors.New("decode request for stale source")
	// ErrUnexpectedMessage is returned for messages outside the protocol.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrOutOfBounds marks a request whose pixel window lies outside its level.
	ErrOutOfBounds = errors.New("tile window out of bounds")
)

// Message is implemented by the protocol messages only.
type Message interface {
	isMessage()
}

// Source reads tiles of one pyramid.
type Source interface {
	Pyramid() grid.Pyramid
	// ReadTile returns 4*TileWidth*TileHeight RGBA-interleaved samples for one
	// tile. Alpha is coverage: 0 for pixels outside the level extent and for
	// no-data, 1 otherwise. One band is replicated to R, G and B.
	ReadTile(level, gridX, gridY int, bands []int) ([]float32, error)
}

// Init binds an executor to a source.
type Init struct {
	SourceID string
	Source   Source
}

// Decode requests one tile.
type Decode struct {
	SourceID     string
	Key          grid.TileKey
	PixelOriginX int
	PixelOriginY int
	TileWidth    int
	TileHeight   int
	Bands        []int
}

// Result carries a decoded tile. Pixels is nil when Success is false.
type Result struct {
	Key      grid.TileKey
	Success  bool
	Pixels   []float32
	Width    int
	Height   int
	Channels int // selected bands carried in R, G, B (1 to 3)
	Min      float64
	Max      float64
	HasStats bool
	Err      error
}

// Error reports a protocol violation for one request.
type Error struct {
	Key grid.TileKey
	Err error
}

func (e *Error) Error() string { return "decode " + e.Key.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func (*Init) isMessage()   {}
func (*Decode) isMessage() {}
func (*Result) isMessage() {}
func (*Error) isMessage()  {}

// NewDecode builds the request for a tile of p.
func NewDecode(sourceID string, p grid.Pyramid, k grid.TileKey, bands []int) *Decode {
	l := p.Levels[k.Level]
	return &Decode{
		SourceID:     sourceID,
		Key:          k,
		PixelOriginX: k.X * l.TileWidth,
		PixelOriginY: k.Y * l.TileHeight,
		TileWidth:    l.TileWidth,
		TileHeight:   l.TileHeight,
		Bands:        append([]int(nil), bands...),
	}
}

// DefaultBands returns the band selection used when none is configured:
// the first three bands for multi-band sources, band 0 otherwise.
func DefaultBands(sampleCount int) []int {
	if sampleCount >= 3 {
		return []int{0, 1, 2}
	}
	return []int{0}
}
