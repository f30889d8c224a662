// Package zarr provides a reader and writer for raster pyramids stored as
// Zarr v3 arrays.
//
// Store layout:
//
//	pyramid.json            level list and no-data value
//	level_<i>/zarr.json     array metadata, shape [bands, height, width]
//	level_<i>/c/0/<gy>/<gx> one chunk per tile, [bands, tileHeight, tileWidth]
//
// A chunk missing on disk holds no data: all of its pixels are uncovered.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/raster-tiles/viewer/internal/grid"
)

// ErrUnsupported is returned for array features the reader does not handle.
var ErrUnsupported = errors.New("unsupported zarr array")

// PyramidMeta is the content of pyramid.json.
type PyramidMeta struct {
	Name    string       `json:"name,omitempty"`
	Format  string       `json:"format"`
	Version int          `json:"version"`
	Levels  []grid.Level `json:"levels"`
	// NoData marks uncovered samples. NaN is always uncovered.
	NoData *float64 `json:"nodata,omitempty"`
}

const (
	formatName    = "raster-pyramid"
	formatVersion = 1
)

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []Codec     `json:"codecs"`
	ZarrFormat int        `json:"zarr_format"`
	NodeType   string     `json:"node_type"`
}

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// Reader provides tile access to a pyramid store. It implements decode.Source
// and is safe for concurrent use.
type Reader struct {
	basePath string
	meta     PyramidMeta
	pyramid  grid.Pyramid
	decoder  *zstd.Decoder
	arrays   *lru.Cache[int, *ZarrV3ArrayMeta]
}

// NewReader opens the pyramid store at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	arrays, err := lru.New[int, *ZarrV3ArrayMeta](64)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		arrays:   arrays,
	}

	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	// Check every level up front so a broken store fails at open, not per tile.
	for i := range r.pyramid.Levels {
		if _, err := r.levelMeta(i); err != nil {
			decoder.Close()
			return nil, fmt.Errorf("failed to load level %d: %w", i, err)
		}
	}

	return r, nil
}

// Metadata returns the pyramid metadata.
func (r *Reader) Metadata() PyramidMeta {
	return r.meta
}

// Pyramid implements decode.Source.
func (r *Reader) Pyramid() grid.Pyramid {
	return r.pyramid
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "pyramid.json"))
	if err != nil {
		return fmt.Errorf("failed to read pyramid.json: %w", err)
	}

	var meta PyramidMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse pyramid.json: %w", err)
	}
	if meta.Format != formatName {
		return fmt.Errorf("%w: format %q", ErrUnsupported, meta.Format)
	}

	pyr := grid.Pyramid{Levels: meta.Levels}
	if err := pyr.Validate(); err != nil {
		return err
	}

	r.meta = meta
	r.pyramid = pyr
	return nil
}

func levelDir(level int) string {
	return "level_" + strconv.Itoa(level)
}

// levelMeta returns the array metadata of a level, loading it on first use.
func (r *Reader) levelMeta(level int) (*ZarrV3ArrayMeta, error) {
	if meta, ok := r.arrays.Get(level); ok {
		return meta, nil
	}

	meta, err := r.loadArrayMeta(filepath.Join(r.basePath, levelDir(level)))
	if err != nil {
		return nil, err
	}

	l := r.pyramid.Levels[level]
	want := []int{l.SampleCount, l.Height, l.Width}
	if !equalInts(meta.Shape, want) {
		return nil, fmt.Errorf("%w: shape %v, pyramid says %v", ErrUnsupported, meta.Shape, want)
	}
	chunk := []int{l.SampleCount, l.TileHeight, l.TileWidth}
	if !equalInts(meta.ChunkGrid.Configuration.ChunkShape, chunk) {
		return nil, fmt.Errorf("%w: chunk shape %v, want %v", ErrUnsupported, meta.ChunkGrid.Configuration.ChunkShape, chunk)
	}
	if _, err := zarrDTypeSize(meta.DataType); err != nil {
		return nil, err
	}

	r.arrays.Add(level, meta)
	return meta, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.ZarrFormat != 3 || meta.NodeType != "array" {
		return nil, fmt.Errorf("%w: zarr_format=%d node_type=%q", ErrUnsupported, meta.ZarrFormat, meta.NodeType)
	}

	return &meta, nil
}

// ReadTile implements decode.Source.
func (r *Reader) ReadTile(level, gridX, gridY int, bands []int) ([]float32, error) {
	if level < 0 || level >= len(r.pyramid.Levels) {
		return nil, fmt.Errorf("invalid level: %d", level)
	}
	l := r.pyramid.Levels[level]
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

	meta, err := r.levelMeta(level)
	if err != nil {
		return nil, err
	}

	out := make([]float32, 4*l.TileWidth*l.TileHeight)
	raw, err := r.readChunkAt(filepath.Join(r.basePath, levelDir(level)), meta, []int{0, gridY, gridX})
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	size, _ := zarrDTypeSize(meta.DataType)
	plane := l.TileWidth * l.TileHeight
	if len(raw) != size*plane*l.SampleCount {
		return nil, fmt.Errorf("chunk %d/%d/%d: %d bytes, want %d", level, gridX, gridY, len(raw), size*plane*l.SampleCount)
	}

	validW := min(l.TileWidth, l.Width-gridX*l.TileWidth)
	validH := min(l.TileHeight, l.Height-gridY*l.TileHeight)

	for y := 0; y < validH; y++ {
		for x := 0; x < validW; x++ {
			px := y*l.TileWidth + x
			o := 4 * px
			covered := true
			for c := 0; c < 3; c++ {
				b := bands[min(c, len(bands)-1)]
				v := decodeValue(meta.DataType, raw[size*(b*plane+px):])
				if math.IsNaN(float64(v)) || (r.meta.NoData != nil && float64(v) == *r.meta.NoData) {
					covered = false
				}
				out[o+c] = v
			}
			if covered {
				out[o+3] = 1
			}
		}
	}
	return out, nil
}

// readChunk reads and decodes a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, meta *ZarrV3ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(arrayPath, "c", filepath.FromSlash(chunkKey))

	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "zstd":
			data, err = r.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "bytes":
			if endian, ok := meta.Codecs[i].Configuration["endian"].(string); ok && endian != "little" {
				return nil, fmt.Errorf("%w: %s endian", ErrUnsupported, endian)
			}
		default:
			return nil, fmt.Errorf("%w: codec %q", ErrUnsupported, meta.Codecs[i].Name)
		}
	}

	return data, nil
}

func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int) ([]byte, error) {
	return r.readChunk(arrayPath, meta, encodeChunkKey(meta, chunkIndices))
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8":
		return 1, nil
	case "uint16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: data_type %s", ErrUnsupported, dataType)
	}
}

func decodeValue(dataType string, b []byte) float32 {
	switch dataType {
	case "uint8":
		return float32(b[0])
	case "uint16":
		return float32(binary.LittleEndian.Uint16(b))
	case "int32":
		return float32(int32(binary.LittleEndian.Uint32(b)))
	case "uint32":
		return float32(binary.LittleEndian.Uint32(b))
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}
