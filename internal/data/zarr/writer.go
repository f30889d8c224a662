package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/raster-tiles/viewer/internal/decode"
)

// WriteOptions controls how a pyramid store is written.
type WriteOptions struct {
	Name     string
	DataType string // uint8, uint16, int32, uint32 or float32 (default)
	// NoData is written for uncovered float32 samples instead of NaN, and is
	// required for integer types.
	NoData *float64
	// Compress enables the zstd codec.
	Compress bool
}

// Write copies every tile of src into a new pyramid store at dir. Bands are
// read one at a time; a tile with no covered pixel is not written.
func Write(dir string, src decode.Source, opts WriteOptions) error {
	if opts.DataType == "" {
		opts.DataType = "float32"
	}
	size, err := zarrDTypeSize(opts.DataType)
	if err != nil {
		return err
	}
	if opts.DataType != "float32" && opts.NoData == nil {
		return fmt.Errorf("%s store needs a nodata value", opts.DataType)
	}

	pyr := src.Pyramid()
	if err := pyr.Validate(); err != nil {
		return err
	}

	var encoder *zstd.Encoder
	if opts.Compress {
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer encoder.Close()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	meta := PyramidMeta{
		Name:    opts.Name,
		Format:  formatName,
		Version: formatVersion,
		Levels:  pyr.Levels,
		NoData:  opts.NoData,
	}
	if err := writeJSON(filepath.Join(dir, "pyramid.json"), meta); err != nil {
		return err
	}

	fill := math.NaN()
	if opts.NoData != nil {
		fill = *opts.NoData
	}

	for _, l := range pyr.Levels {
		arrayPath := filepath.Join(dir, levelDir(l.Index))
		am := newArrayMeta(l.SampleCount, l.Height, l.Width, l.TileHeight, l.TileWidth, opts)
		if err := os.MkdirAll(arrayPath, 0o755); err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(arrayPath, "zarr.json"), am); err != nil {
			return err
		}

		plane := l.TileWidth * l.TileHeight
		for gy := 0; gy < l.TilesY(); gy++ {
			for gx := 0; gx < l.TilesX(); gx++ {
				chunk := make([]byte, size*plane*l.SampleCount)
				covered := false
				for b := 0; b < l.SampleCount; b++ {
					px, err := src.ReadTile(l.Index, gx, gy, []int{b})
					if err != nil {
						return fmt.Errorf("read tile %d/%d/%d band %d: %w", l.Index, gx, gy, b, err)
					}
					for i := 0; i < plane; i++ {
						v := float64(px[4*i])
						if px[4*i+3] > 0 {
							covered = true
						} else {
							v = fill
						}
						encodeValue(opts.DataType, chunk[size*(b*plane+i):], v)
					}
				}
				if !covered {
					continue
				}

				data := chunk
				if encoder != nil {
					data = encoder.EncodeAll(chunk, nil)
				}
				key := encodeChunkKey(am, []int{0, gy, gx})
				chunkPath := filepath.Join(arrayPath, "c", filepath.FromSlash(key))
				if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(chunkPath, data, 0o644); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func newArrayMeta(bands, height, width, tileHeight, tileWidth int, opts WriteOptions) *ZarrV3ArrayMeta {
	am := &ZarrV3ArrayMeta{
		Shape:      []int{bands, height, width},
		DataType:   opts.DataType,
		ZarrFormat: 3,
		NodeType:   "array",
	}
	am.ChunkGrid.Name = "regular"
	am.ChunkGrid.Configuration.ChunkShape = []int{bands, tileHeight, tileWidth}
	am.ChunkKeyEncoding.Name = "default"
	am.ChunkKeyEncoding.Configuration.Separator = "/"

	switch {
	case opts.NoData != nil:
		am.FillValue = *opts.NoData
	default:
		am.FillValue = "NaN"
	}

	am.Codecs = []Codec{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}}
	if opts.Compress {
		am.Codecs = append(am.Codecs, Codec{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}})
	}
	return am
}

func encodeValue(dataType string, b []byte, v float64) {
	switch dataType {
	case "uint8":
		b[0] = uint8(clampFloat(v, 0, math.MaxUint8))
	case "uint16":
		binary.LittleEndian.PutUint16(b, uint16(clampFloat(v, 0, math.MaxUint16)))
	case "int32":
		binary.LittleEndian.PutUint32(b, uint32(int32(clampFloat(v, math.MinInt32, math.MaxInt32))))
	case "uint32":
		binary.LittleEndian.PutUint32(b, uint32(clampFloat(v, 0, math.MaxUint32)))
	default:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return math.Round(v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
