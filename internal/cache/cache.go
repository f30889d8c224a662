// Package cache provides caching for decoded tile payloads and rendered frames.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/raster-tiles/viewer/internal/grid"
)

// ErrCorruptPayload is returned when a cached payload cannot be decoded.
var ErrCorruptPayload = errors.New("corrupt cached payload")

// Config contains cache configuration.
type Config struct {
	PayloadSizeMB  int
	PayloadTTL     time.Duration
	FrameCacheSize int
}

// Payload is a decoded tile buffer: RGBA-interleaved samples, 4*Width*Height.
type Payload struct {
	Width  int
	Height int
	Pixels []float32
}

// Manager manages the decoded payload cache shared by decode executors and
// the rendered frame cache.
type Manager struct {
	payloads *bigcache.BigCache
	frames   *lru.Cache[string, []byte]
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = 10 * time.Minute
	}
	if cfg.FrameCacheSize <= 0 {
		cfg.FrameCacheSize = 64
	}

	payloadConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.PayloadTTL,
		CleanWindow:        cfg.PayloadTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.PayloadSizeMB,
		Verbose:            false,
	}

	payloads, err := bigcache.New(context.Background(), payloadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	frames, err := lru.New[string, []byte](cfg.FrameCacheSize)
	if err != nil {
		payloads.Close()
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		payloads.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		payloads.Close()
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		payloads: payloads,
		frames:   frames,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// GetPayload retrieves a decoded tile from cache.
func (m *Manager) GetPayload(key string) (Payload, bool) {
	data, err := m.payloads.Get(key)
	if err != nil {
		return Payload{}, false
	}
	p, err := m.unmarshalPayload(data)
	if err != nil {
		_ = m.payloads.Delete(key)
		return Payload{}, false
	}
	return p, true
}

// SetPayload stores a decoded tile in cache. Payloads are zstd compressed.
func (m *Manager) SetPayload(key string, p Payload) error {
	if len(p.Pixels) != 4*p.Width*p.Height {
		return fmt.Errorf("payload %s: %d samples for %dx%d", key, len(p.Pixels), p.Width, p.Height)
	}
	return m.payloads.Set(key, m.marshalPayload(p))
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	return m.frames.Get(key)
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) {
	m.frames.Add(key, data)
}

// PurgeFrames drops every cached frame.
func (m *Manager) PurgeFrames() {
	m.frames.Purge()
}

// PayloadKey generates a cache key for a decoded tile of one source and band
// selection.
func PayloadKey(sourceID string, k grid.TileKey, bands []int) string {
	base := "tile:" + k.String()
	if len(bands) > 0 {
		parts := make([]string, len(bands))
		for i, b := range bands {
			parts[i] = strconv.Itoa(b)
		}
		base += ":b=" + strings.Join(parts, ",")
	}
	return base + ":" + shortHash(sourceID)
}

// FrameKey generates a cache key for a rendered frame.
func FrameKey(dataset, signature string) string {
	return "frame:" + dataset + ":" + shortHash(signature)
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"payload_cache_len":  m.payloads.Len(),
		"payload_cache_cap":  m.payloads.Capacity(),
		"payload_cache_hits": m.payloads.Stats().Hits,
		"frame_cache_len":    m.frames.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.encoder.Close()
	m.decoder.Close()
	return m.payloads.Close()
}

func (m *Manager) marshalPayload(p Payload) []byte {
	raw := make([]byte, 8+4*len(p.Pixels))
	binary.LittleEndian.PutUint32(raw[0:], uint32(p.Width))
	binary.LittleEndian.PutUint32(raw[4:], uint32(p.Height))
	for i, v := range p.Pixels {
		binary.LittleEndian.PutUint32(raw[8+4*i:], math.Float32bits(v))
	}
	return m.encoder.EncodeAll(raw, nil)
}

func (m *Manager) unmarshalPayload(data []byte) (Payload, error) {
	raw, err := m.decoder.DecodeAll(data, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if len(raw) < 8 {
		return Payload{}, ErrCorruptPayload
	}
	w := int(binary.LittleEndian.Uint32(raw[0:]))
	h := int(binary.LittleEndian.Uint32(raw[4:]))
	n := 4 * w * h
	if len(raw) != 8+4*n {
		return Payload{}, fmt.Errorf("%w: %d bytes for %dx%d", ErrCorruptPayload, len(raw), w, h)
	}
	pixels := make([]float32, n)
	for i := range pixels {
		pixels[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[8+4*i:]))
	}
	return Payload{Width: w, Height: h, Pixels: pixels}, nil
}
