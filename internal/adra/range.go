// Package adra derives a display range from the samples currently on screen.
//
// The range is the [ClipLow, ClipHigh] percentile window of all covered
// samples, widened by PadLow and PadHigh percent of its width.
package adra

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidOptions is returned for percentages outside [0, 100].
var ErrInvalidOptions = errors.New("invalid range options")

// Epsilon is the minimum width of a computed range.
const Epsilon = 1e-4

// Options are the analysis percentages.
type Options struct {
	ClipLow  float64 `json:"clip_low" yaml:"clip_low" toml:"clip_low"`
	ClipHigh float64 `json:"clip_high" yaml:"clip_high" toml:"clip_high"`
	PadLow   float64 `json:"pad_low" yaml:"pad_low" toml:"pad_low"`
	PadHigh  float64 `json:"pad_high" yaml:"pad_high" toml:"pad_high"`
}

// DefaultOptions clips the outer 1% on each side without padding.
func DefaultOptions() Options {
	return Options{ClipLow: 1, ClipHigh: 99}
}

// Validate checks that every percentage lies in [0, 100].
func (o Options) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"clip_low", o.ClipLow},
		{"clip_high", o.ClipHigh},
		{"pad_low", o.PadLow},
		{"pad_high", o.PadHigh},
	} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 100 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidOptions, f.name, f.v)
		}
	}
	return nil
}

// Range is a display range.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultRange is used until the first analysis succeeds.
var DefaultRange = Range{Min: 0, Max: 1}

// Normalize maps v into [0, 1] relative to the range, clamped.
func (r Range) Normalize(v float64) float64 {
	t := (v - r.Min) / (r.Max - r.Min)
	switch {
	case t < 0 || math.IsNaN(t):
		return 0
	case t > 1:
		return 1
	}
	return t
}

// Sample is one read-back value. Valid is false for uncovered pixels.
type Sample struct {
	Value float32
	Valid bool
}

// ComputeRange applies the percentile clip and padding to samples. ok is
// false when no sample is valid.
func ComputeRange(samples []Sample, opts Options) (r Range, ok bool) {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !s.Valid || math.IsNaN(float64(s.Value)) {
			continue
		}
		values = append(values, float64(s.Value))
	}
	if len(values) == 0 {
		return Range{}, false
	}
	sort.Float64s(values)

	n := len(values)
	lowIndex := int(math.Floor(float64(n) * opts.ClipLow / 100))
	highIndex := int(math.Floor(float64(n) * opts.ClipHigh / 100))

	lo := values[0]
	if lowIndex >= 0 && lowIndex < n {
		lo = values[lowIndex]
	}
	hi := values[n-1]
	if highIndex >= 0 && highIndex < n {
		hi = values[highIndex]
	}

	width := hi - lo
	lo -= width * opts.PadLow / 100
	hi += width * opts.PadHigh / 100

	if hi <= lo {
		hi = lo + Epsilon
	}
	return Range{Min: lo, Max: hi}, true
}
