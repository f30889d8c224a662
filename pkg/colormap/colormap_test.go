package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	if c := Viridis.At(0); c != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c)
	}
	if c := Viridis.At(1); c != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c)
	}
	if c := Viridis.At(-3); c != Viridis.At(0) {
		t.Fatalf("values below 0 should clamp: %#v", c)
	}
	if c := Viridis.At(math.NaN()); c != Viridis.At(0) {
		t.Fatalf("NaN should map to the low end: %#v", c)
	}
}

func TestGrayInterpolates(t *testing.T) {
	t.Parallel()

	if c := Gray.At(0.5); c != (color.RGBA{R: 128, G: 128, B: 128, A: 255}) {
		t.Fatalf("unexpected Gray.At(0.5): %#v", c)
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := ByName(name); !ok {
			t.Fatalf("registered colormap %q not found", name)
		}
	}
	if _, ok := ByName("Viridis"); !ok {
		t.Fatalf("lookup should ignore case")
	}
	if _, ok := ByName("rainbow"); ok {
		t.Fatalf("unexpected colormap rainbow")
	}
	if _, ok := ByName(Default); !ok {
		t.Fatalf("default colormap missing")
	}
}
