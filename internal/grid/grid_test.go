package grid

import (
	"errors"
	"testing"
)

func testPyramid() Pyramid {
	widths := []int{4096, 2048, 1024, 512}
	p := Pyramid{}
	for i, w := range widths {
		p.Levels = append(p.Levels, Level{
			Index: i, Width: w, Height: w / 2,
			TileWidth: 256, TileHeight: 256, SampleCount: 1,
		})
	}
	return p
}

func TestTileKeyRoundTrip(t *testing.T) {
	k := TileKey{Level: 3, X: 12, Y: 7}
	if got := k.String(); got != "3-12-7" {
		t.Fatalf("String() = %q, want %q", got, "3-12-7")
	}
	parsed, err := ParseKey("3-12-7")
	if err != nil {
		t.Fatalf("ParseKey error: %v", err)
	}
	if parsed != k {
		t.Fatalf("ParseKey = %+v, want %+v", parsed, k)
	}

	for _, bad := range []string{"", "1-2", "a-b-c", "1-2-3-4", "1--2"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) expected error", bad)
		}
	}
}

func TestPyramidValidate(t *testing.T) {
	if err := testPyramid().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	t.Run("empty", func(t *testing.T) {
		if err := (Pyramid{}).Validate(); !errors.Is(err, ErrInvalidPyramid) {
			t.Fatalf("expected ErrInvalidPyramid, got %v", err)
		}
	})

	t.Run("nonDecreasingWidth", func(t *testing.T) {
		p := testPyramid()
		p.Levels[2].Width = 2048
		if err := p.Validate(); !errors.Is(err, ErrInvalidPyramid) {
			t.Fatalf("expected ErrInvalidPyramid, got %v", err)
		}
	})

	t.Run("zeroTile", func(t *testing.T) {
		p := testPyramid()
		p.Levels[1].TileWidth = 0
		if err := p.Validate(); !errors.Is(err, ErrInvalidPyramid) {
			t.Fatalf("expected ErrInvalidPyramid, got %v", err)
		}
	})
}

func TestTileRangeClamped(t *testing.T) {
	p := testPyramid()

	// Level 1: scale 2, tile covers 512 world units. 8 columns, 4 rows.
	x0, y0, x1, y1 := p.TileRange(1, Rect{MinX: -100, MinY: -100, MaxX: 1000, MaxY: 600})
	if x0 != 0 || y0 != 0 || x1 != 2 || y1 != 2 {
		t.Fatalf("TileRange = (%d,%d)-(%d,%d), want (0,0)-(2,2)", x0, y0, x1, y1)
	}

	x0, y0, x1, y1 = p.TileRange(1, Rect{MinX: 0, MinY: 0, MaxX: 1e9, MaxY: 1e9})
	if x1 != 8 || y1 != 4 || x0 != 0 || y0 != 0 {
		t.Fatalf("TileRange clamp = (%d,%d)-(%d,%d), want (0,0)-(8,4)", x0, y0, x1, y1)
	}

	x0, _, x1, _ = p.TileRange(0, Rect{MinX: 5000, MinY: 0, MaxX: 6000, MaxY: 10})
	if x0 != x1 {
		t.Fatalf("expected empty range outside image, got [%d,%d)", x0, x1)
	}
}

func TestTileBounds(t *testing.T) {
	p := testPyramid()
	b := p.TileBounds(TileKey{Level: 2, X: 1, Y: 0})
	// Level 2 scale is 4, so a 256px tile spans 1024 world units.
	want := Rect{MinX: 1024, MinY: 0, MaxX: 2048, MaxY: 1024}
	if b != want {
		t.Fatalf("TileBounds = %+v, want %+v", b, want)
	}
}

func TestPriorityPrefersCloserTiles(t *testing.T) {
	near := Priority(10, 10, 0, 0)
	far := Priority(100, 100, 0, 0)
	if near <= far {
		t.Fatalf("near priority %v should exceed far priority %v", near, far)
	}
	if got := Priority(3, 4, 0, 0); got != PriorityBase-25 {
		t.Fatalf("Priority = %v, want %v", got, PriorityBase-25)
	}
}
