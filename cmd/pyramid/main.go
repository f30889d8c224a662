// Command pyramid converts a PNG, JPEG or TIFF image into a tiled pyramid
// store readable by the viewer.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/raster-tiles/viewer/internal/data/imagesrc"
	"github.com/raster-tiles/viewer/internal/data/zarr"
	"github.com/raster-tiles/viewer/internal/logging"
)

func main() {
	in := flag.String("in", "", "Input image (png, jpeg or tiff)")
	out := flag.String("out", "", "Output store directory")
	tileSize := flag.Int("tile", imagesrc.DefaultTileSize, "Tile edge in pixels")
	name := flag.String("name", "", "Dataset name stored in pyramid.json (default: input file name)")
	dtype := flag.String("dtype", "uint16", "Sample type: uint8, uint16, int32, uint32 or float32")
	nodata := flag.Float64("nodata", 65535, "No-data value for uncovered samples (ignored for float32, which uses NaN)")
	compress := flag.Bool("zstd", true, "Compress chunks with zstd")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if *in == "" || *out == "" {
		flag.Usage()
		os.Exit(2)
	}

	logging.SetLogger(logging.New(*level, os.Stderr))
	log := logging.Logger()

	start := time.Now()
	src, err := imagesrc.Open(*in, *tileSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", *in, err)
		os.Exit(1)
	}
	p := src.Pyramid()
	log.Info("image decoded", "path", *in, "width", p.Width(), "height", p.Height(),
		"levels", len(p.Levels), "bands", p.Levels[0].SampleCount)

	opts := zarr.WriteOptions{
		Name:     *name,
		DataType: *dtype,
		Compress: *compress,
	}
	if opts.Name == "" {
		opts.Name = *in
	}
	if *dtype != "float32" {
		opts.NoData = nodata
	}

	if err := zarr.Write(*out, src, opts); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *out, err)
		os.Exit(1)
	}
	log.Info("pyramid written", "path", *out, "elapsed", time.Since(start).Round(time.Millisecond))
}
