// Package main is the entry point for the raster viewer server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raster-tiles/viewer/internal/api"
	"github.com/raster-tiles/viewer/internal/cache"
	"github.com/raster-tiles/viewer/internal/config"
	"github.com/raster-tiles/viewer/internal/data/imagesrc"
	"github.com/raster-tiles/viewer/internal/data/zarr"
	"github.com/raster-tiles/viewer/internal/decode"
	"github.com/raster-tiles/viewer/internal/logging"
	"github.com/raster-tiles/viewer/internal/viewer"
	"github.com/raster-tiles/viewer/internal/viewstore"
)

func fatal(msg string, args ...any) {
	logging.Logger().Error(msg, args...)
	os.Exit(1)
}

// openSource opens a dataset. The returned function releases it.
func openSource(ds config.DatasetConfig) (decode.Source, func(), error) {
	switch ds.Kind {
	case config.KindImage:
		src, err := imagesrc.Open(ds.Path, imagesrc.DefaultTileSize)
		return src, func() {}, err
	default:
		r, err := zarr.NewReader(ds.Path)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
}

func main() {
	configPath := flag.String("config", "config/viewer.yaml", "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetLogger(logging.New(cfg.Logging.Level, os.Stderr))
	log := logging.Logger()
	log.Info("starting raster viewer", "port", cfg.Server.Port, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared across all datasets.
	cacheManager, err := cache.NewManager(cache.Config{
		PayloadSizeMB:  cfg.Cache.PayloadSizeMB,
		PayloadTTL:     cfg.PayloadTTL(),
		FrameCacheSize: cfg.Cache.FrameCacheSize,
	})
	if err != nil {
		fatal("failed to initialize cache", "error", err)
	}
	defer cacheManager.Close()

	datasetIDs := cfg.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	defer registry.Close()

	log.Info("initializing datasets", "count", len(datasetIDs), "default", cfg.Data.DefaultDataset)

	for _, id := range datasetIDs {
		ds, _ := cfg.Dataset(id)
		src, release, err := openSource(ds)
		if err != nil {
			fatal("failed to open dataset", "dataset", id, "path", ds.Path, "error", err)
		}
		defer release()

		v, err := viewer.New(viewer.Config{
			DatasetID:      id,
			Source:         src,
			Width:          cfg.Render.Width,
			Height:         cfg.Render.Height,
			MaxWidth:       cfg.Render.MaxWidth,
			MaxHeight:      cfg.Render.MaxHeight,
			Bands:          ds.Bands,
			CacheLimit:     cfg.Cache.TileLimit,
			EvictBuffer:    cfg.Cache.EvictBuffer,
			MaxExecutors:   cfg.Pool.MaxExecutors,
			Cache:          cacheManager,
			Range:          cfg.RangeOptions(),
			Throttle:       cfg.Throttle(),
			Colormap:       cfg.Render.Colormap,
			SamplesPerAxis: cfg.Render.SamplesPerAxis,
			FrameInterval:  cfg.FrameInterval(),
		})
		if err != nil {
			fatal("failed to create viewer", "dataset", id, "error", err)
		}
		registry.Register(id, v)

		go func() {
			if err := v.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("viewer stopped", "dataset", id, "error", err)
			}
		}()

		p := src.Pyramid()
		log.Info("dataset loaded", "dataset", id, "kind", ds.Kind, "path", ds.Path,
			"width", p.Width(), "height", p.Height(), "levels", len(p.Levels))
	}

	views, err := viewstore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		fatal("failed to open view store", "path", cfg.Store.SQLitePath, "error", err)
	}
	defer views.Close()

	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Views:       views,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error("server failed", "error", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
