// Package api provides the HTTP control surface of the raster viewer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/raster-tiles/viewer/internal/adra"
	"github.com/raster-tiles/viewer/internal/tiles"
	"github.com/raster-tiles/viewer/internal/viewer"
	"github.com/raster-tiles/viewer/internal/viewport"
	"github.com/raster-tiles/viewer/internal/viewstore"
	"github.com/raster-tiles/viewer/pkg/colormap"
)

// settleTimeout bounds how long /frame.png?settle=1 waits for pending tiles.
const settleTimeout = 10 * time.Second

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	// Views is optional; without it the saved view routes answer 503.
	Views *viewstore.Store
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/frame.png", frameHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/status", statusHandler)

			r.Post("/view", setViewHandler)
			r.Post("/view/pan", panHandler)
			r.Post("/view/zoom", zoomHandler)
			r.Post("/view/resize", resizeHandler)
			r.Put("/bands", bandsHandler)
			r.Put("/range/options", rangeOptionsHandler)
			r.Put("/colormap", colormapHandler)

			r.Route("/views", func(r chi.Router) {
				r.Get("/", listViewsHandler(cfg.Views))
				r.Post("/", saveViewHandler(cfg.Views))
				r.Post("/{name}/apply", applyViewHandler(cfg.Views))
				r.Delete("/{name}", deleteViewHandler(cfg.Views))
			})
		})
	})

	return r
}

// Context key for the dataset viewer
type ctxKey string

const datasetViewerKey ctxKey = "datasetViewer"

// datasetMiddleware resolves the dataset from URL and injects its viewer into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			v := registry.Get(datasetID)
			if v == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetViewerKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getViewer(r *http.Request) *viewer.Viewer {
	v, _ := r.Context().Value(datasetViewerKey).(*viewer.Viewer)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, viewport.ErrInvalidZoom),
		errors.Is(err, viewport.ErrInvalidSize),
		errors.Is(err, tiles.ErrInvalidBands),
		errors.Is(err, adra.ErrInvalidOptions),
		errors.Is(err, viewer.ErrInvalidArgument),
		errors.Is(err, viewstore.ErrInvalidView):
		return http.StatusBadRequest
	case errors.Is(err, viewstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, viewer.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

// decodeBody parses a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// respondStatus replies with the viewer status after a successful command.
func respondStatus(w http.ResponseWriter, r *http.Request, v *viewer.Viewer, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := v.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   colormap.Default,
		"colormaps": colormap.Names(),
	})
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	p := v.Pyramid()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dataset":      chi.URLParam(r, "dataset"),
		"width":        p.Width(),
		"height":       p.Height(),
		"sample_count": p.Levels[0].SampleCount,
		"levels":       p.Levels,
	})
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	s, err := v.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type setViewRequest struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Zoom    float64 `json:"zoom"`
}

func setViewHandler(w http.ResponseWriter, r *http.Request) {
	var req setViewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.SetView(r.Context(), req.CenterX, req.CenterY, req.Zoom))
}

type panRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func panHandler(w http.ResponseWriter, r *http.Request) {
	var req panRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.Pan(r.Context(), req.DX, req.DY))
}

type zoomRequest struct {
	Factor float64 `json:"factor"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func zoomHandler(w http.ResponseWriter, r *http.Request) {
	var req zoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.ZoomAt(r.Context(), req.Factor, req.X, req.Y))
}

type resizeRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func resizeHandler(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.Resize(r.Context(), req.Width, req.Height))
}

type bandsRequest struct {
	Bands []int `json:"bands"`
}

func bandsHandler(w http.ResponseWriter, r *http.Request) {
	var req bandsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.SetBands(r.Context(), req.Bands))
}

func rangeOptionsHandler(w http.ResponseWriter, r *http.Request) {
	var opts adra.Options
	if !decodeBody(w, r, &opts) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.SetRangeOptions(r.Context(), opts))
}

type colormapRequest struct {
	Name string `json:"name"`
}

func colormapHandler(w http.ResponseWriter, r *http.Request) {
	var req colormapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v := getViewer(r)
	respondStatus(w, r, v, v.SetColormap(r.Context(), req.Name))
}

// frameHandler renders the current view. With settle=1 it first waits for
// pending tiles and a running range analysis.
func frameHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	ctx := r.Context()

	if s := r.URL.Query().Get("settle"); s == "1" || strings.EqualFold(s, "true") {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settleTimeout)
		defer cancel()
		if _, err := v.Settle(ctx); err != nil {
			writeError(w, err)
			return
		}
	}

	data, err := v.Frame(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func storeUnavailable(w http.ResponseWriter) {
	http.Error(w, "saved views are not configured", http.StatusServiceUnavailable)
}

func listViewsHandler(store *viewstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			storeUnavailable(w)
			return
		}
		views, err := store.List(chi.URLParam(r, "dataset"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"views": views})
	}
}

type saveViewRequest struct {
	Name string `json:"name"`
}

// saveViewHandler stores the current view under a name.
func saveViewHandler(store *viewstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			storeUnavailable(w)
			return
		}
		var req saveViewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s, err := getViewer(r).Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		view := &viewstore.View{
			DatasetID:    chi.URLParam(r, "dataset"),
			Name:         strings.TrimSpace(req.Name),
			CenterX:      s.View.CenterX,
			CenterY:      s.View.CenterY,
			Zoom:         s.View.Zoom,
			Bands:        s.Bands,
			RangeOptions: s.RangeOptions,
			Colormap:     s.Colormap,
		}
		if err := store.Save(view); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

// applyViewHandler restores a saved view.
func applyViewHandler(store *viewstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			storeUnavailable(w)
			return
		}
		view, err := store.Get(chi.URLParam(r, "dataset"), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}

		v := getViewer(r)
		ctx := r.Context()
		err = v.SetView(ctx, view.CenterX, view.CenterY, view.Zoom)
		if err == nil {
			err = v.SetBands(ctx, view.Bands)
		}
		if err == nil {
			err = v.SetRangeOptions(ctx, view.RangeOptions)
		}
		if err == nil && view.Colormap != "" {
			err = v.SetColormap(ctx, view.Colormap)
		}
		respondStatus(w, r, v, err)
	}
}

func deleteViewHandler(store *viewstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			storeUnavailable(w)
			return
		}
		if err := store.Delete(chi.URLParam(r, "dataset"), chi.URLParam(r, "name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
