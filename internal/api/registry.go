package api

import (
	"github.com/raster-tiles/viewer/internal/viewer"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Levels int    `json:"levels"`
}

// DatasetRegistry holds the viewers of all configured datasets.
type DatasetRegistry struct {
	viewers        map[string]*viewer.Viewer
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		viewers:        make(map[string]*viewer.Viewer),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds the viewer of a dataset.
func (r *DatasetRegistry) Register(datasetID string, v *viewer.Viewer) {
	r.viewers[datasetID] = v
}

// Get returns the viewer of a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *viewer.Viewer {
	return r.viewers[datasetID]
}

// Default returns the default dataset's viewer.
func (r *DatasetRegistry) Default() *viewer.Viewer {
	return r.viewers[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Raster Viewer"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		v := r.viewers[id]
		if v == nil {
			continue
		}
		p := v.Pyramid()
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   id,
			Width:  p.Width(),
			Height: p.Height(),
			Levels: len(p.Levels),
		})
	}
	return infos
}

// Close closes every viewer.
func (r *DatasetRegistry) Close() {
	for _, v := range r.viewers {
		v.Close()
	}
}
