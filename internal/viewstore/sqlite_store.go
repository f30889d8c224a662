// Package viewstore persists named views of a dataset using SQLite.
package viewstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raster-tiles/viewer/internal/adra"
)

var (
	// ErrNotFound is returned when no view has the requested name.
	ErrNotFound = errors.New("view not found")
	// ErrInvalidView is returned by Save for unusable views.
	ErrInvalidView = errors.New("invalid view")
)

// timeLayout has fixed width so that updated_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// View is a saved camera, band selection and range configuration.
type View struct {
	DatasetID    string       `json:"dataset_id"`
	Name         string       `json:"name"`
	CenterX      float64      `json:"center_x"`
	CenterY      float64      `json:"center_y"`
	Zoom         float64      `json:"zoom"`
	Bands        []int        `json:"bands"`
	RangeOptions adra.Options `json:"range_options"`
	Colormap     string       `json:"colormap,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Store provides persistent storage for saved views.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// WAL lets readers proceed during a save.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS views (
		dataset_id TEXT NOT NULL,
		name TEXT NOT NULL,
		center_x REAL NOT NULL,
		center_y REAL NOT NULL,
		zoom REAL NOT NULL,
		bands_json TEXT NOT NULL,
		range_json TEXT NOT NULL,
		colormap TEXT DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dataset_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_views_updated ON views(dataset_id, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func validate(v *View) error {
	switch {
	case strings.TrimSpace(v.DatasetID) == "":
		return fmt.Errorf("%w: empty dataset id", ErrInvalidView)
	case strings.TrimSpace(v.Name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidView)
	case !(v.Zoom > 0):
		return fmt.Errorf("%w: zoom %v", ErrInvalidView, v.Zoom)
	case len(v.Bands) == 0 || len(v.Bands) > 3:
		return fmt.Errorf("%w: %d bands", ErrInvalidView, len(v.Bands))
	}
	if err := v.RangeOptions.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidView, err)
	}
	return nil
}

// Save inserts or replaces a view. UpdatedAt is set to the current time
// when zero.
func (s *Store) Save(v *View) error {
	if err := validate(v); err != nil {
		return err
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}

	bandsJSON, err := json.Marshal(v.Bands)
	if err != nil {
		return fmt.Errorf("failed to marshal bands: %w", err)
	}
	rangeJSON, err := json.Marshal(v.RangeOptions)
	if err != nil {
		return fmt.Errorf("failed to marshal range options: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO views (dataset_id, name, center_x, center_y, zoom, bands_json, range_json, colormap, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, name) DO UPDATE SET
			center_x = excluded.center_x,
			center_y = excluded.center_y,
			zoom = excluded.zoom,
			bands_json = excluded.bands_json,
			range_json = excluded.range_json,
			colormap = excluded.colormap,
			updated_at = excluded.updated_at
	`,
		v.DatasetID,
		v.Name,
		v.CenterX,
		v.CenterY,
		v.Zoom,
		string(bandsJSON),
		string(rangeJSON),
		v.Colormap,
		v.UpdatedAt.UTC().Format(timeLayout),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(row scanner) (*View, error) {
	var v View
	var bandsJSON, rangeJSON, updatedAt string
	err := row.Scan(
		&v.DatasetID,
		&v.Name,
		&v.CenterX,
		&v.CenterY,
		&v.Zoom,
		&bandsJSON,
		&rangeJSON,
		&v.Colormap,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(bandsJSON), &v.Bands); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bands: %w", err)
	}
	if err := json.Unmarshal([]byte(rangeJSON), &v.RangeOptions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal range options: %w", err)
	}
	v.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &v, nil
}

const selectColumns = `dataset_id, name, center_x, center_y, zoom, bands_json, range_json, colormap, updated_at`

// Get retrieves a view by dataset and name.
func (s *Store) Get(datasetID, name string) (*View, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM views WHERE dataset_id = ? AND name = ?`, datasetID, name)
	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, datasetID, name)
	}
	return v, err
}

// List returns the views of a dataset, most recently updated first.
func (s *Store) List(datasetID string) ([]*View, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM views WHERE dataset_id = ? ORDER BY updated_at DESC, name`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []*View{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// Delete removes a view.
func (s *Store) Delete(datasetID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM views WHERE dataset_id = ? AND name = ?`, datasetID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, datasetID, name)
	}
	return nil
}
