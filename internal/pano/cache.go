package pano

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"path/filepath"
	"time"

	"github.com/streetlab/panobench/internal/db"
	"github.com/streetlab/panobench/internal/fsutil"
	"github.com/streetlab/panobench/internal/security"
)

// Sentinel errors for cache lookups. The engine maps these to the
// cache_miss_meta / cache_miss_image error kinds.
var (
	ErrMetaNotFound  = errors.New("panorama metadata not found in cache")
	ErrImageNotFound = errors.New("panorama image not found in cache")
)

// Cache is the runtime store for panorama metadata and equirectangular
// images. Metadata and the image index live in SQLite; image bytes live as
// JPEG files named {panoId}_z{N}.jpg under the panoramas directory. The
// preloader is the only writer; everything else reads.
type Cache struct {
	db           *db.DB
	fs           fsutil.FileSystem
	panoramasDir string
}

// NewCache creates a cache over the given database and panoramas directory.
func NewCache(database *db.DB, fs fsutil.FileSystem, panoramasDir string) (*Cache, error) {
	if err := fs.MkdirAll(panoramasDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create panoramas dir: %w", err)
	}
	return &Cache{db: database, fs: fs, panoramasDir: panoramasDir}, nil
}

// ImagePath returns the on-disk path for a panorama image. The ID is
// sanitized before it becomes a filename component; upstream IDs are opaque
// strings and must not be able to traverse out of the panoramas directory.
func (c *Cache) ImagePath(panoID string, zoom int) string {
	return filepath.Join(c.panoramasDir, fmt.Sprintf("%s_z%d.jpg", security.SanitizeFilename(panoID), zoom))
}

// HasImage reports whether the image for (panoID, zoom) is cached, meaning
// both the index row and the file exist.
func (c *Cache) HasImage(panoID string, zoom int) bool {
	var path string
	err := c.db.QueryRow(
		`SELECT image_path FROM panoramas WHERE pano_id = ? AND zoom = ?`,
		panoID, zoom,
	).Scan(&path)
	if err != nil {
		return false
	}
	return c.fs.Exists(path)
}

// GetImage returns the cached image path for (panoID, zoom). A missing index
// row or file is a miss; the bytes are not decoded here (ReadImage reports a
// corrupt file and treats it as a miss). The runtime never repairs the cache.
func (c *Cache) GetImage(panoID string, zoom int) (string, error) {
	var path string
	err := c.db.QueryRow(
		`SELECT image_path FROM panoramas WHERE pano_id = ? AND zoom = ?`,
		panoID, zoom,
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrImageNotFound
	}
	if err != nil {
		return "", err
	}
	if !c.fs.Exists(path) {
		return "", ErrImageNotFound
	}
	return path, nil
}

// ReadImage returns the decoded-checkable JPEG bytes for (panoID, zoom).
func (c *Cache) ReadImage(panoID string, zoom int) ([]byte, error) {
	path, err := c.GetImage(panoID, zoom)
	if err != nil {
		return nil, err
	}
	data, err := c.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached image %s: %w", path, err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("corrupt cached image %s: %w: %w", path, err, ErrImageNotFound)
	}
	return data, nil
}

// PutImage writes image bytes to the panoramas directory and upserts the
// index row. Idempotent: a second put for the same key replaces the row.
func (c *Cache) PutImage(panoID string, zoom int, data []byte) error {
	path := c.ImagePath(panoID, zoom)
	if err := c.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO panoramas (pano_id, zoom, image_path, fetched_at)
		 VALUES (?, ?, ?, ?)`,
		panoID, zoom, path, time.Now().UTC(),
	)
	return err
}

// HasMeta reports whether metadata for panoID is cached.
func (c *Cache) HasMeta(panoID string) bool {
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM metadata WHERE pano_id = ?`, panoID).Scan(&one)
	return err == nil
}

// GetMeta returns the cached metadata for panoID.
func (c *Cache) GetMeta(panoID string) (*Metadata, error) {
	var (
		m           Metadata
		captureDate sql.NullString
		linksJSON   sql.NullString
		source      sql.NullString
		fetchedAt   sql.NullString
	)
	err := c.db.QueryRow(
		`SELECT pano_id, lat, lng, capture_date, center_heading, links_json, fetched_at, source
		 FROM metadata WHERE pano_id = ?`, panoID,
	).Scan(&m.PanoID, &m.Lat, &m.Lng, &captureDate, &m.CenterHeading, &linksJSON, &fetchedAt, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMetaNotFound
	}
	if err != nil {
		return nil, err
	}

	m.CaptureDate = captureDate.String
	m.Source = source.String
	if fetchedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, fetchedAt.String); err == nil {
			m.FetchedAt = t
		}
	}
	if linksJSON.Valid && linksJSON.String != "" {
		if err := json.Unmarshal([]byte(linksJSON.String), &m.Links); err != nil {
			return nil, fmt.Errorf("corrupt links_json for %s: %w", panoID, err)
		}
	}
	return &m, nil
}

// PutMeta upserts metadata for a panorama and keeps the locations fast path
// in step. Idempotent.
func (c *Cache) PutMeta(m *Metadata) error {
	if m.Lat < -90 || m.Lat > 90 {
		return fmt.Errorf("latitude %f out of range for %s", m.Lat, m.PanoID)
	}
	if m.Lng < -180 || m.Lng > 180 {
		return fmt.Errorf("longitude %f out of range for %s", m.Lng, m.PanoID)
	}

	linksJSON, err := json.Marshal(m.Links)
	if err != nil {
		return fmt.Errorf("failed to marshal links: %w", err)
	}

	fetchedAt := m.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO metadata
		 (pano_id, lat, lng, capture_date, center_heading, links_json, fetched_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PanoID, m.Lat, m.Lng, m.CaptureDate, m.CenterHeading,
		string(linksJSON), fetchedAt.Format(time.RFC3339Nano), m.Source,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO locations (pano_id, lat, lng) VALUES (?, ?, ?)`,
		m.PanoID, m.Lat, m.Lng,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetLocation returns the coordinates for a panorama.
func (c *Cache) GetLocation(panoID string) (Location, error) {
	var loc Location
	err := c.db.QueryRow(
		`SELECT lat, lng FROM locations WHERE pano_id = ?`, panoID,
	).Scan(&loc.Lat, &loc.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, ErrMetaNotFound
	}
	return loc, err
}

// GetLocations returns coordinates for many panoramas at once. Panoramas
// without a cached location are simply absent from the result.
func (c *Cache) GetLocations(panoIDs []string) (map[string]Location, error) {
	locations := make(map[string]Location, len(panoIDs))
	for _, id := range panoIDs {
		loc, err := c.GetLocation(id)
		if errors.Is(err, ErrMetaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		locations[id] = loc
	}
	return locations, nil
}
