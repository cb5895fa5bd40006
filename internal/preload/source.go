// Package preload fills the panorama cache for a geofence ahead of
// evaluation. It is the only component that talks to upstream providers and
// the only writer of the cache; the runtime request path never reaches here.
package preload

import (
	"context"
	"errors"
	"log"

	"github.com/streetlab/panobench/internal/pano"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ErrRateLimited marks an upstream 429/503 response. The fetch loop backs
// off and retries on it, same as on transport failure.
var ErrRateLimited = errors.New("upstream rate limited")

// ErrSourceUnavailable marks retry exhaustion for one item.
var ErrSourceUnavailable = errors.New("upstream source unavailable after retries")

// TileSource provides 512x512 panorama image tiles at (zoom, x, y).
type TileSource interface {
	FetchTile(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error)
}

// MetadataSource provides panorama metadata including adjacency links.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, panoID string) (*pano.Metadata, error)
}

// TileSize is the upstream tile edge length in pixels.
const TileSize = 512

// TileGrid returns the tile grid dimensions for a zoom level:
// cols = 2^z, rows = max(1, 2^(z-1)).
func TileGrid(zoom int) (cols, rows int) {
	if zoom == 0 {
		return 1, 1
	}
	return 1 << zoom, 1 << (zoom - 1)
}
