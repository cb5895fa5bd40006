package preload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streetlab/panobench/internal/config"
	"github.com/streetlab/panobench/internal/db"
	"github.com/streetlab/panobench/internal/fsutil"
	"github.com/streetlab/panobench/internal/pano"
)

func init() {
	SetLogger(nil)
}

func tileJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, TileSize, TileSize)), nil); err != nil {
		t.Fatalf("failed to encode tile: %v", err)
	}
	return buf.Bytes()
}

// fakeSource serves tiles and metadata from memory, counting requests and
// optionally failing specific panoramas.
type fakeSource struct {
	tile         []byte
	tileCalls    atomic.Int64
	metaCalls    atomic.Int64
	failPano     string
	rateLimitFor string
	rateLimited  atomic.Int64
}

func (f *fakeSource) FetchTile(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error) {
	f.tileCalls.Add(1)
	if panoID == f.failPano {
		return nil, errors.New("boom")
	}
	if panoID == f.rateLimitFor && f.rateLimited.Add(1) <= 2 {
		return nil, fmt.Errorf("status 429: %w", ErrRateLimited)
	}
	return f.tile, nil
}

func (f *fakeSource) FetchMetadata(ctx context.Context, panoID string) (*pano.Metadata, error) {
	f.metaCalls.Add(1)
	if panoID == f.failPano {
		return nil, errors.New("boom")
	}
	return &pano.Metadata{PanoID: panoID, Lat: 1, Lng: 2, Source: "fake"}, nil
}

func fastConfig() *config.Settings {
	zero := 0.0
	one := 1
	return &config.Settings{
		PrefetchRequestDelayMin: &zero,
		PrefetchRequestDelayMax: &zero,
		PrefetchRetryMax:        &one,
	}
}

func setupPreloader(t *testing.T, src *fakeSource) (*Preloader, *pano.Cache) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cache, err := pano.NewCache(database, fsutil.NewMemoryFileSystem(), "data/panoramas")
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	p := NewPreloader(cache, src, src, fastConfig())
	p.sleep = func(context.Context, time.Duration) {}
	p.limiter.SetLimit(1e9)
	return p, cache
}

func waitDone(t *testing.T, p *Preloader, name string) Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		prog := p.Progress(name)
		if prog.Status == StatusCompleted || prog.Status == StatusCompletedWithErrors {
			return prog
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("preload %s did not finish: %+v", name, p.Progress(name))
	return Progress{}
}

func TestPreloadFillsCache(t *testing.T) {
	src := &fakeSource{tile: tileJPEG(t)}
	p, cache := setupPreloader(t, src)

	p.Start(context.Background(), "fence", []string{"P0", "P1"}, 0)
	prog := waitDone(t, p, "fence")

	if prog.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", prog.Status)
	}
	if prog.Done != 2 || prog.Total != 2 || prog.Percentage != 100 {
		t.Errorf("progress = %+v", prog)
	}
	for _, id := range []string{"P0", "P1"} {
		if !cache.HasMeta(id) {
			t.Errorf("metadata for %s missing", id)
		}
		if !cache.HasImage(id, 0) {
			t.Errorf("image for %s missing", id)
		}
	}
}

func TestPreloadIdempotent(t *testing.T) {
	src := &fakeSource{tile: tileJPEG(t)}
	p, _ := setupPreloader(t, src)

	p.Start(context.Background(), "fence", []string{"P0", "P1"}, 0)
	waitDone(t, p, "fence")

	tileCalls := src.tileCalls.Load()
	metaCalls := src.metaCalls.Load()

	// Second run over a fully cached geofence: zero upstream requests.
	p.Start(context.Background(), "fence", []string{"P0", "P1"}, 0)
	prog := waitDone(t, p, "fence")

	if prog.Percentage != 100 {
		t.Errorf("percentage = %v, want 100", prog.Percentage)
	}
	if src.tileCalls.Load() != tileCalls {
		t.Errorf("second preload made %d extra tile requests", src.tileCalls.Load()-tileCalls)
	}
	if src.metaCalls.Load() != metaCalls {
		t.Errorf("second preload made %d extra metadata requests", src.metaCalls.Load()-metaCalls)
	}
}

func TestPreloadRecordsFailuresAndContinues(t *testing.T) {
	src := &fakeSource{tile: tileJPEG(t), failPano: "P-bad"}
	p, cache := setupPreloader(t, src)

	p.Start(context.Background(), "fence", []string{"P-bad", "P0"}, 0)
	prog := waitDone(t, p, "fence")

	if prog.Status != StatusCompletedWithErrors {
		t.Errorf("status = %s, want completed_with_errors", prog.Status)
	}
	if len(prog.Failed) != 1 || prog.Failed[0] != "P-bad" {
		t.Errorf("failed = %v, want [P-bad]", prog.Failed)
	}
	if !cache.HasImage("P0", 0) {
		t.Error("healthy panorama was not preloaded after a sibling failure")
	}
}

func TestPreloadRetriesRateLimit(t *testing.T) {
	src := &fakeSource{tile: tileJPEG(t), rateLimitFor: "P0"}
	p, cache := setupPreloader(t, src)
	three := 3
	p.cfg.PrefetchRetryMax = &three

	p.Start(context.Background(), "fence", []string{"P0"}, 0)
	prog := waitDone(t, p, "fence")

	if prog.Status != StatusCompleted {
		t.Errorf("status = %s, want completed after retries", prog.Status)
	}
	if !cache.HasImage("P0", 0) {
		t.Error("image missing after rate-limit retries")
	}
}

func TestProgressUnknownJob(t *testing.T) {
	p, _ := setupPreloader(t, &fakeSource{tile: tileJPEG(t)})
	if got := p.Progress("nope"); got.Status != StatusNotStarted {
		t.Errorf("Progress(unknown) = %+v, want not_started", got)
	}
}

func TestTileGrid(t *testing.T) {
	cases := []struct{ zoom, cols, rows int }{
		{0, 1, 1},
		{1, 2, 1},
		{2, 4, 2},
		{3, 8, 4},
	}
	for _, tc := range cases {
		cols, rows := TileGrid(tc.zoom)
		if cols != tc.cols || rows != tc.rows {
			t.Errorf("TileGrid(%d) = (%d, %d), want (%d, %d)", tc.zoom, cols, rows, tc.cols, tc.rows)
		}
	}
}
