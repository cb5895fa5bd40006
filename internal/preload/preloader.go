package preload

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/streetlab/panobench/internal/config"
	"github.com/streetlab/panobench/internal/pano"
)

// Status values for a preload job.
type Status string

const (
	StatusNotStarted          Status = "not_started"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// Progress is the externally observable state of one geofence's preload.
type Progress struct {
	Status     Status   `json:"status"`
	Done       int      `json:"progress"`
	Total      int      `json:"total"`
	Percentage float64  `json:"percentage"`
	Failed     []string `json:"failed,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type job struct {
	mu     sync.Mutex
	status Status
	done   int
	total  int
	failed []string
}

func (j *job) snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	p := Progress{
		Status: j.status,
		Done:   j.done,
		Total:  j.total,
		Failed: append([]string(nil), j.failed...),
	}
	if j.total > 0 {
		p.Percentage = math.Round(float64(j.done)/float64(j.total)*1000) / 10
	}
	p.Message = fmt.Sprintf("processed %d/%d panoramas", j.done, j.total)
	return p
}

// Preloader drives a bounded worker pool that fills the cache for named
// geofences. One Preloader serves the whole process; jobs are keyed by
// geofence name and at most one job per key runs at a time.
type Preloader struct {
	cache   *pano.Cache
	tiles   TileSource
	meta    MetadataSource
	cfg     *config.Settings
	limiter *rate.Limiter

	mu   sync.Mutex
	jobs map[string]*job

	// sleep is swapped out in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration)
	rng   *rand.Rand
}

// NewPreloader creates a preloader over the given cache and sources. The
// token bucket bounds the sustained upstream request rate; the randomized
// inter-request delay spreads requests inside that budget.
func NewPreloader(cache *pano.Cache, tiles TileSource, meta MetadataSource, cfg *config.Settings) *Preloader {
	minDelay := cfg.GetPrefetchRequestDelayMin()
	if minDelay <= 0 {
		minDelay = 0.1
	}
	return &Preloader{
		cache:   cache,
		tiles:   tiles,
		meta:    meta,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(1/minDelay), cfg.GetPrefetchParallelWorkers()),
		jobs:    map[string]*job{},
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Progress returns the observable state for a geofence's preload job.
func (p *Preloader) Progress(name string) Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[name]
	if !ok {
		return Progress{Status: StatusNotStarted}
	}
	return j.snapshot()
}

// Start launches (or reports the already-running) preload job for the named
// geofence. Items already fully cached are skipped without touching the
// upstream, so preloading a fully cached geofence is a no-op.
func (p *Preloader) Start(ctx context.Context, name string, panoIDs []string, zoom int) Progress {
	p.mu.Lock()
	if j, ok := p.jobs[name]; ok {
		if snap := j.snapshot(); snap.Status == StatusInProgress {
			p.mu.Unlock()
			return snap
		}
	}
	j := &job{status: StatusInProgress, total: len(panoIDs)}
	p.jobs[name] = j
	p.mu.Unlock()

	ids := append([]string(nil), panoIDs...)
	sort.Strings(ids)

	go p.run(ctx, name, j, ids, zoom)

	return j.snapshot()
}

func (p *Preloader) run(ctx context.Context, name string, j *job, panoIDs []string, zoom int) {
	Logf("preload %s: starting %d panoramas at zoom %d", name, len(panoIDs), zoom)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.GetPrefetchParallelWorkers())

	for _, panoID := range panoIDs {
		g.Go(func() error {
			err := p.preloadOne(ctx, panoID, zoom)

			j.mu.Lock()
			j.done++
			if err != nil {
				j.failed = append(j.failed, panoID)
			}
			done, total := j.done, j.total
			j.mu.Unlock()

			if err != nil {
				Logf("preload %s: %s failed: %v", name, panoID, err)
			} else if done%25 == 0 || done == total {
				Logf("preload %s: %d/%d", name, done, total)
			}
			return nil
		})
	}
	g.Wait()

	j.mu.Lock()
	if len(j.failed) > 0 {
		j.status = StatusCompletedWithErrors
	} else {
		j.status = StatusCompleted
	}
	j.mu.Unlock()

	Logf("preload %s: finished (%d failed)", name, len(j.failed))
}

// preloadOne ensures metadata and the image for one panorama exist in the
// cache. Cached items generate zero upstream requests.
func (p *Preloader) preloadOne(ctx context.Context, panoID string, zoom int) error {
	if !p.cache.HasMeta(panoID) {
		meta, err := p.fetchMetaWithRetry(ctx, panoID)
		if err != nil {
			return err
		}
		if err := p.cache.PutMeta(meta); err != nil {
			return fmt.Errorf("failed to cache metadata for %s: %w", panoID, err)
		}
	}

	if !p.cache.HasImage(panoID, zoom) {
		data, err := p.fetchImage(ctx, panoID, zoom)
		if err != nil {
			return err
		}
		if err := p.cache.PutImage(panoID, zoom, data); err != nil {
			return fmt.Errorf("failed to cache image for %s: %w", panoID, err)
		}
	}

	return nil
}

func (p *Preloader) fetchImage(ctx context.Context, panoID string, zoom int) ([]byte, error) {
	cols, rows := TileGrid(zoom)
	tiles := make(map[TileKey][]byte, cols*rows)

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			data, err := p.fetchTileWithRetry(ctx, panoID, zoom, x, y)
			if err != nil {
				return nil, err
			}
			tiles[TileKey{X: x, Y: y}] = data
		}
	}

	return Stitch(tiles, zoom)
}

func (p *Preloader) fetchTileWithRetry(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error) {
	return p.withRetry(ctx, fmt.Sprintf("tile %s z%d (%d,%d)", panoID, zoom, x, y),
		func(ctx context.Context) ([]byte, error) {
			return p.tiles.FetchTile(ctx, panoID, zoom, x, y)
		})
}

func (p *Preloader) fetchMetaWithRetry(ctx context.Context, panoID string) (*pano.Metadata, error) {
	var meta *pano.Metadata
	_, err := p.withRetry(ctx, "metadata "+panoID, func(ctx context.Context) ([]byte, error) {
		m, err := p.meta.FetchMetadata(ctx, panoID)
		if err != nil {
			return nil, err
		}
		meta = m
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// withRetry wraps one upstream fetch with the rate limiter, the randomized
// inter-request delay, and exponential backoff up to the retry cap.
func (p *Preloader) withRetry(ctx context.Context, what string, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	retryMax := p.cfg.GetPrefetchRetryMax()
	backoff := p.cfg.GetPrefetchRetryBackoff()

	var lastErr error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(backoff, float64(attempt-1)) * float64(time.Second))
			p.sleep(ctx, wait)
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		p.sleep(ctx, p.randomDelay())

		data, err := fetch(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%s: %w: %w", what, ErrSourceUnavailable, lastErr)
}

func (p *Preloader) randomDelay() time.Duration {
	minDelay := p.cfg.GetPrefetchRequestDelayMin()
	maxDelay := p.cfg.GetPrefetchRequestDelayMax()
	if maxDelay <= minDelay {
		return time.Duration(minDelay * float64(time.Second))
	}
	p.mu.Lock()
	f := minDelay + p.rng.Float64()*(maxDelay-minDelay)
	p.mu.Unlock()
	return time.Duration(f * float64(time.Second))
}
