package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical settings file. Every field
// is optional; absent fields fall back to the defaults returned by the Get*
// accessors.
const DefaultConfigPath = "config/panobench.json"

// CleanupPolicy controls when rendered temp images are removed.
type CleanupPolicy string

const (
	CleanupKeepAll        CleanupPolicy = "keep_all"
	CleanupKeepOnComplete CleanupPolicy = "keep_on_complete"
	CleanupDeleteOnSend   CleanupPolicy = "delete_on_send"
	CleanupOnSessionEnd   CleanupPolicy = "delete_on_session_end"
	CleanupAutoExpire     CleanupPolicy = "auto_expire"
)

// Settings is the root configuration for the benchmark runtime. The schema
// matches the JSON settings file, so partial configs are safe: fields omitted
// from the file retain their defaults.
type Settings struct {
	// Panorama quality
	PanoramaZoomLevel *int `json:"panorama_zoom_level,omitempty"`

	// Temp image management
	TempImageCleanupPolicy *string `json:"temp_image_cleanup_policy,omitempty"`
	TempImageExpireHours   *int    `json:"temp_image_expire_hours,omitempty"`

	// Server-side rendering
	RenderOutputWidth  *int     `json:"render_output_width,omitempty"`
	RenderOutputHeight *int     `json:"render_output_height,omitempty"`
	RenderDefaultFOV   *float64 `json:"render_default_fov,omitempty"`

	// Preload
	PrefetchRequestDelayMin *float64 `json:"prefetch_request_delay_min,omitempty"` // seconds
	PrefetchRequestDelayMax *float64 `json:"prefetch_request_delay_max,omitempty"` // seconds
	PrefetchRetryMax        *int     `json:"prefetch_retry_max,omitempty"`
	PrefetchRetryBackoff    *float64 `json:"prefetch_retry_backoff,omitempty"`
	PrefetchParallelWorkers *int     `json:"prefetch_parallel_workers,omitempty"`

	// Upstream provider
	UpstreamAPIKey  *string `json:"upstream_api_key,omitempty"`
	TilesAPIBaseURL *string `json:"tiles_api_base_url,omitempty"`
	MetaAPIBaseURL  *string `json:"meta_api_base_url,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Default returns a Settings with all fields unset, so every accessor
// serves its built-in default.
func Default() *Settings {
	return &Settings{}
}

// Load reads a Settings from a JSON file. The file must have a .json
// extension and be under the max file size.
func Load(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are consistent.
func (s *Settings) Validate() error {
	if s.PanoramaZoomLevel != nil {
		if *s.PanoramaZoomLevel < 0 || *s.PanoramaZoomLevel > 5 {
			return fmt.Errorf("panorama_zoom_level must be between 0 and 5, got %d", *s.PanoramaZoomLevel)
		}
	}

	if s.TempImageCleanupPolicy != nil {
		switch CleanupPolicy(*s.TempImageCleanupPolicy) {
		case CleanupKeepAll, CleanupKeepOnComplete, CleanupDeleteOnSend, CleanupOnSessionEnd, CleanupAutoExpire:
		default:
			return fmt.Errorf("unknown temp_image_cleanup_policy %q", *s.TempImageCleanupPolicy)
		}
	}

	if s.RenderDefaultFOV != nil {
		if *s.RenderDefaultFOV < 30 || *s.RenderDefaultFOV > 100 {
			return fmt.Errorf("render_default_fov must be between 30 and 100, got %f", *s.RenderDefaultFOV)
		}
	}

	if s.PrefetchRequestDelayMin != nil && s.PrefetchRequestDelayMax != nil {
		if *s.PrefetchRequestDelayMin > *s.PrefetchRequestDelayMax {
			return fmt.Errorf("prefetch_request_delay_min %f exceeds max %f",
				*s.PrefetchRequestDelayMin, *s.PrefetchRequestDelayMax)
		}
	}

	if s.PrefetchParallelWorkers != nil && *s.PrefetchParallelWorkers < 1 {
		return fmt.Errorf("prefetch_parallel_workers must be at least 1, got %d", *s.PrefetchParallelWorkers)
	}

	return nil
}

// GetPanoramaZoomLevel returns the panorama_zoom_level value or the default.
func (s *Settings) GetPanoramaZoomLevel() int {
	if s.PanoramaZoomLevel == nil {
		return 2
	}
	return *s.PanoramaZoomLevel
}

// GetTempImageCleanupPolicy returns the cleanup policy or the default.
func (s *Settings) GetTempImageCleanupPolicy() CleanupPolicy {
	if s.TempImageCleanupPolicy == nil {
		return CleanupOnSessionEnd
	}
	return CleanupPolicy(*s.TempImageCleanupPolicy)
}

// GetTempImageExpireHours returns the auto_expire horizon or the default.
func (s *Settings) GetTempImageExpireHours() int {
	if s.TempImageExpireHours == nil {
		return 24
	}
	return *s.TempImageExpireHours
}

// GetRenderOutputSize returns the perspective render size or the default.
func (s *Settings) GetRenderOutputSize() (width, height int) {
	width, height = 1024, 768
	if s.RenderOutputWidth != nil {
		width = *s.RenderOutputWidth
	}
	if s.RenderOutputHeight != nil {
		height = *s.RenderOutputHeight
	}
	return width, height
}

// GetRenderDefaultFOV returns the default horizontal field of view.
func (s *Settings) GetRenderDefaultFOV() float64 {
	if s.RenderDefaultFOV == nil {
		return 90
	}
	return *s.RenderDefaultFOV
}

// GetPrefetchRequestDelayMin returns the minimum inter-request delay in seconds.
func (s *Settings) GetPrefetchRequestDelayMin() float64 {
	if s.PrefetchRequestDelayMin == nil {
		return 1.0
	}
	return *s.PrefetchRequestDelayMin
}

// GetPrefetchRequestDelayMax returns the maximum inter-request delay in seconds.
func (s *Settings) GetPrefetchRequestDelayMax() float64 {
	if s.PrefetchRequestDelayMax == nil {
		return 3.0
	}
	return *s.PrefetchRequestDelayMax
}

// GetPrefetchRetryMax returns the retry attempt cap.
func (s *Settings) GetPrefetchRetryMax() int {
	if s.PrefetchRetryMax == nil {
		return 3
	}
	return *s.PrefetchRetryMax
}

// GetPrefetchRetryBackoff returns the exponential backoff multiplier.
func (s *Settings) GetPrefetchRetryBackoff() float64 {
	if s.PrefetchRetryBackoff == nil {
		return 2.0
	}
	return *s.PrefetchRetryBackoff
}

// GetPrefetchParallelWorkers returns the preload worker pool size.
func (s *Settings) GetPrefetchParallelWorkers() int {
	if s.PrefetchParallelWorkers == nil {
		return 4
	}
	return *s.PrefetchParallelWorkers
}

// GetUpstreamAPIKey returns the upstream provider API key, if configured.
func (s *Settings) GetUpstreamAPIKey() string {
	if s.UpstreamAPIKey == nil {
		return os.Getenv("PANOBENCH_API_KEY")
	}
	return *s.UpstreamAPIKey
}

// GetTilesAPIBaseURL returns the tiles provider base URL.
func (s *Settings) GetTilesAPIBaseURL() string {
	if s.TilesAPIBaseURL == nil {
		return "https://tile.googleapis.com/v1"
	}
	return *s.TilesAPIBaseURL
}

// GetMetaAPIBaseURL returns the metadata provider base URL.
func (s *Settings) GetMetaAPIBaseURL() string {
	if s.MetaAPIBaseURL == nil {
		return "https://maps.googleapis.com/maps/api/streetview"
	}
	return *s.MetaAPIBaseURL
}
