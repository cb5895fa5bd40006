package preload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/streetlab/panobench/internal/httputil"
	"github.com/streetlab/panobench/internal/pano"
)

// sessionRefreshBuffer renews the upstream session token this long before
// its stated expiry.
const sessionRefreshBuffer = 60 * time.Second

// TilesClient talks to a street-level tiles provider that requires a session
// token (created via createSession, expiring server-side). It implements
// both TileSource and MetadataSource: the same session serves image tiles
// and the per-panorama metadata document.
type TilesClient struct {
	baseURL string
	apiKey  string
	client  httputil.Doer

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTilesClient creates a client for the provider at baseURL.
func NewTilesClient(baseURL, apiKey string) *TilesClient {
	return &TilesClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (c *TilesClient) SetHTTPClient(d httputil.Doer) { c.client = d }

type sessionResponse struct {
	Session string `json:"session"`
	Expiry  string `json:"expiry"`
}

// ensureSession creates or refreshes the upstream session token.
func (c *TilesClient) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expires.Add(-sessionRefreshBuffer)) {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"mapType":  "streetview",
		"language": "en-US",
		"region":   "US",
	})
	endpoint := fmt.Sprintf("%s/createSession?key=%s", c.baseURL, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create upstream session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("createSession returned %d", resp.StatusCode)
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}

	c.token = sr.Session
	c.expires = time.Now().Add(time.Hour)
	if t, err := time.Parse(time.RFC3339, sr.Expiry); err == nil {
		c.expires = t
	}

	return c.token, nil
}

// FetchTile downloads one 512x512 tile.
func (c *TilesClient) FetchTile(ctx context.Context, panoID string, zoom, x, y int) ([]byte, error) {
	token, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/streetview/tiles/%d/%d/%d?session=%s&key=%s&panoId=%s",
		c.baseURL, zoom, x, y,
		url.QueryEscape(token), url.QueryEscape(c.apiKey), url.QueryEscape(panoID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tile fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("tile fetch: status %d: %w", resp.StatusCode, ErrRateLimited)
	default:
		return nil, fmt.Errorf("tile fetch: unexpected status %d", resp.StatusCode)
	}
}

type metadataResponse struct {
	PanoID string  `json:"panoId"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Date   string  `json:"date"`
	Tiles  struct {
		CenterHeading float64 `json:"centerHeading"`
	} `json:"tiles"`
	Links []struct {
		PanoID  string  `json:"panoId"`
		Heading float64 `json:"heading"`
	} `json:"links"`
}

// FetchMetadata downloads the metadata document for one panorama:
// coordinates, capture date, image centre heading, and adjacency links.
func (c *TilesClient) FetchMetadata(ctx context.Context, panoID string) (*pano.Metadata, error) {
	token, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/streetview/metadata?session=%s&key=%s&panoId=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(c.apiKey), url.QueryEscape(panoID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("metadata fetch: status %d: %w", resp.StatusCode, ErrRateLimited)
	default:
		return nil, fmt.Errorf("metadata fetch: unexpected status %d", resp.StatusCode)
	}

	var mr metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}

	meta := &pano.Metadata{
		PanoID:        panoID,
		Lat:           mr.Lat,
		Lng:           mr.Lng,
		CaptureDate:   mr.Date,
		CenterHeading: mr.Tiles.CenterHeading,
		FetchedAt:     time.Now().UTC(),
		Source:        "tiles_api",
	}
	for _, l := range mr.Links {
		meta.Links = append(meta.Links, pano.Link{TargetPanoID: l.PanoID, Heading: l.Heading})
	}
	return meta, nil
}
