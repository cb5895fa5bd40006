package preload

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/streetlab/panobench/internal/httputil"
)

func TestTilesClientCreatesSessionOnce(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"session": "tok-1", "expiry": "2099-01-01T00:00:00Z"}`).
		AddResponse(200, "tile-bytes").
		AddResponse(200, "tile-bytes")

	c := NewTilesClient("https://tiles.example/v1", "key-1")
	c.SetHTTPClient(mock)

	for i := 0; i < 2; i++ {
		data, err := c.FetchTile(context.Background(), "P0", 0, 0, 0)
		if err != nil {
			t.Fatalf("FetchTile() error: %v", err)
		}
		if string(data) != "tile-bytes" {
			t.Errorf("FetchTile() = %q", data)
		}
	}

	// One createSession plus two tile fetches.
	if got := mock.RequestCount(); got != 3 {
		t.Errorf("request count = %d, want 3", got)
	}
	if req := mock.Request(0); !strings.Contains(req.URL.Path, "createSession") {
		t.Errorf("first request = %s, want createSession", req.URL)
	}
	if req := mock.Request(1); !strings.Contains(req.URL.RawQuery, "session=tok-1") {
		t.Errorf("tile request missing session token: %s", req.URL)
	}
}

func TestTilesClientRateLimitError(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"session": "tok-1", "expiry": "2099-01-01T00:00:00Z"}`).
		AddResponse(429, "slow down")

	c := NewTilesClient("https://tiles.example/v1", "key-1")
	c.SetHTTPClient(mock)

	_, err := c.FetchTile(context.Background(), "P0", 0, 0, 0)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("FetchTile() error = %v, want ErrRateLimited", err)
	}
}

func TestTilesClientFetchMetadata(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"session": "tok-1", "expiry": "2099-01-01T00:00:00Z"}`).
		AddResponse(200, `{
			"panoId": "P0", "lat": 40.5, "lng": -73.5, "date": "2024-06",
			"tiles": {"centerHeading": 182.5},
			"links": [{"panoId": "P1", "heading": 90}, {"panoId": "P2", "heading": 270.5}]
		}`)

	c := NewTilesClient("https://tiles.example/v1", "key-1")
	c.SetHTTPClient(mock)

	meta, err := c.FetchMetadata(context.Background(), "P0")
	if err != nil {
		t.Fatalf("FetchMetadata() error: %v", err)
	}
	if meta.Lat != 40.5 || meta.Lng != -73.5 || meta.CaptureDate != "2024-06" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.CenterHeading != 182.5 {
		t.Errorf("centerHeading = %v, want 182.5", meta.CenterHeading)
	}
	if len(meta.Links) != 2 || meta.Links[0].TargetPanoID != "P1" || meta.Links[1].Heading != 270.5 {
		t.Errorf("links = %+v", meta.Links)
	}
	if meta.Source != "tiles_api" {
		t.Errorf("source = %q, want tiles_api", meta.Source)
	}
}

func TestTilesClientSessionFailure(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))

	c := NewTilesClient("https://tiles.example/v1", "key-1")
	c.SetHTTPClient(mock)

	if _, err := c.FetchTile(context.Background(), "P0", 0, 0, 0); err == nil {
		t.Error("FetchTile() succeeded with no upstream session")
	}
}
