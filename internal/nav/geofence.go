package nav

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/streetlab/panobench/internal/fsutil"
	"github.com/streetlab/panobench/internal/pano"
)

// ErrOutOfGeofence reports a panorama outside its session's geofence. Under
// the engine's invariants this never fires for a current position; it exists
// to make the violation loud rather than silent.
type ErrOutOfGeofence struct {
	PanoID   string
	Geofence string
}

func (e *ErrOutOfGeofence) Error() string {
	return fmt.Sprintf("panorama %s is outside geofence %s", e.PanoID, e.Geofence)
}

// Neighbour is one legal move target from the current panorama.
type Neighbour struct {
	TargetPanoID   string
	Heading        float64
	DistanceMeters float64
	Direction      string
	Virtual        bool
}

// Geofences holds the named panorama whitelists, loaded from a JSON config
// mapping geofence name to an array of PanoIds. Reload is explicit; there is
// no background watcher.
type Geofences struct {
	mu         sync.RWMutex
	fs         fsutil.FileSystem
	configPath string
	fences     map[string]map[string]bool
}

// LoadGeofences reads the geofence config at configPath. A missing file
// yields an empty set rather than an error, matching a fresh deployment.
func LoadGeofences(fs fsutil.FileSystem, configPath string) (*Geofences, error) {
	g := &Geofences{fs: fs, configPath: configPath, fences: map[string]map[string]bool{}}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the config file, replacing all whitelists.
func (g *Geofences) Reload() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.fs.Exists(g.configPath) {
		g.fences = map[string]map[string]bool{}
		return nil
	}

	data, err := g.fs.ReadFile(g.configPath)
	if err != nil {
		return fmt.Errorf("failed to read geofence config: %w", err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse geofence config: %w", err)
	}

	fences := make(map[string]map[string]bool, len(raw))
	for name, ids := range raw {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		fences[name] = set
	}
	g.fences = fences
	return nil
}

// Contains reports whether panoID is inside the named geofence.
func (g *Geofences) Contains(name, panoID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fence, ok := g.fences[name]
	return ok && fence[panoID]
}

// Members returns the panorama IDs of a geofence, or nil if unknown.
func (g *Geofences) Members(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fence, ok := g.fences[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(fence))
	for id := range fence {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Names returns all geofence names with their sizes.
func (g *Geofences) Names() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make(map[string]int, len(g.fences))
	for name, fence := range g.fences {
		names[name] = len(fence)
	}
	return names
}

// Neighbours computes the legal moves from the panorama described by meta,
// seen by an agent currently facing agentHeading. Links leaving the geofence
// are dropped, duplicate targets collapse to the first occurrence, and the
// result is ordered by absolute heading ascending. locations supplies target
// coordinates for the distance column; targets without one get distance 0.
func (g *Geofences) Neighbours(
	geofenceName string,
	meta *pano.Metadata,
	agentHeading float64,
	locations map[string]pano.Location,
) ([]Neighbour, error) {
	if !g.Contains(geofenceName, meta.PanoID) {
		return nil, &ErrOutOfGeofence{PanoID: meta.PanoID, Geofence: geofenceName}
	}

	seen := make(map[string]bool, len(meta.Links))
	var neighbours []Neighbour
	for _, link := range meta.Links {
		if !g.Contains(geofenceName, link.TargetPanoID) {
			continue
		}
		if seen[link.TargetPanoID] {
			continue
		}
		seen[link.TargetPanoID] = true

		n := Neighbour{
			TargetPanoID: link.TargetPanoID,
			Heading:      link.Heading,
			Direction:    DirectionLabel(RelativeAngle(link.Heading, agentHeading)),
			Virtual:      link.Virtual,
		}
		if link.DistanceMeters != nil {
			n.DistanceMeters = *link.DistanceMeters
		} else if loc, ok := locations[link.TargetPanoID]; ok {
			d := Haversine(meta.Lat, meta.Lng, loc.Lat, loc.Lng)
			n.DistanceMeters = math.Round(d*10) / 10
		}
		neighbours = append(neighbours, n)
	}

	sort.SliceStable(neighbours, func(i, j int) bool {
		return neighbours[i].Heading < neighbours[j].Heading
	})
	return neighbours, nil
}
