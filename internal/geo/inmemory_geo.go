package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

const pointTolerance = 1e-9

type entry struct {
	id  string
	lat float64
	lon float64
}

func (e *entry) Bounds() rtreego.Rect {
	return rtreego.Point{e.lon, e.lat}.ToRect(pointTolerance)
}

// MemoryIndex is a single-process fallback geo index. An R-tree over
// lon/lat narrows candidates to the bounding box of the circle; exact
// membership uses haversine distance.
type MemoryIndex struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[string]*entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		tree:    rtreego.NewTree(2, 25, 50),
		entries: make(map[string]*entry),
	}
}

func (g *MemoryIndex) Set(_ context.Context, id string, lat, lon float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok {
		g.tree.Delete(old)
	}
	e := &entry{id: id, lat: lat, lon: lon}
	g.entries[id] = e
	g.tree.Insert(e)
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok {
		g.tree.Delete(old)
		delete(g.entries, id)
	}
	return nil
}

func (g *MemoryIndex) Position(_ context.Context, id string) (float64, float64, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok {
		return 0, 0, false, nil
	}
	return e.lat, e.lon, true, nil
}

func (g *MemoryIndex) Within(_ context.Context, lat, lon, radiusKM float64) ([]Member, error) {
	if radiusKM < 0 {
		return nil, nil
	}
	center := orb.Point{lon, lat}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Member
	for _, e := range g.candidates(center, radiusKM) {
		dist := orbgeo.DistanceHaversine(center, orb.Point{e.lon, e.lat}) / 1000
		if dist <= radiusKM {
			out = append(out, Member{ID: e.id, Latitude: e.lat, Longitude: e.lon, DistanceKM: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM == out[j].DistanceKM {
			return out[i].ID < out[j].ID
		}
		return out[i].DistanceKM < out[j].DistanceKM
	})
	return out, nil
}

// candidates must be called with mu held. Bounds that wrap the antimeridian
// fall back to a full scan.
func (g *MemoryIndex) candidates(center orb.Point, radiusKM float64) []*entry {
	if radiusKM*1000 >= orb.EarthRadius {
		return g.all()
	}
	bound := orbgeo.NewBoundAroundPoint(center, radiusKM*1000)
	if bound.Min[0] > bound.Max[0] {
		return g.all()
	}
	rect, err := rtreego.NewRectFromPoints(
		rtreego.Point{bound.Min[0], bound.Min[1]},
		rtreego.Point{bound.Max[0], bound.Max[1]},
	)
	if err != nil {
		return g.all()
	}
	hits := g.tree.SearchIntersect(rect)
	out := make([]*entry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.(*entry))
	}
	return out
}

func (g *MemoryIndex) all() []*entry {
	out := make([]*entry, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e)
	}
	return out
}
