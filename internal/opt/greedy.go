package opt

import (
	"math"
	"sort"

	"ecoroute/internal/model"
)

// nearTie is the priority gap below which proximity to the origin decides seed order.
const nearTie = 10.0

// SeedOrder sorts points by descending priority key. When two keys are
// less than nearTie apart, the one closer to origin comes first. The input
// is not modified.
func SeedOrder(origin model.GeoPoint, points []model.CollectionPoint) []model.CollectionPoint {
	type seed struct {
		p   model.CollectionPoint
		key float64
		km  float64
	}
	seeds := make([]seed, len(points))
	for i, p := range points {
		seeds[i] = seed{p: p, key: PriorityKey(p), km: HaversineKm(origin, p.Location)}
	}
	sort.SliceStable(seeds, func(i, j int) bool {
		if math.Abs(seeds[i].key-seeds[j].key) < nearTie {
			return seeds[i].km < seeds[j].km
		}
		return seeds[i].key > seeds[j].key
	})
	out := make([]model.CollectionPoint, len(seeds))
	for i, s := range seeds {
		out[i] = s.p
	}
	return out
}

// BuildRoute walks from origin, always moving to the closest unvisited point.
// Distance ties go to the point that appears first in points, so callers
// control tie-breaking through input order.
func BuildRoute(origin model.GeoPoint, points []model.CollectionPoint) []model.CollectionPoint {
	remaining := append([]model.CollectionPoint(nil), points...)
	route := make([]model.CollectionPoint, 0, len(points))
	cur := origin
	for len(remaining) > 0 {
		best := 0
		bestKm := math.Inf(1)
		for i, p := range remaining {
			if d := HaversineKm(cur, p.Location); d < bestKm {
				best, bestKm = i, d
			}
		}
		next := remaining[best]
		route = append(route, next)
		cur = next.Location
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return route
}

// Plan is the outcome of Optimize.
type Plan struct {
	Stops []model.CollectionPoint
	// Fallback is set when nothing was urgent and every candidate was kept.
	Fallback bool
	// TotalKm is the straight-line length of origin followed by Stops.
	TotalKm float64
}

// Optimize filters candidates by priority, seeds them and orders them by
// nearest neighbor. It holds no state and is safe for concurrent use.
func Optimize(origin model.GeoPoint, candidates []model.CollectionPoint) Plan {
	included, fallback := FilterPriority(candidates)
	stops := BuildRoute(origin, SeedOrder(origin, included))
	return Plan{Stops: stops, Fallback: fallback, TotalKm: PathKm(origin, stops)}
}

// RouteStops decorates an ordered plan with markers and per-leg distances.
func RouteStops(origin model.GeoPoint, ordered []model.CollectionPoint) []model.RouteStop {
	out := make([]model.RouteStop, len(ordered))
	cur := origin
	for i, p := range ordered {
		out[i] = model.RouteStop{Marker: MarkerFor(p), Seq: i + 1, LegKm: HaversineKm(cur, p.Location)}
		cur = p.Location
	}
	return out
}
