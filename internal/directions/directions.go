// Package directions turns an ordered waypoint list into a drivable path
// with per-leg distance and duration.
package directions

import (
	"context"
	"errors"
	"fmt"

	"ecoroute/internal/model"
)

// ErrNoRoute is returned when a provider finds no drivable path.
var ErrNoRoute = errors.New("no route found")

// Request asks for a path from Origin through Waypoints, in the given
// order, ending at Destination. Providers must not reorder waypoints.
type Request struct {
	Origin      model.GeoPoint
	Waypoints   []model.GeoPoint
	Destination model.GeoPoint
}

// NewRequest builds a request whose destination is the last stop and
// whose waypoints are the stops before it.
func NewRequest(origin model.GeoPoint, stops []model.GeoPoint) (Request, error) {
	if len(stops) == 0 {
		return Request{}, errors.New("directions: no stops")
	}
	return Request{
		Origin:      origin,
		Waypoints:   append([]model.GeoPoint(nil), stops[:len(stops)-1]...),
		Destination: stops[len(stops)-1],
	}, nil
}

// Points returns origin, waypoints and destination in travel order.
func (r Request) Points() []model.GeoPoint {
	out := make([]model.GeoPoint, 0, len(r.Waypoints)+2)
	out = append(out, r.Origin)
	out = append(out, r.Waypoints...)
	return append(out, r.Destination)
}

// Provider is a directions backend.
type Provider interface {
	Name() string
	Directions(ctx context.Context, req Request) (model.Directions, error)
}

// sumLegs fills the totals of d from its legs.
func sumLegs(d *model.Directions) {
	d.DistanceMeters, d.DurationSeconds = 0, 0
	for _, l := range d.Legs {
		d.DistanceMeters += l.DistanceMeters
		d.DurationSeconds += l.DurationSeconds
	}
}

func coord(p model.GeoPoint) string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng) }
