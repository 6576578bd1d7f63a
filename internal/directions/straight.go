package directions

import (
	"context"
	"math"

	"github.com/paulmach/orb"

	"ecoroute/internal/model"
	"ecoroute/internal/opt"
)

// straightSpeedKmh is the average speed assumed for straight-line legs.
const straightSpeedKmh = 25.0

// Straight joins waypoints with great-circle segments. It needs no network
// and is the default when no routing backend is configured.
type Straight struct{}

func (Straight) Name() string { return "straight" }

func (s Straight) Directions(ctx context.Context, req Request) (model.Directions, error) {
	if err := ctx.Err(); err != nil {
		return model.Directions{}, err
	}
	pts := req.Points()
	out := model.Directions{Provider: s.Name(), Path: make(orb.LineString, len(pts))}
	for i, p := range pts {
		out.Path[i] = p.Orb()
		if i == 0 {
			continue
		}
		km := opt.HaversineKm(pts[i-1], p)
		out.Legs = append(out.Legs, model.Leg{
			DistanceMeters:  int(math.Round(km * 1000)),
			DurationSeconds: int(math.Round(km / straightSpeedKmh * 3600)),
		})
	}
	sumLegs(&out)
	return out, nil
}
