package opt

import (
	"math"

	"ecoroute/internal/model"
)

// EarthRadiusKm is the mean Earth radius used for every distance in this package.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b in kilometers.
func HaversineKm(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// PathKm sums the consecutive legs of origin followed by the points, in order.
func PathKm(origin model.GeoPoint, points []model.CollectionPoint) float64 {
	total := 0.0
	cur := origin
	for _, p := range points {
		total += HaversineKm(cur, p.Location)
		cur = p.Location
	}
	return total
}
