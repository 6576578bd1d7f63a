package opt

import (
	"fmt"

	"ecoroute/internal/model"
)

// Inclusion thresholds. A dual-sensor bin needs either channel above
// DualSensorThreshold; a single-sensor bin needs its only channel above
// SingleSensorThreshold.
const (
	DualSensorThreshold   = 60.0
	SingleSensorThreshold = 70.0
)

// Display thresholds. These are not the inclusion thresholds.
const (
	mediumAbove = 60.0
	highAbove   = 80.0
)

// PriorityKey is the larger of the two fill levels, a missing secondary counting as 0.
func PriorityKey(p model.CollectionPoint) float64 {
	if p.Secondary != nil && *p.Secondary > p.Primary {
		return *p.Secondary
	}
	return p.Primary
}

// NeedsCollection reports whether p is urgent on its own.
func NeedsCollection(p model.CollectionPoint) bool {
	if p.Class == model.DualSensor {
		return p.Primary > DualSensorThreshold || (p.Secondary != nil && *p.Secondary > DualSensorThreshold)
	}
	return p.Primary > SingleSensorThreshold
}

// FilterPriority returns the points that need collection, preserving input
// order. When none do, it returns every point: a run with nothing urgent
// services everything. The returned flag is true when that fallback applied.
func FilterPriority(points []model.CollectionPoint) ([]model.CollectionPoint, bool) {
	included := make([]model.CollectionPoint, 0, len(points))
	for _, p := range points {
		if NeedsCollection(p) {
			included = append(included, p)
		}
	}
	if len(included) == 0 {
		return append([]model.CollectionPoint(nil), points...), len(points) > 0
	}
	return included, false
}

// Classify maps a fill level to its display severity.
func Classify(fill float64) model.Severity {
	switch {
	case fill > highAbove:
		return model.SeverityHigh
	case fill > mediumAbove:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

var iconColors = map[model.Severity]string{
	model.SeverityLow:    "green",
	model.SeverityMedium: "yellow",
	model.SeverityHigh:   "red",
}

// MarkerIcon is the map icon path for a bin class and severity.
func MarkerIcon(class model.SensorClass, sev model.Severity) string {
	kind := "dustbin"
	if class == model.DualSensor {
		kind = "smartbin"
	}
	return fmt.Sprintf("/icons/%s_%s.png", kind, iconColors[sev])
}

// MarkerFor builds the map marker of a collection point.
func MarkerFor(p model.CollectionPoint) model.Marker {
	key := PriorityKey(p)
	sev := Classify(key)
	return model.Marker{
		DeviceID:  p.ID,
		Name:      p.Name,
		Type:      p.Class,
		Location:  p.Location,
		Primary:   p.Primary,
		Secondary: p.Secondary,
		MaxFill:   key,
		Severity:  sev,
		Icon:      MarkerIcon(p.Class, sev),
	}
}
