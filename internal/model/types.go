// Package model holds the records exchanged between the registry, the
// optimizer, the directions providers and the HTTP surface.
package model

import (
	"time"

	"github.com/paulmach/orb"
)

// GeoPoint is a WGS84 coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// Orb returns the point in orb's (lng, lat) order.
func (p GeoPoint) Orb() orb.Point { return orb.Point{p.Lng, p.Lat} }

// Device types reported by the registry.
const (
	DeviceDustbin     = "DUSTBIN"
	DeviceSmartBin    = "SMART_BIN"
	DeviceWaterTank   = "WATER_TANK"
	DeviceOtherSensor = "OTHER_SENSOR"
)

// Device is a registry record as the backend returns it. Coordinates and
// fill levels are optional on the wire; CollectionPoint is the validated form.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	GroupID      string     `json:"interfaceId"`
	Lat          *float64   `json:"lat,omitempty"`
	Lng          *float64   `json:"lng,omitempty"`
	LastValue1   *float64   `json:"lastValue1,omitempty"`
	LastValue2   *float64   `json:"lastValue2,omitempty"`
	OnlineStatus string     `json:"onlineStatus,omitempty"` // online, offline, warning, error
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
}

// SensorClass decides which inclusion thresholds apply to a collection point.
type SensorClass string

const (
	SingleSensor SensorClass = DeviceDustbin
	DualSensor   SensorClass = DeviceSmartBin
)

// CollectionPoint is a bin eligible for route planning.
type CollectionPoint struct {
	ID        string      `json:"id" validate:"required"`
	Name      string      `json:"name,omitempty"`
	Class     SensorClass `json:"type" validate:"oneof=DUSTBIN SMART_BIN"`
	Location  GeoPoint    `json:"location"`
	Primary   float64     `json:"primary" validate:"gte=0,lte=100"`
	Secondary *float64    `json:"secondary,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Severity is the three-level display classification of a fill level.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Marker is what the map surface needs to draw one collection point.
type Marker struct {
	DeviceID  string      `json:"deviceId"`
	Name      string      `json:"name,omitempty"`
	Type      SensorClass `json:"type"`
	Location  GeoPoint    `json:"location"`
	Primary   float64     `json:"primary"`
	Secondary *float64    `json:"secondary,omitempty"`
	MaxFill   float64     `json:"maxFill"`
	Severity  Severity    `json:"severity"`
	Icon      string      `json:"icon"`
}

// RouteStatus tracks how far a planned route got.
type RouteStatus string

const (
	RouteEmpty            RouteStatus = "empty"
	RouteOrdered          RouteStatus = "ordered"
	RouteReady            RouteStatus = "ready"
	RouteDirectionsFailed RouteStatus = "directions_failed"
)

// Route is an ordered visit sequence starting at Origin. Origin is never a stop.
type Route struct {
	ID              string      `json:"id,omitempty"`
	GroupID         string      `json:"groupId"`
	Origin          GeoPoint    `json:"origin"`
	Stops           []RouteStop `json:"stops"`
	Status          RouteStatus `json:"status"`
	StraightLineKm  float64     `json:"straightLineKm"`
	Directions      *Directions `json:"directions,omitempty"`
	DirectionsError string      `json:"directionsError,omitempty"`
	Message         string      `json:"message,omitempty"`
	CreatedBy       string      `json:"createdBy,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Waypoints returns the stop coordinates in visit order.
func (r Route) Waypoints() []GeoPoint {
	out := make([]GeoPoint, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = s.Location
	}
	return out
}

// RouteStop is one visit in a Route.
type RouteStop struct {
	Marker
	Seq   int     `json:"seq"`
	LegKm float64 `json:"legKm"`
}

// Directions is the drivable path returned by a directions provider.
type Directions struct {
	Provider        string         `json:"provider"`
	DistanceMeters  int            `json:"distanceMeters"`
	DurationSeconds int            `json:"durationSeconds"`
	Legs            []Leg          `json:"legs"`
	Path            orb.LineString `json:"path,omitempty"`
	Polyline        string         `json:"polyline,omitempty"`
}

// Leg is the provider's measurement between two consecutive waypoints.
type Leg struct {
	DistanceMeters  int    `json:"distanceMeters"`
	DurationSeconds int    `json:"durationSeconds"`
	StartAddress    string `json:"startAddress,omitempty"`
	EndAddress      string `json:"endAddress,omitempty"`
}

// PlanRequest asks for a route from Origin over a group's bins.
type PlanRequest struct {
	Origin         *GeoPoint `json:"origin" validate:"required"`
	DeviceType     string    `json:"deviceType,omitempty" validate:"omitempty,oneof=DUSTBIN SMART_BIN"`
	SkipDirections bool      `json:"skipDirections,omitempty"`
}

// Group is an access-scoped collection of devices ("interface").
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name" validate:"required,max=120"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Group roles, strongest first.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// AccessEntry grants one user a role on a group.
type AccessEntry struct {
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId" validate:"required"`
	Role      string    `json:"role" validate:"required,oneof=owner editor viewer"`
	GrantedAt time.Time `json:"grantedAt"`
}

// Reading is one telemetry sample for a device.
type Reading struct {
	DeviceID  string    `json:"deviceId" validate:"required"`
	Value1    float64   `json:"value1" validate:"gte=0,lte=100"`
	Value2    *float64  `json:"value2,omitempty" validate:"omitempty,gte=0,lte=100"`
	Timestamp time.Time `json:"timestamp"`
}
