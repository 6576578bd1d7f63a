package store

import (
	"context"
	"errors"
	"time"

	"ecoroute/internal/model"
)

// Store is the persistence interface used by the API server and planner.
type Store interface {
	// Groups & access
	CreateGroup(ctx context.Context, g model.Group) (model.Group, error)
	GetGroup(ctx context.Context, id string) (model.Group, error)
	ListGroups(ctx context.Context, userID string, all bool) ([]model.Group, error)
	DeleteGroup(ctx context.Context, id string) error
	GroupRole(ctx context.Context, groupID, userID string) (string, error)
	ListAccess(ctx context.Context, groupID string) ([]model.AccessEntry, error)
	GrantAccess(ctx context.Context, e model.AccessEntry) (model.AccessEntry, error)
	RevokeAccess(ctx context.Context, groupID, userID string) error

	// Devices (local registry)
	UpsertDevice(ctx context.Context, d model.Device) (model.Device, error)
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context, groupID string) ([]model.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	RecordReading(ctx context.Context, r model.Reading) (model.Device, error)

	// Routes
	SaveRoute(ctx context.Context, r model.Route) error
	GetRoute(ctx context.Context, id string) (model.Route, error)
	ListRoutes(ctx context.Context, groupID string, limit int) ([]model.Route, error)
	DeleteRoutesBefore(ctx context.Context, before time.Time) (int, error)
}

var ErrNotFound = errors.New("not found")

// applyReading copies a reading onto a device record.
func applyReading(d model.Device, r model.Reading) model.Device {
	v1 := r.Value1
	d.LastValue1 = &v1
	if r.Value2 != nil {
		v2 := *r.Value2
		d.LastValue2 = &v2
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	d.LastSeen = &ts
	d.OnlineStatus = "online"
	return d
}
