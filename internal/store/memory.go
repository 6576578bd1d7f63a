package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecoroute/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	groups      map[string]model.Group
	access      map[string]map[string]model.AccessEntry // groupId -> userId -> entry
	devices     map[string]model.Device
	deviceOrder []string // registration order; the optimizer breaks ties by it
	routes      map[string]model.Route
}

func NewMemory() *Memory {
	return &Memory{
		groups:  map[string]model.Group{},
		access:  map[string]map[string]model.AccessEntry{},
		devices: map[string]model.Device{},
		routes:  map[string]model.Route{},
	}
}

func (m *Memory) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	m.groups[g.ID] = g
	if g.OwnerID != "" {
		if m.access[g.ID] == nil {
			m.access[g.ID] = map[string]model.AccessEntry{}
		}
		m.access[g.ID][g.OwnerID] = model.AccessEntry{GroupID: g.ID, UserID: g.OwnerID, Role: model.RoleOwner, GrantedAt: g.CreatedAt}
	}
	return g, nil
}

func (m *Memory) GetGroup(ctx context.Context, id string) (model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return model.Group{}, ErrNotFound
	}
	return g, nil
}

func (m *Memory) ListGroups(ctx context.Context, userID string, all bool) ([]model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Group{}
	for id, g := range m.groups {
		if _, ok := m.access[id][userID]; all || ok {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (m *Memory) DeleteGroup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	delete(m.access, id)
	kept := m.deviceOrder[:0]
	for _, did := range m.deviceOrder {
		if m.devices[did].GroupID == id {
			delete(m.devices, did)
			continue
		}
		kept = append(kept, did)
	}
	m.deviceOrder = kept
	for rid, r := range m.routes {
		if r.GroupID == id {
			delete(m.routes, rid)
		}
	}
	return nil
}

func (m *Memory) GroupRole(ctx context.Context, groupID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.access[groupID][userID]
	if !ok {
		return "", ErrNotFound
	}
	return e.Role, nil
}

func (m *Memory) ListAccess(ctx context.Context, groupID string) ([]model.AccessEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	out := []model.AccessEntry{}
	for _, e := range m.access[groupID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) GrantAccess(ctx context.Context, e model.AccessEntry) (model.AccessEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[e.GroupID]; !ok {
		return model.AccessEntry{}, ErrNotFound
	}
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	if m.access[e.GroupID] == nil {
		m.access[e.GroupID] = map[string]model.AccessEntry{}
	}
	m.access[e.GroupID][e.UserID] = e
	return e, nil
}

func (m *Memory) RevokeAccess(ctx context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.access[groupID][userID]; !ok {
		return ErrNotFound
	}
	delete(m.access[groupID], userID)
	return nil
}

func (m *Memory) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, ok := m.devices[d.ID]; !ok {
		m.deviceOrder = append(m.deviceOrder, d.ID)
	}
	m.devices[d.ID] = d
	return d, nil
}

func (m *Memory) GetDevice(ctx context.Context, id string) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) ListDevices(ctx context.Context, groupID string) ([]model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Device{}
	for _, id := range m.deviceOrder {
		d := m.devices[id]
		if groupID == "" || d.GroupID == groupID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) DeleteDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	for i, did := range m.deviceOrder {
		if did == id {
			m.deviceOrder = append(m.deviceOrder[:i], m.deviceOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) RecordReading(ctx context.Context, r model.Reading) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[r.DeviceID]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	d = applyReading(d, r)
	m.devices[d.ID] = d
	return d, nil
}

func (m *Memory) SaveRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
	return nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, groupID string, limit int) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := []model.Route{}
	for _, r := range m.routes {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteRoutesBefore(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.routes {
		if r.CreatedAt.Before(before) {
			delete(m.routes, id)
			n++
		}
	}
	return n, nil
}
