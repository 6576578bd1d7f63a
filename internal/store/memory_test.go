package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"ecoroute/internal/model"
)

func TestDemoSeedIntoMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := DemoSeed().Apply(ctx, m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	devs, err := m.ListDevices(ctx, "demo")
	if err != nil || len(devs) != 5 {
		t.Fatalf("devices: %v %d", err, len(devs))
	}
	for i, want := range []string{"1", "2", "3", "4", "5"} {
		if devs[i].ID != want {
			t.Fatalf("order %d: %s", i, devs[i].ID)
		}
	}
	if role, _ := m.GroupRole(ctx, "demo", "demo-user"); role != model.RoleOwner {
		t.Fatalf("owner role = %q", role)
	}
	if role, _ := m.GroupRole(ctx, "demo", "auditor"); role != model.RoleViewer {
		t.Fatalf("auditor role = %q", role)
	}
	if _, err := m.GroupRole(ctx, "demo", "stranger"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stranger: %v", err)
	}
}

func TestParseSeedRejectsAnonymousGroup(t *testing.T) {
	if _, err := ParseSeed([]byte("groups:\n  - name: x\n")); err == nil {
		t.Fatal("want error for group without id")
	}
	if _, err := ParseSeed([]byte("groups: [")); err == nil {
		t.Fatal("want yaml error")
	}
}

func TestMemoryRecordReading(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.UpsertDevice(ctx, model.Device{ID: "d1", Type: model.DeviceDustbin})
	v2 := 12.0
	d, err := m.RecordReading(ctx, model.Reading{DeviceID: "d1", Value1: 77, Value2: &v2})
	if err != nil {
		t.Fatalf("RecordReading: %v", err)
	}
	if d.LastValue1 == nil || *d.LastValue1 != 77 || d.LastValue2 == nil || *d.LastValue2 != 12 || d.LastSeen == nil {
		t.Fatalf("reading not applied: %+v", d)
	}
	if _, err := m.RecordReading(ctx, model.Reading{DeviceID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing device: %v", err)
	}
}

func TestMemoryRoutesAndRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	_ = m.SaveRoute(ctx, model.Route{ID: "old", GroupID: "g", CreatedAt: now.Add(-48 * time.Hour)})
	_ = m.SaveRoute(ctx, model.Route{ID: "new", GroupID: "g", CreatedAt: now})
	_ = m.SaveRoute(ctx, model.Route{ID: "other", GroupID: "h", CreatedAt: now})

	list, _ := m.ListRoutes(ctx, "g", 10)
	if len(list) != 2 || list[0].ID != "new" {
		t.Fatalf("list: %+v", list)
	}
	n, _ := m.DeleteRoutesBefore(ctx, now.Add(-24*time.Hour))
	if n != 1 {
		t.Fatalf("pruned %d", n)
	}
	if _, err := m.GetRoute(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old route still present: %v", err)
	}
}

func TestMemoryDeleteGroupCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = DemoSeed().Apply(ctx, m)
	_ = m.SaveRoute(ctx, model.Route{ID: "r", GroupID: "demo"})
	if err := m.DeleteGroup(ctx, "demo"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if devs, _ := m.ListDevices(ctx, ""); len(devs) != 0 {
		t.Fatalf("devices left: %d", len(devs))
	}
	if _, err := m.GetRoute(ctx, "r"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("route left: %v", err)
	}
	if err := m.DeleteGroup(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
