package jobs

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"ecoroute/internal/model"
	"ecoroute/internal/store"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPruneJobDeletesOldRoutes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for id, age := range map[string]time.Duration{"old": 10 * 24 * time.Hour, "fresh": time.Hour} {
		if err := st.SaveRoute(ctx, model.Route{ID: id, GroupID: "g", CreatedAt: now.Add(-age)}); err != nil {
			t.Fatal(err)
		}
	}
	job := PruneJob(st, 7*24*time.Hour, func() time.Time { return now }, quiet())
	n, err := job(ctx)
	if err != nil || n != 1 {
		t.Fatalf("pruned %d, err %v", n, err)
	}
	if _, err := st.GetRoute(ctx, "old"); err == nil {
		t.Fatal("old route survived")
	}
	if _, err := st.GetRoute(ctx, "fresh"); err != nil {
		t.Fatalf("fresh route: %v", err)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(quiet())
	if err := s.PruneRoutes("every tuesday", time.Hour, store.NewMemory()); err == nil {
		t.Fatal("want error for invalid spec")
	}
	if err := s.PruneRoutes("@hourly", 0, store.NewMemory()); err != nil {
		t.Fatalf("disabled retention: %v", err)
	}
}

func TestSchedulerRunStops(t *testing.T) {
	s := NewScheduler(quiet())
	if err := s.PruneRoutes("@every 1h", time.Hour, store.NewMemory()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
