// Package planner runs one optimization end to end: registry fetch,
// ordering, persistence, directions and lifecycle events.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/directions"
	"ecoroute/internal/events"
	"ecoroute/internal/metrics"
	"ecoroute/internal/model"
	"ecoroute/internal/opt"
	"ecoroute/internal/registry"
)

// RouteStore persists planned routes. store.Store satisfies it.
type RouteStore interface {
	SaveRoute(ctx context.Context, r model.Route) error
	GetRoute(ctx context.Context, id string) (model.Route, error)
}

// Planner is safe for concurrent use. At most one plan per group is in
// flight; starting another cancels the first.
type Planner struct {
	registry registry.Registry
	provider directions.Provider
	routes   RouteStore
	broker   events.EventBroker
	log      logrus.FieldLogger
	validate *validator.Validate

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	inflight map[string]*flight
}

func New(reg registry.Registry, provider directions.Provider, routes RouteStore, broker events.EventBroker, log logrus.FieldLogger) *Planner {
	return &Planner{
		registry: reg,
		provider: provider,
		routes:   routes,
		broker:   broker,
		log:      log,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		inflight: map[string]*flight{},
	}
}

// flight is one running plan. Writes go through commit so a superseded
// plan can never persist after its successor started.
type flight struct {
	cancel context.CancelFunc

	mu         sync.Mutex
	superseded bool
}

func (f *flight) supersede() {
	f.mu.Lock()
	f.superseded = true
	f.mu.Unlock()
	f.cancel()
}

func (f *flight) isSuperseded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.superseded
}

func (f *flight) commit(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.superseded {
		return ErrSuperseded
	}
	return fn()
}

func (p *Planner) begin(ctx context.Context, groupID string) (context.Context, *flight, func()) {
	ctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}
	p.mu.Lock()
	if prev, ok := p.inflight[groupID]; ok {
		prev.supersede()
		p.log.WithField("group", groupID).Info("superseding in-flight plan")
	}
	p.inflight[groupID] = f
	p.mu.Unlock()
	return ctx, f, func() {
		p.mu.Lock()
		if p.inflight[groupID] == f {
			delete(p.inflight, groupID)
		}
		p.mu.Unlock()
		cancel()
	}
}

// Plan orders the group's bins from req.Origin and, unless
// req.SkipDirections is set, attaches a drivable path.
//
// Errors: *InputError for a missing or invalid origin, ErrNothingToCollect
// (with an empty route) when no bin qualifies, *ProviderError when
// directions fail after the ordering was saved, ErrSuperseded when a newer
// plan for the group started.
func (p *Planner) Plan(ctx context.Context, groupID string, req model.PlanRequest, createdBy string) (model.Route, error) {
	if req.Origin == nil {
		metrics.PlanRuns.WithLabelValues("input_error").Inc()
		return model.Route{}, ErrNoOrigin
	}
	if err := p.validate.Struct(req); err != nil {
		metrics.PlanRuns.WithLabelValues("input_error").Inc()
		return model.Route{}, &InputError{Msg: fmt.Sprintf("invalid plan request: %v", err)}
	}
	log := p.log.WithField("group", groupID)

	ctx, f, done := p.begin(ctx, groupID)
	defer done()

	devices, err := p.registry.ListDevices(ctx, groupID)
	if err != nil {
		if f.isSuperseded() {
			return model.Route{}, p.superseded(log)
		}
		metrics.PlanRuns.WithLabelValues("registry_error").Inc()
		return model.Route{}, fmt.Errorf("list devices: %w", err)
	}
	candidates, rejects := registry.CollectionPoints(devices, groupID)
	registry.LogRejects(log, groupID, rejects)
	candidates = filterClass(candidates, req.DeviceType)

	now := p.now()
	if len(candidates) == 0 {
		metrics.PlanRuns.WithLabelValues("empty").Inc()
		log.Info("no collection points available")
		return model.Route{
			GroupID:   groupID,
			Origin:    *req.Origin,
			Stops:     []model.RouteStop{},
			Status:    model.RouteEmpty,
			Message:   ErrNothingToCollect.Error(),
			CreatedBy: createdBy,
			CreatedAt: now,
			UpdatedAt: now,
		}, ErrNothingToCollect
	}

	plan := opt.Optimize(*req.Origin, candidates)
	rt := model.Route{
		ID:             p.newID(),
		GroupID:        groupID,
		Origin:         *req.Origin,
		Stops:          opt.RouteStops(*req.Origin, plan.Stops),
		Status:         model.RouteOrdered,
		StraightLineKm: plan.TotalKm,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if plan.Fallback {
		rt.Message = "no bin above its collection threshold; visiting all"
	}
	if err := f.commit(func() error { return p.routes.SaveRoute(context.WithoutCancel(ctx), rt) }); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return model.Route{}, p.superseded(log)
		}
		metrics.PlanRuns.WithLabelValues("store_error").Inc()
		return model.Route{}, fmt.Errorf("save route: %w", err)
	}
	metrics.RouteStops.Observe(float64(len(rt.Stops)))
	p.publish(rt, events.RouteOrdered)
	log.WithFields(logrus.Fields{
		"route":    rt.ID,
		"stops":    len(rt.Stops),
		"fallback": plan.Fallback,
		"km":       fmt.Sprintf("%.2f", rt.StraightLineKm),
	}).Info("route ordered")

	if req.SkipDirections {
		metrics.PlanRuns.WithLabelValues("ordered").Inc()
		return rt, nil
	}
	return p.attachDirections(ctx, f, rt, log)
}

// RetryDirections asks the provider again for a stored route, reusing its
// ordering as is.
func (p *Planner) RetryDirections(ctx context.Context, routeID string) (model.Route, error) {
	rt, err := p.routes.GetRoute(ctx, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if len(rt.Stops) == 0 {
		return model.Route{}, &InputError{Msg: "route has no stops"}
	}
	log := p.log.WithFields(logrus.Fields{"group": rt.GroupID, "route": rt.ID})
	ctx, f, done := p.begin(ctx, rt.GroupID)
	defer done()
	return p.attachDirections(ctx, f, rt, log)
}

func (p *Planner) attachDirections(ctx context.Context, f *flight, rt model.Route, log logrus.FieldLogger) (model.Route, error) {
	req, err := directions.NewRequest(rt.Origin, rt.Waypoints())
	if err != nil {
		return rt, &ProviderError{RouteID: rt.ID, Err: err}
	}
	d, derr := p.provider.Directions(ctx, req)
	rt.UpdatedAt = p.now()
	if derr != nil {
		rt.Status = model.RouteDirectionsFailed
		rt.Directions = nil
		rt.DirectionsError = derr.Error()
	} else {
		rt.Status = model.RouteReady
		rt.Directions = &d
		rt.DirectionsError = ""
	}
	if err := f.commit(func() error { return p.routes.SaveRoute(context.WithoutCancel(ctx), rt) }); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return model.Route{}, p.superseded(log)
		}
		metrics.PlanRuns.WithLabelValues("store_error").Inc()
		return model.Route{}, fmt.Errorf("save route: %w", err)
	}
	if derr != nil {
		metrics.PlanRuns.WithLabelValues("directions_failed").Inc()
		p.publish(rt, events.RouteFailed)
		log.WithError(derr).Warn("directions failed; ordering kept for retry")
		return rt, &ProviderError{RouteID: rt.ID, Err: derr}
	}
	metrics.PlanRuns.WithLabelValues("ready").Inc()
	p.publish(rt, events.RouteReady)
	log.WithFields(logrus.Fields{"meters": d.DistanceMeters, "seconds": d.DurationSeconds}).Info("route ready")
	return rt, nil
}

func (p *Planner) superseded(log logrus.FieldLogger) error {
	metrics.PlanRuns.WithLabelValues("superseded").Inc()
	log.Info("plan superseded")
	return ErrSuperseded
}

func (p *Planner) publish(rt model.Route, typ string) {
	if p.broker == nil {
		return
	}
	data := map[string]any{
		"routeId": rt.ID,
		"groupId": rt.GroupID,
		"status":  rt.Status,
		"stops":   len(rt.Stops),
	}
	if rt.DirectionsError != "" {
		data["error"] = rt.DirectionsError
	}
	p.broker.Publish(events.GroupTopic(rt.GroupID), events.Event{Type: typ, Data: data})
}

func filterClass(points []model.CollectionPoint, deviceType string) []model.CollectionPoint {
	if deviceType == "" {
		return points
	}
	out := points[:0:0]
	for _, pt := range points {
		if string(pt.Class) == deviceType {
			out = append(out, pt)
		}
	}
	return out
}

// InFlight reports how many groups have a plan running.
func (p *Planner) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}
