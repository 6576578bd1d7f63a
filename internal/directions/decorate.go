package directions

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/metrics"
	"ecoroute/internal/model"
)

// Simplified reduces path geometry with Douglas-Peucker at a tolerance in degrees.
type Simplified struct {
	next      Provider
	tolerance float64
}

func NewSimplified(next Provider, toleranceDeg float64) *Simplified {
	return &Simplified{next: next, tolerance: toleranceDeg}
}

func (s *Simplified) Name() string { return s.next.Name() }

func (s *Simplified) Directions(ctx context.Context, req Request) (model.Directions, error) {
	d, err := s.next.Directions(ctx, req)
	if err != nil || len(d.Path) < 3 {
		return d, err
	}
	if ls, ok := simplify.DouglasPeucker(s.tolerance).Simplify(d.Path.Clone()).(orb.LineString); ok {
		d.Path = ls
	}
	return d, nil
}

// Instrumented records latency and outcome of every provider call.
type Instrumented struct {
	next Provider
	log  logrus.FieldLogger
}

func NewInstrumented(next Provider, log logrus.FieldLogger) *Instrumented {
	return &Instrumented{next: next, log: log}
}

func (i *Instrumented) Name() string { return i.next.Name() }

func (i *Instrumented) Directions(ctx context.Context, req Request) (model.Directions, error) {
	start := time.Now()
	d, err := i.next.Directions(ctx, req)
	dur := time.Since(start)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case errors.Is(err, ErrNoRoute):
		status = "no_route"
	default:
		status = "error"
	}
	metrics.DirectionsRequests.WithLabelValues(i.Name(), status).Inc()
	metrics.DirectionsLatency.WithLabelValues(i.Name()).Observe(dur.Seconds())
	entry := i.log.WithFields(logrus.Fields{
		"provider":  i.Name(),
		"waypoints": len(req.Waypoints),
		"dur_ms":    dur.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("directions failed")
	} else {
		entry.WithField("meters", d.DistanceMeters).Debug("directions ok")
	}
	return d, err
}
