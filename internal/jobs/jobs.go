// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/metrics"
)

// RoutePruner deletes routes created before a cutoff.
type RoutePruner interface {
	DeleteRoutesBefore(ctx context.Context, before time.Time) (int, error)
}

type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		log:  log,
	}
}

// PruneRoutes schedules route retention. A zero retention disables it.
func (s *Scheduler) PruneRoutes(spec string, retention time.Duration, st RoutePruner) error {
	if retention <= 0 || spec == "" {
		s.log.Info("route retention disabled")
		return nil
	}
	job := PruneJob(st, retention, time.Now, s.log)
	if _, err := s.cron.AddFunc(spec, func() { _, _ = job(context.Background()) }); err != nil {
		return fmt.Errorf("schedule route retention %q: %w", spec, err)
	}
	s.log.WithFields(logrus.Fields{"spec": spec, "retention": retention.String()}).Info("route retention scheduled")
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// PruneJob returns the retention job body.
func PruneJob(st RoutePruner, retention time.Duration, now func() time.Time, log logrus.FieldLogger) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		cutoff := now().Add(-retention)
		n, err := st.DeleteRoutesBefore(ctx, cutoff)
		if err != nil {
			log.WithError(err).Error("route retention failed")
			return 0, err
		}
		metrics.RoutesPruned.Add(float64(n))
		if n > 0 {
			log.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff.Format(time.RFC3339)}).Info("pruned routes")
		}
		return n, nil
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct{ log logrus.FieldLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
