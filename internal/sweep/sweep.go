// Package sweep re-runs dispatch cycles for rides whose offer expired or whose
// search stalled without an offer.
package sweep

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultConcurrency  = 8
	DefaultLimit        = 500
	DefaultStalledAfter = time.Minute
)

// Runner executes one dispatch cycle.
type Runner interface {
	Run(ctx context.Context, job jobs.Job) (matcher.Outcome, error)
}

type Sweeper struct {
	Store        storage.Store
	Cycles       Runner
	Log          logrus.FieldLogger
	Now          func() time.Time
	Concurrency  int
	Limit        int
	StalledAfter time.Duration
}

// Sweep runs one cycle for every due ride and returns how many it ran. Errors
// of individual cycles are logged and do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	stalled := s.StalledAfter
	if stalled <= 0 {
		stalled = DefaultStalledAfter
	}
	limit := s.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	ids, err := s.Store.DueForSweep(ctx, now, now.Add(-stalled), limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	conc := s.Concurrency
	if conc <= 0 {
		conc = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(conc)
	for _, id := range ids {
		g.Go(func() error {
			out, err := s.Cycles.Run(ctx, jobs.Job{RideID: id, Trigger: jobs.TriggerExpired})
			if err != nil {
				s.Log.WithError(err).WithField("ride_id", id).Warn("sweep cycle failed")
				return nil
			}
			s.Log.WithFields(logrus.Fields{"ride_id": id, "outcome": out}).Debug("sweep cycle done")
			return nil
		})
	}
	_ = g.Wait()
	observability.SweepProcessed.Add(float64(len(ids)))
	return len(ids), nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.Log.WithError(err).Error("sweep failed")
				continue
			}
			if n > 0 {
				s.Log.WithField("rides", n).Info("sweep processed rides")
			}
		}
	}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
