package jobs

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/observability"
)

// Pool is the in-process queue: a buffered channel drained by a fixed number
// of workers. Jobs still buffered at shutdown are dropped.
type Pool struct {
	jobs    chan Job
	workers int
	log     logrus.FieldLogger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPool(workers, buffer int, log logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		jobs:    make(chan Job, buffer),
		workers: workers,
		log:     log,
		closed:  make(chan struct{}),
	}
}

func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.closed:
					return
				case job := <-p.jobs:
					run(ctx, p.log, "memory", h, job)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func run(ctx context.Context, log logrus.FieldLogger, queue string, h Handler, job Job) {
	if err := h(ctx, job); err != nil {
		observability.JobsTotal.WithLabelValues(queue, "error").Inc()
		log.WithFields(logrus.Fields{
			"ride_id": job.RideID,
			"trigger": job.Trigger,
		}).WithError(err).Warn("dispatch job failed")
		return
	}
	observability.JobsTotal.WithLabelValues(queue, "ok").Inc()
}
