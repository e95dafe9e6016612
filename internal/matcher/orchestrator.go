package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/storage"
)

type Outcome string

const (
	OutcomeOffered   Outcome = "offered"
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeNoop means the cycle found nothing to do: the ride is no longer
	// searching, or the trigger was already handled.
	OutcomeNoop Outcome = "noop"
)

// Orchestrator runs dispatch cycles. A cycle releases the current offeree,
// refills candidates when needed and offers the ride to the nearest available
// driver, all in one transaction.
type Orchestrator struct {
	store    storage.Store
	index    *geo.Index
	offers   *offer.Machine
	notifier notify.Notifier
	eta      *eta.Estimator
	log      logrus.FieldLogger
}

func NewOrchestrator(store storage.Store, index *geo.Index, offers *offer.Machine, notifier notify.Notifier, est *eta.Estimator, log logrus.FieldLogger) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if est == nil {
		est = &eta.Estimator{}
	}
	return &Orchestrator{store: store, index: index, offers: offers, notifier: notifier, eta: est, log: log}
}

type offerMade struct {
	ride   *models.Ride
	driver *models.Driver
}

// Run executes one cycle for job.RideID. Any store or index error aborts the
// cycle without effect and is recorded on the ride as its last error.
func (o *Orchestrator) Run(ctx context.Context, job jobs.Job) (Outcome, error) {
	start := time.Now()
	log := o.log.WithFields(logrus.Fields{"ride_id": job.RideID, "trigger": job.Trigger})

	var (
		outcome Outcome
		made    *offerMade
	)
	err := o.store.RunTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		outcome, made = OutcomeNoop, nil
		ride, err := tx.Ride(ctx, job.RideID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideSearching {
			return nil
		}
		if skip, err := o.guard(ride, job); skip || err != nil {
			return err
		}

		if prev := ride.Dispatch.CurrentOfferedDriverID; prev != "" {
			if err := o.offers.ReleasePrevious(ctx, tx, ride.ID, prev); err != nil {
				return fmt.Errorf("release %s: %w", prev, err)
			}
			ride.Dispatch.ClearOffer()
		}

		if len(ride.Dispatch.PotentialDrivers) == 0 {
			cands, err := o.index.Nearby(ctx, ride.Pickup.Point, ride.Dispatch.ContactedDrivers)
			if err != nil {
				return fmt.Errorf("find drivers: %w", err)
			}
			ride.Dispatch.PotentialDrivers = Rank(cands)
		}

		for len(ride.Dispatch.PotentialDrivers) > 0 {
			head := ride.Dispatch.PotentialDrivers[0]
			d, err := o.offers.MakeOffer(ctx, tx, ride, head)
			if errors.Is(err, offer.ErrDriverUnavailable) {
				log.WithField("driver_id", head).Debug("candidate unavailable, dropping")
				ride.Dispatch.RemovePotential(head)
				continue
			}
			if err != nil {
				return fmt.Errorf("offer to %s: %w", head, err)
			}
			outcome = OutcomeOffered
			made = &offerMade{ride: ride, driver: d}
			break
		}
		if outcome != OutcomeOffered {
			offer.MarkExhausted(ride)
			outcome = OutcomeExhausted
		}
		ride.Dispatch.LastError = ""
		return tx.PutRide(ctx, ride)
	})
	observability.CycleLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.CyclesTotal.WithLabelValues(string(job.Trigger), "error").Inc()
		if errors.Is(err, offer.ErrStaleOffer) || errors.Is(err, storage.ErrNotFound) {
			return OutcomeNoop, err
		}
		log.WithError(err).Error("dispatch cycle failed")
		// the cycle's own transaction is gone; this is a separate atomic write
		if rerr := o.store.RecordLastError(context.WithoutCancel(ctx), job.RideID, models.LastErrorTransactionFailed); rerr != nil {
			log.WithError(rerr).Warn("could not record last error")
		}
		return OutcomeNoop, err
	}
	observability.CyclesTotal.WithLabelValues(string(job.Trigger), string(outcome)).Inc()

	switch outcome {
	case OutcomeOffered:
		observability.OffersTotal.Inc()
		log.WithField("driver_id", made.driver.ID).Info("ride offered")
		o.notify(ctx, log, made)
	case OutcomeExhausted:
		log.Info("no drivers available")
	}
	return outcome, nil
}

// guard reports whether the trigger is already handled. A rejection from a
// driver who no longer holds the offer is stale.
func (o *Orchestrator) guard(ride *models.Ride, job jobs.Job) (bool, error) {
	d := &ride.Dispatch
	switch job.Trigger {
	case jobs.TriggerRejected:
		if d.CurrentOfferedDriverID != job.DriverID {
			return true, fmt.Errorf("ride %s not offered to %s: %w", ride.ID, job.DriverID, offer.ErrStaleOffer)
		}
	case jobs.TriggerExpired:
		if d.HasOffer() && !d.OfferExpired(o.offers.Now()) {
			return true, nil
		}
	case jobs.TriggerCreated:
		if d.HasOffer() {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) notify(ctx context.Context, log logrus.FieldLogger, m *offerMade) {
	n := models.OfferNotice{
		RideID:    m.ride.ID,
		DriverID:  m.driver.ID,
		Pickup:    m.ride.Pickup.Point,
		ExpiresAt: *m.ride.Dispatch.OfferExpiresAt,
	}
	if loc := m.driver.Location; loc != nil {
		n.DistanceM = geo.Distance(loc.Point, n.Pickup)
		n.ETASeconds = o.eta.Estimate(ctx, loc.Point, n.Pickup)
	}
	if err := o.notifier.NotifyOffer(ctx, n); err != nil {
		observability.NotifyFailures.Inc()
		log.WithError(err).WithField("driver_id", n.DriverID).Warn("offer notice not delivered")
	}
}
