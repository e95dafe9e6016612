package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrInvalidRequest wraps every input validation failure at the boundary.
var ErrInvalidRequest = errors.New("invalid request")

// LocationIndex is a secondary proximity index kept in step with driver
// locations and presence, e.g. geo.RedisSource.
type LocationIndex interface {
	Upsert(ctx context.Context, driverID, geohash string) error
	Forget(ctx context.Context, driverID string) error
}

// LocationPublisher hands raw location pings to an asynchronous pipeline
// instead of applying them inline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// Service is the boundary of the dispatch engine.
type Service struct {
	Store     storage.Store
	Cycles    *Orchestrator
	Offers    *offer.Machine
	Queue     jobs.Queue
	Index     LocationIndex     // optional
	Publisher LocationPublisher // optional
	Precision int
	Log       logrus.FieldLogger
}

func (s *Service) precision() int {
	if s.Precision <= 0 {
		return geo.DefaultPrecision
	}
	return s.Precision
}

// CreateRide persists a SEARCHING ride and queues its first cycle. A failed
// enqueue is logged only; the sweeper picks up the ride once it stalls.
func (s *Service) CreateRide(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	now := s.Offers.Now()
	pickup := geo.LocationFor(req.Origin, s.precision())
	pickup.UpdatedAt = now
	r := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Status:      models.RideSearching,
		Pickup:      pickup,
		Destination: req.Destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreated.Inc()

	if err := s.Queue.Enqueue(ctx, jobs.Job{RideID: r.ID, Trigger: jobs.TriggerCreated}); err != nil {
		s.Log.WithError(err).WithField("ride_id", r.ID).Warn("could not enqueue first dispatch cycle")
	}
	return r, nil
}

// RejectOffer runs the next cycle synchronously on behalf of the offeree.
func (s *Service) RejectOffer(ctx context.Context, rideID, driverID string) (Outcome, error) {
	if rideID == "" || driverID == "" {
		return OutcomeNoop, fmt.Errorf("%w: ride and driver are required", ErrInvalidRequest)
	}
	return s.Cycles.Run(ctx, jobs.Job{RideID: rideID, Trigger: jobs.TriggerRejected, DriverID: driverID})
}

func (s *Service) AcceptOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, fmt.Errorf("%w: ride and driver are required", ErrInvalidRequest)
	}
	r, err := s.Offers.Accept(ctx, rideID, driverID)
	switch {
	case err == nil:
		observability.AcceptsTotal.WithLabelValues("accepted").Inc()
		s.Log.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID}).Info("offer accepted")
	case errors.Is(err, offer.ErrStaleOffer):
		observability.AcceptsTotal.WithLabelValues("stale").Inc()
	default:
		observability.AcceptsTotal.WithLabelValues("error").Inc()
	}
	return r, err
}

// TriggerCycle runs an unconditional cycle, releasing any outstanding offer.
func (s *Service) TriggerCycle(ctx context.Context, rideID string) (Outcome, error) {
	if rideID == "" {
		return OutcomeNoop, fmt.Errorf("%w: ride is required", ErrInvalidRequest)
	}
	return s.Cycles.Run(ctx, jobs.Job{RideID: rideID, Trigger: jobs.TriggerManual})
}

func (s *Service) CancelRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Offers.Cancel(ctx, rideID)
}

func (s *Service) CompleteRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Offers.Complete(ctx, rideID)
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, rideID)
}

// DriverProfile is the externally managed part of a driver document.
type DriverProfile struct {
	ID       string          `json:"id"`
	Approved bool            `json:"approved"`
	Presence models.Presence `json:"presence"`
	Location *models.Coord   `json:"location,omitempty"`
}

// UpsertDriver creates a driver or updates its approval, presence and
// location. The dispatch lock is never touched here.
func (s *Service) UpsertDriver(ctx context.Context, p DriverProfile) (*models.Driver, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidRequest)
	}
	if p.Presence != models.PresenceOnline && p.Presence != models.PresenceOffline {
		return nil, fmt.Errorf("%w: presence %q", ErrInvalidRequest, p.Presence)
	}
	if p.Location != nil && !p.Location.Valid() {
		return nil, fmt.Errorf("%w: invalid location", ErrInvalidRequest)
	}

	_, err := s.Store.GetDriver(ctx, p.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d := &models.Driver{ID: p.ID, Approved: p.Approved, Presence: p.Presence, Lock: models.LockAvailable}
		if err := s.Store.UpsertDriver(ctx, d); err != nil {
			return nil, fmt.Errorf("create driver: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		if _, err := s.Offers.UpdateProfile(ctx, p.ID, p.Approved, p.Presence); err != nil {
			return nil, err
		}
	}
	if p.Location != nil {
		if err := s.UpdateDriverLocation(ctx, models.LocationUpdate{DriverID: p.ID, Loc: *p.Location}); err != nil {
			return nil, err
		}
	}
	d, err := s.Store.GetDriver(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.syncIndex(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// syncIndex drops offline drivers from the secondary index and puts a driver
// coming back online at its last known key.
func (s *Service) syncIndex(ctx context.Context, d *models.Driver) error {
	if s.Index == nil {
		return nil
	}
	var err error
	switch {
	case d.Presence == models.PresenceOffline:
		err = s.Index.Forget(ctx, d.ID)
	case d.Location != nil:
		err = s.Index.Upsert(ctx, d.ID, d.Location.Geohash)
	}
	if err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	return nil
}

// IngestLocation accepts a location ping from a driver app. With a publisher
// configured the ping goes through the async pipeline, otherwise it is
// applied inline.
func (s *Service) IngestLocation(ctx context.Context, u models.LocationUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if u.At.IsZero() {
		u.At = s.Offers.Now()
	}
	if s.Publisher != nil {
		return s.Publisher.PublishLocation(ctx, u)
	}
	return s.UpdateDriverLocation(ctx, u)
}

// UpdateDriverLocation stores the new point and proximity key, then moves the
// driver in the secondary index if there is one.
func (s *Service) UpdateDriverLocation(ctx context.Context, u models.LocationUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	loc := geo.LocationFor(u.Loc, s.precision())
	loc.UpdatedAt = u.At
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = s.Offers.Now()
	}
	if err := s.Store.UpdateDriverLocation(ctx, u.DriverID, loc); err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if s.Index != nil {
		if err := s.Index.Upsert(ctx, u.DriverID, loc.Geohash); err != nil {
			return fmt.Errorf("update index: %w", err)
		}
	}
	observability.LocationUpdates.Inc()
	return nil
}
