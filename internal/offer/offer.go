// Package offer holds the ride/driver transitions of a dispatch offer. Every
// transition runs inside a storage transaction, so a ride is never offered to
// two drivers at once and a driver never holds two offers.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrDriverUnavailable means the candidate cannot take an offer right now.
	// The caller drops it and moves on to the next one.
	ErrDriverUnavailable = errors.New("driver unavailable")
	// ErrStaleOffer means the caller acted on an offer that is no longer current.
	ErrStaleOffer        = errors.New("stale offer")
	ErrRideNotSearching  = errors.New("ride is not searching")
	ErrInvalidTransition = errors.New("invalid transition")
)

// DefaultTTL is how long a driver has to answer an offer.
const DefaultTTL = 30 * time.Second

type Machine struct {
	store storage.Store
	ttl   time.Duration
	Now   func() time.Time
}

func NewMachine(store storage.Store, ttl time.Duration) *Machine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Machine{store: store, ttl: ttl, Now: time.Now}
}

func (m *Machine) TTL() time.Duration { return m.ttl }

// ReleasePrevious frees driverID if its lock still references rideID. A driver
// that moved on to another ride, or is already on this one, is left alone, so
// calling it twice is harmless.
func (m *Machine) ReleasePrevious(ctx context.Context, tx storage.Tx, rideID, driverID string) error {
	if driverID == "" {
		return nil
	}
	d, err := tx.Driver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.LockRideID != rideID || d.Presence == models.PresenceOnRide {
		return nil
	}
	d.Lock = models.LockAvailable
	d.LockRideID = ""
	return tx.PutDriver(ctx, d)
}

// MakeOffer locks driverID for ride and records the offer on the ride working
// copy. The caller writes the ride.
func (m *Machine) MakeOffer(ctx context.Context, tx storage.Tx, ride *models.Ride, driverID string) (*models.Driver, error) {
	if ride.Status != models.RideSearching {
		return nil, fmt.Errorf("ride %s is %s: %w", ride.ID, ride.Status, ErrRideNotSearching)
	}
	d, err := tx.Driver(ctx, driverID)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, models.ErrMalformed):
		return nil, fmt.Errorf("driver %s: %v: %w", driverID, err, ErrDriverUnavailable)
	case err != nil:
		return nil, err
	}
	if !d.Eligible() {
		return nil, fmt.Errorf("driver %s (%s, %s): %w", driverID, d.Presence, d.Lock, ErrDriverUnavailable)
	}

	d.Lock = models.LockBusy
	d.LockRideID = ride.ID
	if err := tx.PutDriver(ctx, d); err != nil {
		return nil, err
	}

	expires := m.Now().Add(m.ttl)
	ride.Dispatch.CurrentOfferedDriverID = driverID
	ride.Dispatch.OfferExpiresAt = &expires
	ride.Dispatch.RemovePotential(driverID)
	ride.Dispatch.AddContacted(driverID)
	return d, nil
}

// MarkExhausted records that no candidate is left. The ride stays SEARCHING
// so a later sweep can search again.
func MarkExhausted(ride *models.Ride) {
	ride.Dispatch.ClearOffer()
	ride.Dispatch.PotentialDrivers = nil
}

// Accept assigns the ride to driverID if it holds the current offer. An
// offer past its expiry still counts until a cycle hands it to someone else.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	var out *models.Ride
	err := m.store.RunTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		now := m.Now()
		switch {
		case ride.Status != models.RideSearching:
			return fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, ErrStaleOffer)
		case ride.Dispatch.CurrentOfferedDriverID != driverID:
			return fmt.Errorf("ride %s not offered to %s: %w", rideID, driverID, ErrStaleOffer)
		}
		d, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		if d.LockRideID != rideID {
			return fmt.Errorf("driver %s locked to %q: %w", driverID, d.LockRideID, ErrStaleOffer)
		}
		d.Presence = models.PresenceOnRide
		if err := tx.PutDriver(ctx, d); err != nil {
			return err
		}

		ride.Status = models.RideAccepted
		ride.AssignedDriverID = driverID
		ride.AcceptedAt = &now
		ride.Dispatch.ClearOffer()
		if err := tx.PutRide(ctx, ride); err != nil {
			return err
		}
		out = ride.Clone()
		return nil
	})
	return out, err
}

// Release is the standalone form of ReleasePrevious.
func (m *Machine) Release(ctx context.Context, rideID, driverID string) error {
	return m.store.RunTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return m.ReleasePrevious(ctx, tx, rideID, driverID)
	})
}

// Cancel moves a SEARCHING or ACCEPTED ride to CANCELLED and frees whichever
// driver it holds.
func (m *Machine) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.finish(ctx, rideID, models.RideCancelled, models.RideSearching, models.RideAccepted)
}

// Complete moves an ACCEPTED ride to COMPLETED and puts the driver back online.
func (m *Machine) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.finish(ctx, rideID, models.RideCompleted, models.RideAccepted)
}

func (m *Machine) finish(ctx context.Context, rideID string, to models.RideStatus, from ...models.RideStatus) (*models.Ride, error) {
	var out *models.Ride
	err := m.store.RunTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		allowed := false
		for _, s := range from {
			allowed = allowed || ride.Status == s
		}
		if !allowed {
			return fmt.Errorf("ride %s %s -> %s: %w", rideID, ride.Status, to, ErrInvalidTransition)
		}
		if err := m.ReleasePrevious(ctx, tx, rideID, ride.Dispatch.CurrentOfferedDriverID); err != nil {
			return err
		}
		if err := m.freeAssigned(ctx, tx, rideID, ride.AssignedDriverID); err != nil {
			return err
		}
		ride.Status = to
		ride.Dispatch.ClearOffer()
		if err := tx.PutRide(ctx, ride); err != nil {
			return err
		}
		out = ride.Clone()
		return nil
	})
	return out, err
}

// freeAssigned takes the assigned driver off the ride and back online.
func (m *Machine) freeAssigned(ctx context.Context, tx storage.Tx, rideID, driverID string) error {
	if driverID == "" {
		return nil
	}
	d, err := tx.Driver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.LockRideID != rideID {
		return nil
	}
	d.Lock = models.LockAvailable
	d.LockRideID = ""
	if d.Presence == models.PresenceOnRide {
		d.Presence = models.PresenceOnline
	}
	return tx.PutDriver(ctx, d)
}

// UpdateProfile sets a driver's approval and presence. ON_RIDE is owned by
// Accept and Complete and cannot be entered or left from here.
func (m *Machine) UpdateProfile(ctx context.Context, driverID string, approved bool, p models.Presence) (*models.Driver, error) {
	if p != models.PresenceOnline && p != models.PresenceOffline {
		return nil, fmt.Errorf("presence %q: %w", p, ErrInvalidTransition)
	}
	var out *models.Driver
	err := m.store.RunTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		if d.Presence == models.PresenceOnRide && p != d.Presence {
			return fmt.Errorf("driver %s is on a ride: %w", driverID, ErrInvalidTransition)
		}
		if d.Presence == p && d.Approved == approved {
			out = d.Clone()
			return nil
		}
		d.Presence = p
		d.Approved = approved
		if err := tx.PutDriver(ctx, d); err != nil {
			return err
		}
		out = d.Clone()
		return nil
	})
	return out, err
}
