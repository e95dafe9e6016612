package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks a document or request that fails schema validation.
var ErrMalformed = errors.New("malformed document")

var validate = validator.New()

// Validate checks the ride schema and the dispatch invariants.
func (r *Ride) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: ride %q: %v", ErrMalformed, r.ID, err)
	}
	if !r.Pickup.Point.Valid() {
		return fmt.Errorf("%w: ride %q: invalid pickup", ErrMalformed, r.ID)
	}
	d := &r.Dispatch
	if d.HasOffer() != (d.OfferExpiresAt != nil) {
		return fmt.Errorf("%w: ride %q: offer driver and expiry must be set together", ErrMalformed, r.ID)
	}
	if d.HasOffer() && !d.Contacted(d.CurrentOfferedDriverID) {
		return fmt.Errorf("%w: ride %q: offered driver %q not contacted", ErrMalformed, r.ID, d.CurrentOfferedDriverID)
	}
	for _, id := range d.PotentialDrivers {
		if d.Contacted(id) {
			return fmt.Errorf("%w: ride %q: driver %q both potential and contacted", ErrMalformed, r.ID, id)
		}
	}
	return nil
}

// Validate checks the driver schema. Location is left to the index, which
// skips drivers whose location is unusable.
func (d *Driver) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: driver %q: %v", ErrMalformed, d.ID, err)
	}
	if d.Lock == LockBusy && d.LockRideID == "" {
		return fmt.Errorf("%w: driver %q: busy without ride", ErrMalformed, d.ID)
	}
	return nil
}

func (r *RideRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !r.Origin.Valid() {
		return fmt.Errorf("%w: invalid origin", ErrMalformed)
	}
	if r.Destination != nil && !r.Destination.Valid() {
		return fmt.Errorf("%w: invalid destination", ErrMalformed)
	}
	return nil
}

func (u *LocationUpdate) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !u.Loc.Valid() {
		return fmt.Errorf("%w: invalid location", ErrMalformed)
	}
	return nil
}
