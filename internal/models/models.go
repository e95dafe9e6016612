package models

import (
	"slices"
	"time"
)

type RideStatus string

const (
	RideSearching RideStatus = "SEARCHING"
	RideAccepted  RideStatus = "ACCEPTED"
	RideFailed    RideStatus = "FAILED"
	RideCancelled RideStatus = "CANCELLED"
	RideCompleted RideStatus = "COMPLETED"
)

type Presence string

const (
	PresenceOnline  Presence = "ONLINE"
	PresenceOffline Presence = "OFFLINE"
	PresenceOnRide  Presence = "ON_RIDE"
)

// DispatchLock is the per-driver mutual exclusion flag. BUSY means the driver
// holds an outstanding offer or is assigned to an active ride.
type DispatchLock string

const (
	LockAvailable DispatchLock = "AVAILABLE"
	LockBusy      DispatchLock = "BUSY"
)

// LastErrorTransactionFailed is recorded on a ride when a dispatch cycle aborts.
const LastErrorTransactionFailed = "DISPATCH_TRANSACTION_FAILED"

type Coord struct {
	Lat float64 `json:"lat" bson:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" bson:"lon" validate:"gte=-180,lte=180"`
}

// Valid reports whether c is a usable coordinate.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Location is a point plus its proximity key.
type Location struct {
	Point     Coord     `json:"point" bson:"point"`
	Geohash   string    `json:"geohash" bson:"geohash" validate:"required"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

type Dispatch struct {
	PotentialDrivers       []string   `json:"potential_drivers" bson:"potential_drivers"`
	ContactedDrivers       []string   `json:"contacted_drivers" bson:"contacted_drivers"`
	CurrentOfferedDriverID string     `json:"current_offered_driver_id,omitempty" bson:"current_offered_driver_id"`
	OfferExpiresAt         *time.Time `json:"offer_expires_at,omitempty" bson:"offer_expires_at"`
	LastError              string     `json:"last_error,omitempty" bson:"last_error"`
}

func (d *Dispatch) HasOffer() bool { return d.CurrentOfferedDriverID != "" }

// OfferExpired reports whether the current offer is past its deadline at now.
func (d *Dispatch) OfferExpired(now time.Time) bool {
	return d.HasOffer() && d.OfferExpiresAt != nil && !now.Before(*d.OfferExpiresAt)
}

func (d *Dispatch) ClearOffer() {
	d.CurrentOfferedDriverID = ""
	d.OfferExpiresAt = nil
}

func (d *Dispatch) Contacted(driverID string) bool {
	return slices.Contains(d.ContactedDrivers, driverID)
}

func (d *Dispatch) RemovePotential(driverID string) {
	d.PotentialDrivers = slices.DeleteFunc(d.PotentialDrivers, func(id string) bool { return id == driverID })
}

// AddContacted appends driverID unless it is already present.
func (d *Dispatch) AddContacted(driverID string) {
	if !d.Contacted(driverID) {
		d.ContactedDrivers = append(d.ContactedDrivers, driverID)
	}
}

type Ride struct {
	ID               string     `json:"id" bson:"_id" validate:"required"`
	RiderID          string     `json:"rider_id" bson:"rider_id" validate:"required"`
	Status           RideStatus `json:"status" bson:"status" validate:"oneof=SEARCHING ACCEPTED FAILED CANCELLED COMPLETED"`
	Pickup           Location   `json:"pickup" bson:"pickup"`
	Destination      *Coord     `json:"destination,omitempty" bson:"destination,omitempty"`
	AssignedDriverID string     `json:"assigned_driver_id,omitempty" bson:"assigned_driver_id"`
	Dispatch         Dispatch   `json:"dispatch" bson:"dispatch"`
	CreatedAt        time.Time  `json:"created_at" bson:"created_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at" bson:"updated_at"`
	Version          int64      `json:"-" bson:"version"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (r *Ride) Clone() *Ride {
	c := *r
	c.Dispatch.PotentialDrivers = slices.Clone(r.Dispatch.PotentialDrivers)
	c.Dispatch.ContactedDrivers = slices.Clone(r.Dispatch.ContactedDrivers)
	if r.Dispatch.OfferExpiresAt != nil {
		t := *r.Dispatch.OfferExpiresAt
		c.Dispatch.OfferExpiresAt = &t
	}
	if r.Destination != nil {
		d := *r.Destination
		c.Destination = &d
	}
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		c.AcceptedAt = &t
	}
	return &c
}

type Driver struct {
	ID         string       `json:"id" bson:"_id" validate:"required"`
	Approved   bool         `json:"approved" bson:"approved"`
	Presence   Presence     `json:"presence" bson:"presence" validate:"oneof=ONLINE OFFLINE ON_RIDE"`
	Lock       DispatchLock `json:"dispatch_lock" bson:"dispatch_lock" validate:"oneof=AVAILABLE BUSY"`
	LockRideID string       `json:"lock_ride_id,omitempty" bson:"lock_ride_id"`
	Location   *Location    `json:"location,omitempty" bson:"location,omitempty" validate:"-"`
	UpdatedAt  time.Time    `json:"updated_at" bson:"updated_at"`
	Version    int64        `json:"-" bson:"version"`
}

// Eligible reports whether the driver may receive a new offer.
func (d *Driver) Eligible() bool {
	return d.Approved && d.Presence == PresenceOnline && d.Lock == LockAvailable
}

func (d *Driver) Clone() *Driver {
	c := *d
	if d.Location != nil {
		l := *d.Location
		c.Location = &l
	}
	return &c
}

type RideRequest struct {
	RiderID     string `json:"rider_id" validate:"required"`
	Origin      Coord  `json:"origin"`
	Destination *Coord `json:"destination,omitempty"`
}

// OfferNotice is what a driver receives when a ride is offered to them.
type OfferNotice struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	Pickup     Coord     `json:"pickup"`
	DistanceM  float64   `json:"distance_m"`
	ETASeconds float64   `json:"eta_seconds"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LocationUpdate is a single driver location ping.
type LocationUpdate struct {
	DriverID string    `json:"driver_id" validate:"required"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}
