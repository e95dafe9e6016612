package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a transaction lost a compare-and-set race. RunTx retries
	// on it and only returns it once attempts are exhausted.
	ErrConflict = errors.New("concurrent modification")
)

// DefaultTxAttempts bounds how often RunTx re-runs a conflicting transaction.
const DefaultTxAttempts = 5

// Tx is one read-modify-write unit spanning rides and drivers. Documents
// returned by Ride and Driver are working copies owned by the transaction;
// repeated reads return the same copy. Writes become visible on commit only.
type Tx interface {
	Ride(ctx context.Context, id string) (*models.Ride, error)
	Driver(ctx context.Context, id string) (*models.Driver, error)
	PutRide(ctx context.Context, r *models.Ride) error
	PutDriver(ctx context.Context, d *models.Driver) error
}

// TxFunc may run more than once; it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the transactional document store behind the dispatch engine.
type Store interface {
	RunTx(ctx context.Context, fn TxFunc) error

	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// DueForSweep lists SEARCHING rides whose offer expired at or before now,
	// or that have no offer and were last touched at or before stalledBefore.
	DueForSweep(ctx context.Context, now, stalledBefore time.Time, limit int) ([]string, error)
	// RecordLastError sets the advisory diagnostic outside any transaction.
	RecordLastError(ctx context.Context, rideID, code string) error

	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error)
	UpdateDriverLocation(ctx context.Context, id string, loc models.Location) error
	// DriversInRange returns eligible drivers whose key lies in r.
	DriversInRange(ctx context.Context, r geo.Range) ([]models.Driver, error)

	Close() error
}
