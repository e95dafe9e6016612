package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps rides and drivers in two tables. Transactions take row
// locks with SELECT ... FOR UPDATE and writes are additionally guarded by the
// version column.
type PostgresStore struct {
	db       *sql.DB
	attempts int
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, attempts: DefaultTxAttempts}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) RunTx(ctx context.Context, fn TxFunc) error {
	var err error
	for i := 0; i < p.attempts; i++ {
		err = p.runOnce(ctx, fn)
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.attempts, err)
}

func (p *PostgresStore) runOnce(ctx context.Context, fn TxFunc) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	tx := &pgTx{tx: sqlTx, rides: map[string]*models.Ride{}, drivers: map[string]*models.Driver{}}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

const rideColumns = `id, rider_id, status, pickup_lat, pickup_lon, pickup_geohash, dest_lat, dest_lon,
	assigned_driver_id, potential_drivers, contacted_drivers, current_offered_driver_id, offer_expires_at,
	last_error, created_at, accepted_at, updated_at, version`

const driverColumns = `id, approved, presence, dispatch_lock, lock_ride_id, lat, lon, geohash, location_at,
	updated_at, version`

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                models.Ride
		destLat, destLon sql.NullFloat64
		expires, accept  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.Status, &r.Pickup.Point.Lat, &r.Pickup.Point.Lon, &r.Pickup.Geohash,
		&destLat, &destLon, &r.AssignedDriverID, pq.Array(&r.Dispatch.PotentialDrivers),
		pq.Array(&r.Dispatch.ContactedDrivers), &r.Dispatch.CurrentOfferedDriverID, &expires,
		&r.Dispatch.LastError, &r.CreatedAt, &accept, &r.UpdatedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	if destLat.Valid && destLon.Valid {
		r.Destination = &models.Coord{Lat: destLat.Float64, Lon: destLon.Float64}
	}
	if expires.Valid {
		r.Dispatch.OfferExpiresAt = &expires.Time
	}
	if accept.Valid {
		r.AcceptedAt = &accept.Time
	}
	r.Pickup.UpdatedAt = r.CreatedAt
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lon sql.NullFloat64
		hash     sql.NullString
		at       sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Approved, &d.Presence, &d.Lock, &d.LockRideID, &lat, &lon, &hash, &at,
		&d.UpdatedAt, &d.Version)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid && hash.Valid {
		d.Location = &models.Location{Point: models.Coord{Lat: lat.Float64, Lon: lon.Float64}, Geohash: hash.String, UpdatedAt: at.Time}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

type pgTx struct {
	tx      *sql.Tx
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver
}

func (t *pgTx) Ride(ctx context.Context, id string) (*models.Ride, error) {
	if r, ok := t.rides[id]; ok {
		return r, nil
	}
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.rides[id] = r
	return r, nil
}

func (t *pgTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	if d, ok := t.drivers[id]; ok {
		return d, nil
	}
	d, err := scanDriver(t.tx.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.drivers[id] = d
	return d, nil
}

func (t *pgTx) PutRide(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var destLat, destLon sql.NullFloat64
	if r.Destination != nil {
		destLat = sql.NullFloat64{Float64: r.Destination.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: r.Destination.Lon, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE rides SET status=$1, assigned_driver_id=$2, potential_drivers=$3,
		contacted_drivers=$4, current_offered_driver_id=$5, offer_expires_at=$6, last_error=$7, accepted_at=$8,
		dest_lat=$9, dest_lon=$10, updated_at=now(), version=version+1 WHERE id=$11 AND version=$12`,
		r.Status, r.AssignedDriverID, pq.Array(nonNil(r.Dispatch.PotentialDrivers)),
		pq.Array(nonNil(r.Dispatch.ContactedDrivers)), r.Dispatch.CurrentOfferedDriverID,
		nullTime(r.Dispatch.OfferExpiresAt), r.Dispatch.LastError, nullTime(r.AcceptedAt),
		destLat, destLon, r.ID, r.Version)
	if err != nil {
		return err
	}
	if err := expectOne(res, "ride", r.ID); err != nil {
		return err
	}
	// later writes in the same transaction compare against the new version
	r.Version++
	return nil
}

func (t *pgTx) PutDriver(ctx context.Context, d *models.Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE drivers SET approved=$1, presence=$2, dispatch_lock=$3, lock_ride_id=$4,
		updated_at=now(), version=version+1 WHERE id=$5 AND version=$6`,
		d.Approved, d.Presence, d.Lock, d.LockRideID, d.ID, d.Version)
	if err != nil {
		return err
	}
	if err := expectOne(res, "driver", d.ID); err != nil {
		return err
	}
	d.Version++
	return nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrConflict)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var destLat, destLon sql.NullFloat64
	if r.Destination != nil {
		destLat = sql.NullFloat64{Float64: r.Destination.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: r.Destination.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (id, rider_id, status, pickup_lat, pickup_lon, pickup_geohash,
		dest_lat, dest_lon, created_at, updated_at, version) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)`,
		r.ID, r.RiderID, r.Status, r.Pickup.Point.Lat, r.Pickup.Point.Lon, r.Pickup.Geohash,
		destLat, destLon, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("ride %s exists: %w", r.ID, ErrConflict)
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) DueForSweep(ctx context.Context, now, stalledBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM rides WHERE status = 'SEARCHING' AND
		(offer_expires_at <= $1 OR (current_offered_driver_id = '' AND updated_at <= $2))
		ORDER BY id LIMIT $3`, now, stalledBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) RecordLastError(ctx context.Context, rideID, code string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET last_error=$1, updated_at=now(), version=version+1 WHERE id=$2`, code, rideID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ride %s: %w", rideID, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	var hash sql.NullString
	var at sql.NullTime
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Point.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Point.Lon, Valid: true}
		hash = sql.NullString{String: d.Location.Geohash, Valid: true}
		at = sql.NullTime{Time: d.Location.UpdatedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, approved, presence, dispatch_lock, lock_ride_id, lat, lon,
		geohash, location_at, updated_at, version) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),1)
		ON CONFLICT (id) DO UPDATE SET approved=EXCLUDED.approved, presence=EXCLUDED.presence,
		dispatch_lock=EXCLUDED.dispatch_lock, lock_ride_id=EXCLUDED.lock_ride_id,
		lat=COALESCE(EXCLUDED.lat, drivers.lat), lon=COALESCE(EXCLUDED.lon, drivers.lon),
		geohash=COALESCE(EXCLUDED.geohash, drivers.geohash), location_at=COALESCE(EXCLUDED.location_at, drivers.location_at),
		updated_at=now(), version=drivers.version+1`,
		d.ID, d.Approved, d.Presence, d.Lock, d.LockRideID, lat, lon, hash, at)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (p *PostgresStore) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return collectDrivers(rows)
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Location) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET lat=$1, lon=$2, geohash=$3, location_at=$4, updated_at=now(),
		version=version+1 WHERE id=$5`, loc.Point.Lat, loc.Point.Lon, loc.Geohash, loc.UpdatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return nil
}

// DriversInRange compares keys under the C collation so the "~" range
// sentinel sorts after every base32 character.
func (p *PostgresStore) DriversInRange(ctx context.Context, r geo.Range) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers
		WHERE approved AND presence = 'ONLINE' AND dispatch_lock = 'AVAILABLE'
		AND geohash COLLATE "C" >= $1 AND geohash COLLATE "C" <= $2
		ORDER BY geohash COLLATE "C", id`, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	return collectDrivers(rows)
}

// collectDrivers skips rows that fail validation; a malformed driver must not
// fail a search.
func collectDrivers(rows *sql.Rows) ([]models.Driver, error) {
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if errors.Is(err, models.ErrMalformed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
