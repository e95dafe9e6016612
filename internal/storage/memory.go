package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is an optimistic, versioned in-process store. Transactions
// read snapshots without holding the lock and validate versions on commit.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver

	Now      func() time.Time
	Attempts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		drivers:  make(map[string]*models.Driver),
		Now:      time.Now,
		Attempts: DefaultTxAttempts,
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) RunTx(ctx context.Context, fn TxFunc) error {
	attempts := m.Attempts
	if attempts <= 0 {
		attempts = DefaultTxAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{
			store:    m,
			rides:    make(map[string]*models.Ride),
			drivers:  make(map[string]*models.Driver),
			versions: make(map[string]int64),
			dirty:    make(map[string]bool),
		}
		if err = fn(ctx, tx); err != nil {
			return err
		}
		if err = m.commit(tx); !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range tx.versions {
		if m.versionOf(key) != v {
			return ErrConflict
		}
	}
	now := m.Now()
	for key := range tx.dirty {
		kind, id := key[:1], key[2:]
		if kind == "r" {
			r := tx.rides[id].Clone()
			r.Version = tx.versions[key] + 1
			r.UpdatedAt = now
			m.rides[id] = r
		} else {
			d := tx.drivers[id].Clone()
			d.Version = tx.versions[key] + 1
			d.UpdatedAt = now
			m.drivers[id] = d
		}
	}
	return nil
}

// versionOf returns -1 for a missing document. Callers hold mu.
func (m *MemoryStore) versionOf(key string) int64 {
	kind, id := key[:1], key[2:]
	if kind == "r" {
		if r, ok := m.rides[id]; ok {
			return r.Version
		}
		return -1
	}
	if d, ok := m.drivers[id]; ok {
		return d.Version
	}
	return -1
}

type memTx struct {
	store    *MemoryStore
	rides    map[string]*models.Ride
	drivers  map[string]*models.Driver
	versions map[string]int64
	dirty    map[string]bool
}

func rideKey(id string) string   { return "r/" + id }
func driverKey(id string) string { return "d/" + id }

func (t *memTx) Ride(ctx context.Context, id string) (*models.Ride, error) {
	if r, ok := t.rides[id]; ok {
		return r, nil
	}
	t.store.mu.RLock()
	stored, ok := t.store.rides[id]
	var r *models.Ride
	if ok {
		r = stored.Clone()
	}
	t.store.mu.RUnlock()
	if !ok {
		t.versions[rideKey(id)] = -1
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	t.rides[id] = r
	t.versions[rideKey(id)] = r.Version
	return r, nil
}

func (t *memTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	if d, ok := t.drivers[id]; ok {
		return d, nil
	}
	t.store.mu.RLock()
	stored, ok := t.store.drivers[id]
	var d *models.Driver
	if ok {
		d = stored.Clone()
	}
	t.store.mu.RUnlock()
	if !ok {
		t.versions[driverKey(id)] = -1
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	t.drivers[id] = d
	t.versions[driverKey(id)] = d.Version
	return d, nil
}

func (t *memTx) PutRide(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	key := rideKey(r.ID)
	if _, ok := t.versions[key]; !ok {
		t.versions[key] = r.Version
	}
	t.rides[r.ID] = r
	t.dirty[key] = true
	return nil
}

func (t *memTx) PutDriver(ctx context.Context, d *models.Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}
	key := driverKey(d.ID)
	if _, ok := t.versions[key]; !ok {
		t.versions[key] = d.Version
	}
	t.drivers[d.ID] = d
	t.dirty[key] = true
	return nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s exists: %w", r.ID, ErrConflict)
	}
	c := r.Clone()
	c.Version = 1
	m.rides[r.ID] = c
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) DueForSweep(ctx context.Context, now, stalledBefore time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, r := range m.rides {
		if r.Status != models.RideSearching {
			continue
		}
		d := &r.Dispatch
		expired := d.OfferExpiresAt != nil && !d.OfferExpiresAt.After(now)
		stalled := !d.HasOffer() && !r.UpdatedAt.After(stalledBefore)
		if expired || stalled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) RecordLastError(ctx context.Context, rideID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, ErrNotFound)
	}
	c := r.Clone()
	c.Dispatch.LastError = code
	c.UpdatedAt = m.Now()
	c.Version++
	m.rides[rideID] = c
	return nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := d.Clone()
	c.UpdatedAt = m.Now()
	if old, ok := m.drivers[d.ID]; ok {
		c.Version = old.Version + 1
	} else {
		c.Version = 1
	}
	m.drivers[d.ID] = c
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out = append(out, *d.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	c := d.Clone()
	c.Location = &loc
	c.UpdatedAt = m.Now()
	c.Version++
	m.drivers[id] = c
	return nil
}

func (m *MemoryStore) DriversInRange(ctx context.Context, r geo.Range) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if !d.Eligible() || d.Location == nil || !r.Contains(d.Location.Geohash) {
			continue
		}
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location.Geohash != out[j].Location.Geohash {
			return out[i].Location.Geohash < out[j].Location.Geohash
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
