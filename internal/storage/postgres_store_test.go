package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeResult struct {
	n   int64
	err error
}

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f fakeResult) RowsAffected() (int64, error) { return f.n, f.err }

// fakeRow assigns vals positionally into the Scan destinations.
type fakeRow struct {
	vals []any
	err  error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.vals) {
		return fmt.Errorf("scan: %d destinations, %d values", len(dest), len(f.vals))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(f.vals[i]))
	}
	return nil
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"version conflict", fmt.Errorf("ride r1: %w", ErrConflict), true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("update: %w", &pq.Error{Code: "40P01"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"not found", ErrNotFound, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExpectOne(t *testing.T) {
	if err := expectOne(fakeResult{n: 1}, "ride", "r1"); err != nil {
		t.Fatalf("one row: %v", err)
	}

	err := expectOne(fakeResult{n: 0}, "driver", "d1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("zero rows: want ErrConflict, got %v", err)
	}
	if !retryable(err) {
		t.Fatal("a stale version must be retried")
	}

	boom := errors.New("driver does not report rows")
	if err := expectOne(fakeResult{err: boom}, "ride", "r1"); !errors.Is(err, boom) {
		t.Fatalf("want driver error passed through, got %v", err)
	}
}

func TestScanDriver(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	row := fakeRow{vals: []any{
		"d1", true, models.PresenceOnline, models.LockBusy, "r1",
		sql.NullFloat64{Float64: 12.97, Valid: true}, sql.NullFloat64{Float64: 77.59, Valid: true},
		sql.NullString{String: "tdr1y", Valid: true}, sql.NullTime{Time: at, Valid: true},
		at, int64(3),
	}}
	d, err := scanDriver(row)
	if err != nil {
		t.Fatal(err)
	}
	if d.Location == nil || d.Location.Geohash != "tdr1y" || d.Location.Point.Lat != 12.97 {
		t.Fatalf("location = %+v", d.Location)
	}
	if d.Version != 3 || d.LockRideID != "r1" {
		t.Fatalf("driver = %+v", d)
	}

	// no stored position
	row.vals[5], row.vals[6], row.vals[7] = sql.NullFloat64{}, sql.NullFloat64{}, sql.NullString{}
	d, err = scanDriver(row)
	if err != nil {
		t.Fatal(err)
	}
	if d.Location != nil {
		t.Fatalf("want nil location, got %+v", d.Location)
	}
}

func TestScanDriverRejectsBadRows(t *testing.T) {
	row := fakeRow{vals: []any{
		"d1", true, models.PresenceOnline, models.LockBusy, "",
		sql.NullFloat64{}, sql.NullFloat64{}, sql.NullString{}, sql.NullTime{},
		time.Now(), int64(1),
	}}
	if _, err := scanDriver(row); !errors.Is(err, models.ErrMalformed) {
		t.Fatalf("busy without ride: want ErrMalformed, got %v", err)
	}

	if _, err := scanDriver(fakeRow{err: sql.ErrNoRows}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("want ErrNoRows passed through, got %v", err)
	}
}

func TestNullableHelpers(t *testing.T) {
	if nullTime(nil).Valid {
		t.Fatal("nil time must be NULL")
	}
	now := time.Now()
	if got := nullTime(&now); !got.Valid || !got.Time.Equal(now) {
		t.Fatalf("nullTime = %+v", got)
	}
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Fatalf("nonNil(nil) = %#v", got)
	}
}
