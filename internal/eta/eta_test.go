package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type countingClient struct {
	v     float64
	err   error
	calls int
}

func (c *countingClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestEstimatorUsesCache(t *testing.T) {
	c := &countingClient{v: 120}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1.01, Lon: 1}
	for i := 0; i < 3; i++ {
		if got := e.Estimate(context.Background(), a, b); got != 120 {
			t.Fatalf("expected 120, got %v", got)
		}
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Client: &countingClient{err: errors.New("down")}, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.01, Lon: 0}
	got := e.Estimate(context.Background(), a, b)
	// 0.01 deg of latitude is ~1112m
	if got < 110 || got > 112 {
		t.Fatalf("expected ~111s, got %v", got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/2.000000,1.000000;4.000000,3.000000" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":42.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42.5 {
		t.Fatalf("expected 42.5, got %v", got)
	}
}
