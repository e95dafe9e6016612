package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type recNotifier struct {
	mu      sync.Mutex
	notices []models.OfferNotice
}

func (r *recNotifier) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recNotifier) last() models.OfferNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices[len(r.notices)-1]
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, j jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, h jobs.Handler) error { return nil }
func (q *fakeQueue) Close() error                                      { return nil }

type failingSource struct{}

func (failingSource) DriversInRange(ctx context.Context, r geo.Range) ([]models.Driver, error) {
	return nil, errors.New("index unavailable")
}

type harness struct {
	store *storage.MemoryStore
	svc   *Service
	orch  *Orchestrator
	notes *recNotifier
	queue *fakeQueue
	clock time.Time
	mu    sync.Mutex
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, src geo.Source) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(), notes: &recNotifier{}, queue: &fakeQueue{}, clock: t0}
	h.store.Now = h.now
	if src == nil {
		src = h.store
	}
	offers := offer.NewMachine(h.store, 0)
	offers.Now = h.now
	h.orch = NewOrchestrator(h.store, geo.NewIndex(src, geo.DefaultRadiusM), offers, h.notes, nil, quietLogger())
	h.svc = &Service{Store: h.store, Cycles: h.orch, Offers: offers, Queue: h.queue, Log: quietLogger()}
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

// north returns a point metersN north of the equator at lon 0.
func north(metersN float64) models.Coord {
	return models.Coord{Lat: metersN / 111195.0, Lon: 0}
}

func (h *harness) addDriver(t *testing.T, id string, at models.Coord) {
	t.Helper()
	if _, err := h.svc.UpsertDriver(context.Background(), DriverProfile{
		ID: id, Approved: true, Presence: models.PresenceOnline, Location: &at,
	}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) createRide(t *testing.T) string {
	t.Helper()
	r, err := h.svc.CreateRide(context.Background(), models.RideRequest{RiderID: "rider", Origin: models.Coord{}})
	if err != nil {
		t.Fatal(err)
	}
	return r.ID
}

func (h *harness) ride(t *testing.T, id string) *models.Ride {
	t.Helper()
	r, err := h.store.GetRide(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *harness) driver(t *testing.T, id string) *models.Driver {
	t.Helper()
	d, err := h.store.GetDriver(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (h *harness) run(t *testing.T, job jobs.Job) Outcome {
	t.Helper()
	out, err := h.orch.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("cycle %+v: %v", job, err)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRankIsStable(t *testing.T) {
	got := Rank([]geo.Candidate{
		{DriverID: "far", DistanceM: 3000},
		{DriverID: "tieA", DistanceM: 1000},
		{DriverID: "near", DistanceM: 10},
		{DriverID: "tieB", DistanceM: 1000},
	})
	want := []string{"near", "tieA", "tieB", "far"}
	if !equalIDs(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(Rank(nil)) != 0 {
		t.Fatal("expected empty ranking")
	}
}

func TestDispatchScenarios(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.addDriver(t, "D1", north(1000))
	h.addDriver(t, "D2", north(3000))
	rideID := h.createRide(t)

	// A: the first cycle offers the nearest driver
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated}); out != OutcomeOffered {
		t.Fatalf("A: expected offered, got %s", out)
	}
	r := h.ride(t, rideID)
	if r.Dispatch.CurrentOfferedDriverID != "D1" || !equalIDs(r.Dispatch.PotentialDrivers, []string{"D2"}) {
		t.Fatalf("A: unexpected dispatch %+v", r.Dispatch)
	}
	if !r.Dispatch.OfferExpiresAt.Equal(t0.Add(offer.DefaultTTL)) {
		t.Fatalf("A: unexpected expiry %v", r.Dispatch.OfferExpiresAt)
	}
	if d := h.driver(t, "D1"); d.Lock != models.LockBusy || d.LockRideID != rideID {
		t.Fatalf("A: D1 should be busy, got %+v", d)
	}
	if d := h.driver(t, "D2"); d.Lock != models.LockAvailable {
		t.Fatalf("A: D2 should stay available, got %+v", d)
	}
	if n := h.notes.last(); n.DriverID != "D1" || n.DistanceM < 990 || n.DistanceM > 1010 || n.ETASeconds <= 0 {
		t.Fatalf("A: unexpected notice %+v", n)
	}

	// B: D1 rejects
	out, err := h.svc.RejectOffer(ctx, rideID, "D1")
	if err != nil || out != OutcomeOffered {
		t.Fatalf("B: expected offered, got %s %v", out, err)
	}
	r = h.ride(t, rideID)
	if r.Dispatch.CurrentOfferedDriverID != "D2" || !equalIDs(r.Dispatch.ContactedDrivers, []string{"D1", "D2"}) {
		t.Fatalf("B: unexpected dispatch %+v", r.Dispatch)
	}
	if d := h.driver(t, "D1"); d.Lock != models.LockAvailable {
		t.Fatalf("B: D1 should be released, got %+v", d)
	}

	// C: D2's offer expires; the refill excludes D1 and D2 and finds D3
	h.addDriver(t, "D3", north(5000))
	h.advance(offer.DefaultTTL + time.Second)
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerExpired}); out != OutcomeOffered {
		t.Fatalf("C: expected offered, got %s", out)
	}
	r = h.ride(t, rideID)
	if r.Dispatch.CurrentOfferedDriverID != "D3" || !equalIDs(r.Dispatch.ContactedDrivers, []string{"D1", "D2", "D3"}) {
		t.Fatalf("C: unexpected dispatch %+v", r.Dispatch)
	}
	if d := h.driver(t, "D2"); d.Lock != models.LockAvailable {
		t.Fatalf("C: D2 should be released, got %+v", d)
	}

	// D: D2 accepting late is stale and changes nothing
	before := h.ride(t, rideID)
	if _, err := h.svc.AcceptOffer(ctx, rideID, "D2"); !errors.Is(err, offer.ErrStaleOffer) {
		t.Fatalf("D: expected ErrStaleOffer, got %v", err)
	}
	after := h.ride(t, rideID)
	if after.Version != before.Version || after.Dispatch.CurrentOfferedDriverID != "D3" {
		t.Fatalf("D: ride changed: %+v", after)
	}

	accepted, err := h.svc.AcceptOffer(ctx, rideID, "D3")
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Status != models.RideAccepted || accepted.AssignedDriverID != "D3" {
		t.Fatalf("unexpected accepted ride %+v", accepted)
	}
}

func TestExhaustionKeepsRideSearching(t *testing.T) {
	h := newHarness(t, nil)
	rideID := h.createRide(t)

	for i := 0; i < 2; i++ {
		if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerExpired}); out != OutcomeExhausted {
			t.Fatalf("expected exhausted, got %s", out)
		}
		r := h.ride(t, rideID)
		if r.Status != models.RideSearching || r.Dispatch.HasOffer() || r.Dispatch.LastError != "" {
			t.Fatalf("unexpected ride %+v", r)
		}
	}

	h.addDriver(t, "late", north(200))
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerExpired}); out != OutcomeOffered {
		t.Fatalf("expected offered once a driver appears, got %s", out)
	}
}

func TestCycleDropsCandidateTakenElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.addDriver(t, "A", north(100))
	h.addDriver(t, "B", north(200))
	h.addDriver(t, "C", north(300))
	rideID := h.createRide(t)
	h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated})

	// B gets locked by another ride between cycles
	other := h.createRide(t)
	err := h.store.RunTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Driver(ctx, "B")
		if err != nil {
			return err
		}
		d.Lock = models.LockBusy
		d.LockRideID = other
		return tx.PutDriver(ctx, d)
	})
	if err != nil {
		t.Fatal(err)
	}

	if out, err := h.svc.RejectOffer(ctx, rideID, "A"); err != nil || out != OutcomeOffered {
		t.Fatalf("expected offered, got %s %v", out, err)
	}
	r := h.ride(t, rideID)
	if r.Dispatch.CurrentOfferedDriverID != "C" {
		t.Fatalf("expected C, got %+v", r.Dispatch)
	}
	if r.Dispatch.Contacted("B") {
		t.Fatal("dropped candidate must not count as contacted")
	}
	if d := h.driver(t, "B"); d.LockRideID != other {
		t.Fatalf("B's other lock must survive, got %+v", d)
	}
}

func TestTriggerGuards(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.addDriver(t, "A", north(100))
	h.addDriver(t, "B", north(200))
	rideID := h.createRide(t)
	h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated})
	before := h.ride(t, rideID)

	if _, err := h.svc.RejectOffer(ctx, rideID, "B"); !errors.Is(err, offer.ErrStaleOffer) {
		t.Fatalf("reject by non-offeree: expected ErrStaleOffer, got %v", err)
	}
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerExpired}); out != OutcomeNoop {
		t.Fatalf("expiry before deadline: expected noop, got %s", out)
	}
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated}); out != OutcomeNoop {
		t.Fatalf("duplicate created job: expected noop, got %s", out)
	}
	if after := h.ride(t, rideID); after.Version != before.Version {
		t.Fatal("guarded triggers must not write")
	}

	out, err := h.svc.TriggerCycle(ctx, rideID)
	if err != nil || out != OutcomeOffered {
		t.Fatalf("manual: expected offered, got %s %v", out, err)
	}
	if r := h.ride(t, rideID); r.Dispatch.CurrentOfferedDriverID != "B" {
		t.Fatalf("manual trigger should move on to B, got %+v", r.Dispatch)
	}
}

func TestCycleFailureRecordsLastError(t *testing.T) {
	h := newHarness(t, failingSource{})
	rideID := h.createRide(t)

	if _, err := h.orch.Run(context.Background(), jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated}); err == nil {
		t.Fatal("expected error")
	}
	r := h.ride(t, rideID)
	if r.Status != models.RideSearching || r.Dispatch.LastError != models.LastErrorTransactionFailed {
		t.Fatalf("unexpected ride %+v", r)
	}

	// a healthy index clears the diagnostic
	h.orch.index = geo.NewIndex(h.store, 0)
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerManual}); out != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", out)
	}
	if r := h.ride(t, rideID); r.Dispatch.LastError != "" {
		t.Fatalf("expected last error cleared, got %q", r.Dispatch.LastError)
	}
}

func TestCancelledRideIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.addDriver(t, "A", north(100))
	rideID := h.createRide(t)
	h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated})

	if _, err := h.svc.CancelRide(ctx, rideID); err != nil {
		t.Fatal(err)
	}
	if d := h.driver(t, "A"); d.Lock != models.LockAvailable {
		t.Fatalf("cancel should release A, got %+v", d)
	}
	if out := h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerManual}); out != OutcomeNoop {
		t.Fatalf("expected noop, got %s", out)
	}
}

func TestNoDriverContactedTwice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.addDriver(t, fmt.Sprintf("d%d", i), north(float64(100*(i+1))))
	}
	rideID := h.createRide(t)
	h.run(t, jobs.Job{RideID: rideID, Trigger: jobs.TriggerCreated})

	seen := map[string]bool{}
	for {
		r := h.ride(t, rideID)
		cur := r.Dispatch.CurrentOfferedDriverID
		if cur == "" {
			break
		}
		if seen[cur] {
			t.Fatalf("driver %s offered twice", cur)
		}
		seen[cur] = true
		if _, err := h.svc.RejectOffer(ctx, rideID, cur); err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct offers, got %v", seen)
	}
	if r := h.ride(t, rideID); r.Status != models.RideSearching || len(r.Dispatch.ContactedDrivers) != 5 {
		t.Fatalf("unexpected ride %+v", r)
	}
}

func TestConcurrentCyclesNeverDoubleBook(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Attempts = 200
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.addDriver(t, fmt.Sprintf("d%d", i), north(float64(100*(i+1))))
	}
	rides := make([]string, 6)
	for i := range rides {
		rides[i] = h.createRide(t)
	}

	var wg sync.WaitGroup
	for _, id := range rides {
		for k := 0; k < 3; k++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.orch.Run(ctx, jobs.Job{RideID: id, Trigger: jobs.TriggerManual}); err != nil {
					t.Errorf("cycle %s: %v", id, err)
				}
			}()
		}
	}
	wg.Wait()

	holders := map[string]string{}
	for _, id := range rides {
		r := h.ride(t, id)
		cur := r.Dispatch.CurrentOfferedDriverID
		if cur == "" {
			continue
		}
		if prev, ok := holders[cur]; ok {
			t.Fatalf("driver %s offered %s and %s", cur, prev, id)
		}
		holders[cur] = id
		if d := h.driver(t, cur); d.LockRideID != id || d.Lock != models.LockBusy {
			t.Fatalf("driver %s lock %+v does not match ride %s", cur, d, id)
		}
	}
	if len(holders) == 0 {
		t.Fatal("expected at least one outstanding offer")
	}
	for i := 0; i < 3; i++ {
		d := h.driver(t, fmt.Sprintf("d%d", i))
		if d.Lock == models.LockBusy && holders[d.ID] != d.LockRideID {
			t.Fatalf("driver %s busy for %s without a matching offer", d.ID, d.LockRideID)
		}
	}
}

func TestCreateRide(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	r, err := h.svc.CreateRide(ctx, models.RideRequest{RiderID: "u1", Origin: models.Coord{Lat: 48.85, Lon: 2.35}})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideSearching || r.Pickup.Geohash == "" || r.ID == "" {
		t.Fatalf("unexpected ride %+v", r)
	}
	if len(h.queue.jobs) != 1 || h.queue.jobs[0] != (jobs.Job{RideID: r.ID, Trigger: jobs.TriggerCreated}) {
		t.Fatalf("expected created job, got %+v", h.queue.jobs)
	}

	if _, err := h.svc.CreateRide(ctx, models.RideRequest{RiderID: "u1", Origin: models.Coord{Lat: 91}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	// a lost job still leaves a persisted ride for the sweeper
	h.queue.err = errors.New("broker down")
	r2, err := h.svc.CreateRide(ctx, models.RideRequest{RiderID: "u2", Origin: models.Coord{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.GetRide(ctx, r2.ID); err != nil {
		t.Fatal(err)
	}
}

type recIndex struct{ moves map[string]string }

func (r *recIndex) Upsert(ctx context.Context, driverID, geohash string) error {
	r.moves[driverID] = geohash
	return nil
}

func (r *recIndex) Forget(ctx context.Context, driverID string) error {
	delete(r.moves, driverID)
	return nil
}

type recPublisher struct{ updates []models.LocationUpdate }

func (r *recPublisher) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	r.updates = append(r.updates, u)
	return nil
}

func TestDriverLocationFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	idx := &recIndex{moves: map[string]string{}}
	h.svc.Index = idx

	at := models.Coord{Lat: 40.7128, Lon: -74.006}
	d, err := h.svc.UpsertDriver(ctx, DriverProfile{ID: "d1", Approved: true, Presence: models.PresenceOnline, Location: &at})
	if err != nil {
		t.Fatal(err)
	}
	want := geo.Encode(at, geo.DefaultPrecision)
	if d.Location == nil || d.Location.Geohash != want || idx.moves["d1"] != want {
		t.Fatalf("expected geohash %s, got %+v / %v", want, d.Location, idx.moves)
	}

	if _, err := h.svc.UpsertDriver(ctx, DriverProfile{ID: "d1", Presence: models.PresenceOnRide}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	// going offline leaves the index; coming back restores the last key
	if _, err := h.svc.UpsertDriver(ctx, DriverProfile{ID: "d1", Approved: true, Presence: models.PresenceOffline}); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.moves["d1"]; ok {
		t.Fatalf("offline driver still indexed: %v", idx.moves)
	}
	if _, err := h.svc.UpsertDriver(ctx, DriverProfile{ID: "d1", Approved: true, Presence: models.PresenceOnline}); err != nil {
		t.Fatal(err)
	}
	if idx.moves["d1"] != want {
		t.Fatalf("expected d1 back at %s, got %v", want, idx.moves)
	}

	pub := &recPublisher{}
	h.svc.Publisher = pub
	if err := h.svc.IngestLocation(ctx, models.LocationUpdate{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 1}}); err != nil {
		t.Fatal(err)
	}
	if len(pub.updates) != 1 || pub.updates[0].At.IsZero() {
		t.Fatalf("expected stamped publish, got %+v", pub.updates)
	}
	if got := h.driver(t, "d1"); got.Location.Geohash != want {
		t.Fatal("published ping must not be applied inline")
	}

	if err := h.svc.UpdateDriverLocation(ctx, models.LocationUpdate{DriverID: "ghost", Loc: at}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
