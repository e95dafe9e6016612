package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

func TestWSRegistryDeliversOffer(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add("d1", conn)
		close(registered)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	<-registered

	if err := reg.NotifyOffer(context.Background(), models.OfferNotice{RideID: "r1", DriverID: "d1", DistanceM: 120}); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type   string `json:"type"`
		RideID string `json:"ride_id"`
	}
	if err := client.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "ride_offer" || got.RideID != "r1" {
		t.Fatalf("unexpected message %+v", got)
	}

	if err := reg.NotifyOffer(context.Background(), models.OfferNotice{DriverID: "d2"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

type recorder struct {
	err   error
	calls int
}

func (r *recorder) NotifyOffer(context.Context, models.OfferNotice) error {
	r.calls++
	return r.err
}

func TestFallback(t *testing.T) {
	primary := &recorder{err: ErrNoSession}
	secondary := &recorder{}
	f := &Fallback{Primary: primary, Secondary: secondary}
	if err := f.NotifyOffer(context.Background(), models.OfferNotice{}); err != nil {
		t.Fatal(err)
	}
	if secondary.calls != 1 {
		t.Fatalf("expected fallback call, got %d", secondary.calls)
	}

	primary.err = nil
	_ = f.NotifyOffer(context.Background(), models.OfferNotice{})
	if secondary.calls != 1 {
		t.Fatal("fallback must not run when primary succeeds")
	}
}

func TestWebhookPostsNotice(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "k").NotifyOffer(context.Background(), models.OfferNotice{RideID: "r1", DriverID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if body["ride_id"] != "r1" || body["driver_id"] != "d1" {
		t.Fatalf("unexpected body %v", body)
	}
}
