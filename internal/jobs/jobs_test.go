package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"created", Job{RideID: "r1", Trigger: TriggerCreated}, true},
		{"manual", Job{RideID: "r1", Trigger: TriggerManual}, true},
		{"rejected with driver", Job{RideID: "r1", Trigger: TriggerRejected, DriverID: "d1"}, true},
		{"rejected without driver", Job{RideID: "r1", Trigger: TriggerRejected}, false},
		{"no ride", Job{Trigger: TriggerExpired}, false},
		{"unknown trigger", Job{RideID: "r1", Trigger: "later"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("expected ErrInvalidJob, got %v", err)
			}
		})
	}
}

func TestDecodeJob(t *testing.T) {
	j, err := decodeJob([]byte(`{"ride_id":"r1","trigger":"expired"}`))
	if err != nil {
		t.Fatal(err)
	}
	if j.RideID != "r1" || j.Trigger != TriggerExpired {
		t.Fatalf("unexpected job %+v", j)
	}
	if _, err := decodeJob([]byte(`{`)); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool(3, 16, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	const n = 10
	wg.Add(n)
	done := make(chan struct{})
	go func() {
		_ = p.Consume(ctx, func(ctx context.Context, job Job) error {
			mu.Lock()
			seen[job.RideID]++
			mu.Unlock()
			wg.Done()
			if job.RideID == "r0" {
				return errors.New("handler errors are absorbed")
			}
			return nil
		})
		close(done)
	}()

	for i := 0; i < n; i++ {
		id := "r" + string(rune('0'+i))
		if err := p.Enqueue(ctx, Job{RideID: id, Trigger: TriggerCreated}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct jobs, got %v", n, seen)
	}

	_ = p.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Close")
	}
	if err := p.Enqueue(ctx, Job{RideID: "late", Trigger: TriggerCreated}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPoolRejectsInvalidJob(t *testing.T) {
	p := NewPool(1, 1, quietLogger())
	if err := p.Enqueue(context.Background(), Job{Trigger: TriggerCreated}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}
