// Package jobs carries "run one dispatch cycle" requests from the API and the
// sweeper to the workers that execute them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Trigger says why a cycle runs; the orchestrator guards each kind differently.
type Trigger string

const (
	TriggerCreated  Trigger = "created"
	TriggerRejected Trigger = "rejected"
	TriggerExpired  Trigger = "expired"
	TriggerManual   Trigger = "manual"
)

var (
	ErrClosed     = errors.New("queue closed")
	ErrInvalidJob = errors.New("invalid job")
)

type Job struct {
	RideID   string  `json:"ride_id" validate:"required"`
	Trigger  Trigger `json:"trigger" validate:"oneof=created rejected expired manual"`
	DriverID string  `json:"driver_id,omitempty" validate:"required_if=Trigger rejected"`
}

var validate = validator.New()

func (j Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

// Handler runs one job. Errors are logged by the queue and not redelivered;
// the sweeper picks up rides whose cycle never completed.
type Handler func(ctx context.Context, job Job) error

// Queue is the fire-and-forget hand-off between request paths and workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume runs h for every job until ctx is done or the queue is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

func encodeJob(j Job) ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

func decodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return j, j.Validate()
}
