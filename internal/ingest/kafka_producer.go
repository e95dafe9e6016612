// Package ingest moves driver location pings through Kafka so the API can
// acknowledge them without touching the store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaProducer keys messages by driver so one driver's pings stay ordered
// within a partition.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish location for %s: %w", u.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a message written by PublishLocation.
func DecodeLocation(value []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, fmt.Errorf("%w: %v", models.ErrMalformed, err)
	}
	if err := u.Validate(); err != nil {
		return u, err
	}
	return u, nil
}
