package jobs

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaQueue publishes jobs keyed by ride ID, so all cycles of one ride land
// on the same partition and run in order.
type KafkaQueue struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	group   string
	log     logrus.FieldLogger
}

func NewKafkaQueue(brokers []string, topic, group string, log logrus.FieldLogger) *KafkaQueue {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaQueue{writer: w, brokers: brokers, topic: topic, group: group, log: log}
}

func (k *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	b, err := encodeJob(job)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.RideID), Value: b})
}

func (k *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: k.brokers, Topic: k.topic, GroupID: k.group, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	k.log.WithFields(logrus.Fields{"topic": k.topic, "group": k.group}).Info("dispatch job consumer started")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.WithError(err).Warnf("kafka fetch error; backing off %s", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if job, err := decodeJob(m.Value); err != nil {
			k.log.WithError(err).Warn("dropping invalid dispatch job")
		} else {
			run(ctx, k.log, "kafka", h, job)
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.log.WithError(err).Warn("kafka commit failed")
		}
	}
}

func (k *KafkaQueue) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
