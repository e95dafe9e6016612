package jobs

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPQueue uses one durable RabbitMQ queue. Deliveries are acked after the
// handler returns, so a crashed worker's job is redelivered.
type AMQPQueue struct {
	conn    *amqp.Connection
	mu      sync.Mutex // guards pub; amqp channels are not goroutine-safe
	pub     *amqp.Channel
	queue   string
	workers int
	log     logrus.FieldLogger
}

func NewAMQPQueue(url, queue string, workers int, log logrus.FieldLogger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	if _, err := pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if workers <= 0 {
		workers = 1
	}
	return &AMQPQueue{conn: conn, pub: pub, queue: queue, workers: workers, log: log}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	b, err := encodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.RideID,
		Body:         b,
	})
}

func (q *AMQPQueue) Consume(ctx context.Context, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.workers, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", q.queue, err)
	}
	q.log.WithFields(logrus.Fields{"queue": q.queue, "workers": q.workers}).Info("dispatch job consumer started")

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					job, err := decodeJob(d.Body)
					if err != nil {
						q.log.WithError(err).Warn("dropping invalid dispatch job")
						_ = d.Nack(false, false)
						continue
					}
					run(ctx, q.log, "amqp", h, job)
					_ = d.Ack(false)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.pub.Close()
	return q.conn.Close()
}
