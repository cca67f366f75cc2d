// Package outbox drains order_outbox rows to a message bus.
package outbox

import (
	"context"
	"time"

	"github.com/richardliu001/order-service/internal/model"
	"github.com/richardliu001/order-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher delivers one outbox event downstream.
type Publisher interface {
	Publish(ctx context.Context, evt model.OutboxEvent) error
}

// KafkaPublisher sends events to a kafka topic keyed by order id, so all
// events of one order land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish sends to Kafka.
func (p *KafkaPublisher) Publish(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.OrderID),
		Value: []byte(evt.Payload),
		Time:  evt.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.ID)},
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "tenant_id", Value: []byte(evt.TenantID)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Relay polls unpublished events and marks them published after delivery.
// Delivery is at-least-once: a crash between publish and mark resends.
type Relay struct {
	repo      repo.RepositoryInterface
	publisher Publisher
	log       *zap.SugaredLogger
	interval  time.Duration
	batchSize int
	clock     func() time.Time
}

func NewRelay(r repo.RepositoryInterface, p Publisher, logger *zap.SugaredLogger, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:      r,
		publisher: p,
		log:       logger,
		interval:  interval,
		batchSize: batchSize,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Run processes batches until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil {
				r.log.Errorf("poll outbox: %v", err)
			}
		}
	}
}

// ProcessBatch publishes one batch and returns how many events were marked.
// Events that fail to publish stay pending for the next batch.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	events, err := r.repo.PollOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.publisher.Publish(ctx, evt); err != nil {
			r.log.Errorf("publish id=%s: %v", evt.ID, err)
			continue
		}
		if err := r.repo.MarkOutboxPublished(ctx, evt.ID, r.clock()); err != nil {
			r.log.Errorf("mark published id=%s: %v", evt.ID, err)
			continue
		}
		r.log.Infof("event %s (%s) sent", evt.ID, evt.EventType)
		sent++
	}
	return sent, nil
}
