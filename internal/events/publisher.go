package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// TaskEvent announces a delivery obligation reaching a terminal state.
// Consumers (notification fan-out, analytics) are strictly downstream: the
// ledger is already settled by the time an event is published.
type TaskEvent struct {
	TaskID         uuid.UUID `json:"task_id"`
	Username       string    `json:"username"`
	GiftType       string    `json:"gift_type"`
	Status         string    `json:"status"`
	DeliveryStatus string    `json:"delivery_status"`
	RefundAmount   int64     `json:"refund_amount"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Publisher interface {
	TaskResolved(ctx context.Context, event TaskEvent) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *KafkaPublisher) TaskResolved(ctx context.Context, event TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("TaskResolved: marshal: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Username),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("TaskResolved: write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) TaskResolved(context.Context, TaskEvent) error { return nil }
