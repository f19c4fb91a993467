package domain

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusFundsLocked TaskStatus = "funds_locked"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryStatusPending        DeliveryStatus = "pending"
	DeliveryStatusProcessing     DeliveryStatus = "processing"
	DeliveryStatusSuccess        DeliveryStatus = "success"
	DeliveryStatusPartialSuccess DeliveryStatus = "partial_success"
	DeliveryStatusFailed         DeliveryStatus = "failed"
	DeliveryStatusTimeout        DeliveryStatus = "timeout"
)

// ExchangeTask is a delivery obligation. A row only ever comes into existence
// together with the debit that pays for it; from funds_locked it moves to a
// terminal Status exactly when DeliveryStatus reaches a terminal value.
type ExchangeTask struct {
	ID             uuid.UUID
	Username       string
	GiftType       string
	GiftName       string
	UnitCost       int64
	Quantity       int
	TotalCost      int64
	DeliveryRoom   *string
	IdempotencyKey string
	Status         TaskStatus
	DeliveryStatus DeliveryStatus
	FailureReason  *string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// InFlight reports whether the task still occupies the user's single
// delivery slot.
func (t *ExchangeTask) InFlight() bool {
	return t.DeliveryStatus == DeliveryStatusPending || t.DeliveryStatus == DeliveryStatusProcessing
}

func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryStatusSuccess, DeliveryStatusPartialSuccess, DeliveryStatusFailed, DeliveryStatusTimeout:
		return true
	}
	return false
}
