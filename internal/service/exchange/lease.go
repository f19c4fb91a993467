package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minimalgames/giftledger/internal/logging"
)

// LeasedTask is the shape handed to the delivery worker: everything it needs
// to perform the external send, nothing it does not.
type LeasedTask struct {
	ID        uuid.UUID
	GiftID    string
	RoomID    string
	Username  string
	GiftName  string
	Quantity  int
	CreatedAt time.Time
}

// Lease atomically claims up to maxBatch pending tasks for the worker,
// oldest first. Claimed tasks are already flipped to processing when this
// returns; a crashed worker gets them back through ResetStuck or, at the
// long end, the monitor's refund.
func (s *Service) Lease(ctx context.Context, maxBatch int) ([]LeasedTask, error) {
	if maxBatch <= 0 || maxBatch > s.leaseBatch {
		maxBatch = s.leaseBatch
	}

	tasks, err := s.tasks.LeaseNext(ctx, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("Lease: %w", err)
	}

	leased := make([]LeasedTask, 0, len(tasks))
	for _, t := range tasks {
		giftID := t.GiftType
		if item, ok := s.catalog.Lookup(t.GiftType); ok {
			giftID = item.ExternalID
		}
		room := ""
		if t.DeliveryRoom != nil {
			room = *t.DeliveryRoom
		}
		leased = append(leased, LeasedTask{
			ID:        t.ID,
			GiftID:    giftID,
			RoomID:    room,
			Username:  t.Username,
			GiftName:  t.GiftName,
			Quantity:  t.Quantity,
			CreatedAt: t.CreatedAt,
		})
	}

	if len(leased) > 0 {
		logging.FromContext(ctx).Info("tasks leased", "count", len(leased))
	}
	return leased, nil
}

// Start marks a task processing. Redundant with the lease's own flip; kept
// as an idempotent safeguard for workers that call it anyway.
func (s *Service) Start(ctx context.Context, taskID uuid.UUID) (bool, error) {
	flipped, err := s.tasks.MarkProcessing(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("Start: %w", err)
	}
	return flipped, nil
}

// ResetStuck requeues tasks stuck in processing beyond the grace window back
// to pending. The cheap "worker restarted" path: no money moves.
func (s *Service) ResetStuck(ctx context.Context, grace time.Duration) ([]LeasedTask, error) {
	tasks, err := s.tasks.ResetStuck(ctx, grace)
	if err != nil {
		return nil, fmt.Errorf("ResetStuck: %w", err)
	}

	log := logging.FromContext(ctx)
	reset := make([]LeasedTask, 0, len(tasks))
	for _, t := range tasks {
		log.Info("stuck task requeued", "task_id", t.ID, "username", t.Username, "gift_name", t.GiftName)
		room := ""
		if t.DeliveryRoom != nil {
			room = *t.DeliveryRoom
		}
		reset = append(reset, LeasedTask{
			ID:        t.ID,
			GiftID:    t.GiftType,
			RoomID:    room,
			Username:  t.Username,
			GiftName:  t.GiftName,
			Quantity:  t.Quantity,
			CreatedAt: t.CreatedAt,
		})
	}
	return reset, nil
}
