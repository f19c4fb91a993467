package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/events"
	"github.com/minimalgames/giftledger/internal/ledger"
	"github.com/minimalgames/giftledger/internal/logging"
)

const stuckSweepLimit = 20

// StuckTaskMonitor is the backstop for tasks no worker ever settled. Tasks
// that have sat non-terminal past the timeout get the full locked amount
// refunded and are closed as failed/timeout. Runs on a fixed ticker until
// the context is cancelled.
type StuckTaskMonitor struct {
	svc      *Service
	interval time.Duration
	timeout  time.Duration
}

func NewStuckTaskMonitor(svc *Service, interval, timeout time.Duration) *StuckTaskMonitor {
	return &StuckTaskMonitor{svc: svc, interval: interval, timeout: timeout}
}

func (m *StuckTaskMonitor) Start(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("stuck task monitor started", "interval", m.interval, "timeout", m.timeout)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stuck task monitor stopped")
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				log.Error("stuck task sweep failed", "error", err)
			}
		}
	}
}

// Sweep refunds one batch of timed-out tasks. Per-task failures are logged
// and skipped so one bad row cannot stall the rest of the batch; the next
// tick picks the row up again.
func (m *StuckTaskMonitor) Sweep(ctx context.Context) error {
	stuck, err := m.svc.tasks.SelectStuck(ctx, m.timeout, stuckSweepLimit)
	if err != nil {
		return fmt.Errorf("Sweep: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	log := logging.FromContext(ctx)
	log.Warn("stuck tasks found", "count", len(stuck))

	for _, task := range stuck {
		if err := m.refundOne(ctx, task); err != nil {
			log.Error("stuck task refund failed",
				"task_id", task.ID,
				"username", task.Username,
				"error", err,
			)
			continue
		}
		log.Info("stuck task refunded",
			"task_id", task.ID,
			"username", task.Username,
			"amount", task.TotalCost,
		)
	}
	return nil
}

func (m *StuckTaskMonitor) refundOne(ctx context.Context, stale domain.ExchangeTask) error {
	reason := "delivery timed out"
	var settled *domain.ExchangeTask

	err := m.svc.withTx(ctx, func(tx *sql.Tx) error {
		task, err := m.svc.tasks.GetForUpdate(ctx, tx, stale.ID)
		if err != nil {
			return err
		}
		// A worker may have settled the task between the select and this lock.
		if !task.InFlight() {
			return domain.ErrTaskResolved
		}

		description := fmt.Sprintf("timeout refund: %s x%d", task.GiftName, task.Quantity)
		if _, err := m.svc.ledger.AdjustTx(ctx, tx, ledger.AdjustParams{
			Username:    task.Username,
			Delta:       task.TotalCost,
			Operation:   domain.OpTimeoutRefund,
			Description: description,
			Metadata: map[string]any{
				"task_id":    task.ID,
				"stuck_for":  time.Since(task.CreatedAt).String(),
				"last_state": string(task.DeliveryStatus),
			},
		}); err != nil {
			return err
		}

		if err := m.svc.tasks.Finalize(ctx, tx, task.ID, domain.TaskStatusFailed, domain.DeliveryStatusTimeout, &reason); err != nil {
			return err
		}

		now := time.Now().UTC()
		task.Status = domain.TaskStatusFailed
		task.DeliveryStatus = domain.DeliveryStatusTimeout
		task.FailureReason = &reason
		task.ProcessedAt = &now
		settled = task
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrTaskResolved) {
			return nil
		}
		return err
	}

	if m.svc.backpack != nil {
		if err := m.svc.backpack.ReturnToAvailable(ctx, settled.ID, reason); err != nil {
			logging.FromContext(ctx).Error("backpack return failed", "task_id", settled.ID, "error", err)
		}
	}

	event := events.TaskEvent{
		TaskID:         settled.ID,
		Username:       settled.Username,
		GiftType:       settled.GiftType,
		Status:         string(settled.Status),
		DeliveryStatus: string(settled.DeliveryStatus),
		RefundAmount:   settled.TotalCost,
		Reason:         reason,
		OccurredAt:     time.Now().UTC(),
	}
	if err := m.svc.publisher.TaskResolved(ctx, event); err != nil {
		logging.FromContext(ctx).Error("task event publish failed", "task_id", settled.ID, "error", err)
	}
	return nil
}
