package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/events"
	"github.com/minimalgames/giftledger/internal/ledger"
	"github.com/minimalgames/giftledger/internal/logging"
)

// CompletionReport is what the worker sends back after a successful or
// partially successful delivery. ActualQuantity may be lower than the task's
// quantity when the external side delivered fewer units than asked.
type CompletionReport struct {
	ActualQuantity int
	DeliveryID     string
}

// FailureReport carries the worker's reason for a failed delivery. When the
// delivery partially landed before failing, PartialSuccess plus an actual
// quantity shrink the refund to the undelivered remainder; the user keeps
// paying for what arrived.
type FailureReport struct {
	Reason         string
	ActualQuantity *int
	PartialSuccess bool
}

// Complete settles a task the worker reports as delivered. Full delivery
// keeps the whole locked amount; short delivery refunds the undelivered
// portion, prorated from the unit cost. An audit entry is written either
// way so the trail shows the settlement even when no money moves.
//
// Calling Complete on an already-terminal task returns the task unchanged.
func (s *Service) Complete(ctx context.Context, taskID uuid.UUID, report CompletionReport) (*domain.ExchangeTask, error) {
	if report.ActualQuantity < 0 {
		return nil, fmt.Errorf("Complete: %w: negative actual quantity", domain.ErrInvalidRequest)
	}

	var (
		settled *domain.ExchangeTask
		refund  int64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := s.tasks.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.DeliveryStatus.Terminal() {
			settled = task
			return nil
		}

		actual := report.ActualQuantity
		if actual > task.Quantity {
			actual = task.Quantity
		}

		delivery := domain.DeliveryStatusSuccess
		if actual < task.Quantity {
			delivery = domain.DeliveryStatusPartialSuccess
		}

		refund = refundForShortfall(task.UnitCost, task.Quantity, actual, task.TotalCost)
		operation := domain.OpDeliveryConfirm
		description := fmt.Sprintf("delivery confirmed: %s x%d", task.GiftName, actual)
		if refund > 0 {
			operation = domain.OpDeliveryRefund
			description = fmt.Sprintf("partial delivery refund: %s delivered %d of %d", task.GiftName, actual, task.Quantity)
		}

		if _, err := s.ledger.AdjustTx(ctx, tx, ledgerParams(task, operation, refund, description, map[string]any{
			"task_id":         task.ID,
			"actual_quantity": actual,
			"delivery_id":     report.DeliveryID,
		})); err != nil {
			return err
		}

		if err := s.tasks.Finalize(ctx, tx, task.ID, domain.TaskStatusCompleted, delivery, nil); err != nil {
			return err
		}

		now := time.Now().UTC()
		task.Status = domain.TaskStatusCompleted
		task.DeliveryStatus = delivery
		task.ProcessedAt = &now
		settled = task
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrTaskResolved) {
			// Lost the race to another settlement; report the winner's state.
			task, getErr := s.tasks.GetByID(ctx, taskID)
			if getErr != nil {
				return nil, fmt.Errorf("Complete: %w", getErr)
			}
			return task, nil
		}
		return nil, fmt.Errorf("Complete: %w", err)
	}

	s.afterSettle(ctx, settled, refund, "")
	return settled, nil
}

// Fail settles a task the worker could not deliver. The full locked amount
// goes back to the user and the failure reason lands on the task row.
//
// Calling Fail on an already-terminal task returns the task unchanged.
func (s *Service) Fail(ctx context.Context, taskID uuid.UUID, report FailureReport) (*domain.ExchangeTask, error) {
	reason := report.Reason
	if reason == "" {
		reason = "delivery failed"
	}

	var (
		settled *domain.ExchangeTask
		refund  int64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := s.tasks.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.DeliveryStatus.Terminal() {
			settled = task
			return nil
		}

		refund = task.TotalCost
		delivered := 0
		if report.PartialSuccess && report.ActualQuantity != nil && *report.ActualQuantity > 0 {
			delivered = *report.ActualQuantity
			if delivered > task.Quantity {
				delivered = task.Quantity
			}
			refund = refundForShortfall(task.UnitCost, task.Quantity, delivered, task.TotalCost)
		}
		description := fmt.Sprintf("delivery failure refund: %s x%d", task.GiftName, task.Quantity)
		if delivered > 0 {
			description = fmt.Sprintf("delivery failure refund: %s, %d of %d delivered", task.GiftName, delivered, task.Quantity)
		}
		if _, err := s.ledger.AdjustTx(ctx, tx, ledgerParams(task, domain.OpFailureRefund, refund, description, map[string]any{
			"task_id":         task.ID,
			"reason":          reason,
			"actual_quantity": delivered,
		})); err != nil {
			return err
		}

		if err := s.tasks.Finalize(ctx, tx, task.ID, domain.TaskStatusFailed, domain.DeliveryStatusFailed, &reason); err != nil {
			return err
		}

		now := time.Now().UTC()
		task.Status = domain.TaskStatusFailed
		task.DeliveryStatus = domain.DeliveryStatusFailed
		task.FailureReason = &reason
		task.ProcessedAt = &now
		settled = task
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrTaskResolved) {
			task, getErr := s.tasks.GetByID(ctx, taskID)
			if getErr != nil {
				return nil, fmt.Errorf("Fail: %w", getErr)
			}
			return task, nil
		}
		return nil, fmt.Errorf("Fail: %w", err)
	}

	s.afterSettle(ctx, settled, refund, reason)
	return settled, nil
}

// refundForShortfall prorates the undelivered portion from the unit cost.
// Decimal arithmetic keeps the kept amount exactly unitCost*actual rounded
// to whole currency units, so refund+kept always equals totalCost.
func refundForShortfall(unitCost int64, quantity, actual int, totalCost int64) int64 {
	if actual >= quantity {
		return 0
	}
	kept := decimal.NewFromInt(unitCost).
		Mul(decimal.NewFromInt(int64(actual))).
		Round(0)
	refund := decimal.NewFromInt(totalCost).Sub(kept)
	if refund.IsNegative() {
		return 0
	}
	return refund.IntPart()
}

func ledgerParams(task *domain.ExchangeTask, op domain.OperationKind, refund int64, description string, metadata map[string]any) ledger.AdjustParams {
	return ledger.AdjustParams{
		Username:    task.Username,
		Delta:       refund,
		Operation:   op,
		Description: description,
		Metadata:    metadata,
	}
}

// afterSettle runs the side effects that must not hold the settlement
// transaction open: backpack bookkeeping, batch chaining and the lifecycle
// event. Failures here are logged, never surfaced; the money is already
// settled.
func (s *Service) afterSettle(ctx context.Context, task *domain.ExchangeTask, refund int64, reason string) {
	log := logging.FromContext(ctx)

	if s.backpack != nil {
		if task.DeliveryStatus == domain.DeliveryStatusSuccess || task.DeliveryStatus == domain.DeliveryStatusPartialSuccess {
			if err := s.backpack.MarkSent(ctx, task.ID); err != nil {
				log.Error("backpack mark sent failed", "task_id", task.ID, "error", err)
			}
		} else {
			if err := s.backpack.ReturnToAvailable(ctx, task.ID, reason); err != nil {
				log.Error("backpack return failed", "task_id", task.ID, "error", err)
			}
		}

		if s.enqueue != nil {
			next, err := s.backpack.NextInBatch(ctx, task.ID)
			if err != nil {
				log.Error("next batch item lookup failed", "task_id", task.ID, "error", err)
			} else if next != nil {
				if err := s.enqueue(ctx, next); err != nil {
					log.Error("enqueue next batch item failed", "task_id", task.ID, "item_id", next.ID, "error", err)
				}
			}
		}
	}

	event := events.TaskEvent{
		TaskID:         task.ID,
		Username:       task.Username,
		GiftType:       task.GiftType,
		Status:         string(task.Status),
		DeliveryStatus: string(task.DeliveryStatus),
		RefundAmount:   refund,
		Reason:         reason,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.publisher.TaskResolved(ctx, event); err != nil {
		log.Error("task event publish failed", "task_id", task.ID, "error", err)
	}
}
