package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/ledger"
	"github.com/minimalgames/giftledger/internal/logging"
)

const (
	compositeAttempts = 2
	compositeDelay    = 150 * time.Millisecond
)

type CreateRequest struct {
	Username string
	GiftType string
	// ClaimedCost is what the client believes the total costs. It is checked
	// against the catalog and never trusted.
	ClaimedCost int64
	Quantity    int
	// IdempotencyKey must come from the client. Minting one server-side
	// would re-charge on every network retry, which is the exact failure
	// the key exists to prevent.
	IdempotencyKey string
}

type CreateResult struct {
	TaskID         uuid.UUID
	Status         domain.TaskStatus
	DeliveryStatus domain.DeliveryStatus
	NewBalance     int64
	// Replayed is set when the idempotency key matched an existing task and
	// no new charge was made.
	Replayed bool
}

func (s *Service) validateCreate(req CreateRequest) (domain.GiftItem, error) {
	if req.Username == "" || req.IdempotencyKey == "" {
		return domain.GiftItem{}, domain.ErrInvalidRequest
	}
	if req.Quantity < minQuantity || req.Quantity > maxQuantity {
		return domain.GiftItem{}, domain.ErrInvalidQuantity
	}
	item, ok := s.catalog.Lookup(req.GiftType)
	if !ok {
		return domain.GiftItem{}, domain.ErrUnknownGift
	}
	if req.ClaimedCost != item.UnitCost*int64(req.Quantity) {
		return domain.GiftItem{}, domain.ErrPriceMismatch
	}
	return item, nil
}

// Create validates the purchase, then atomically debits the total cost and
// records the delivery obligation. The debit and the task row commit
// together or not at all.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	log := logging.FromContext(ctx)

	item, err := s.validateCreate(req)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	totalCost := item.UnitCost * int64(req.Quantity)

	var result *CreateResult
	var lastErr error
	for attempt := 1; attempt <= compositeAttempts; attempt++ {
		result, err = s.createOnce(ctx, req, item, totalCost)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrTransient) {
			return nil, fmt.Errorf("Create: %w", err)
		}
		lastErr = err
		if attempt < compositeAttempts {
			log.Warn("exchange create retry", "username", req.Username, "attempt", attempt, "error", err)
			select {
			case <-time.After(compositeDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("Create: %w", ctx.Err())
			}
		}
	}
	if result == nil {
		return nil, fmt.Errorf("Create: %w: %v", domain.ErrSystemBusy, lastErr)
	}

	if result.Replayed {
		log.Info("exchange replayed",
			"username", req.Username,
			"task_id", result.TaskID,
			"idempotency_key", req.IdempotencyKey,
		)
		return result, nil
	}

	log.Info("funds locked",
		"username", req.Username,
		"task_id", result.TaskID,
		"gift_type", req.GiftType,
		"quantity", req.Quantity,
		"total_cost", totalCost,
		"new_balance", result.NewBalance,
	)
	return result, nil
}

func (s *Service) createOnce(ctx context.Context, req CreateRequest, item domain.GiftItem, totalCost int64) (*CreateResult, error) {
	var result *CreateResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		locked, err := s.accounts.TryExchangeLock(ctx, tx, req.Username)
		if err != nil {
			return err
		}
		if !locked {
			return domain.ErrExchangeBusy
		}

		// Replays return the existing task's live state without charging.
		existing, err := s.tasks.GetByIdempotencyKey(ctx, tx, req.Username, req.IdempotencyKey)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil {
			account, err := s.accounts.GetByUsername(ctx, req.Username)
			if err != nil {
				return err
			}
			result = &CreateResult{
				TaskID:         existing.ID,
				Status:         existing.Status,
				DeliveryStatus: existing.DeliveryStatus,
				NewBalance:     account.Balance,
				Replayed:       true,
			}
			return nil
		}

		account, err := s.accounts.GetForUpdate(ctx, tx, req.Username)
		if err != nil {
			return err
		}
		if account.DeliveryRoom == nil || *account.DeliveryRoom == "" {
			return domain.ErrNoDeliveryRoom
		}

		inFlight, err := s.tasks.CountInFlight(ctx, tx, req.Username)
		if err != nil {
			return err
		}
		if inFlight > 0 {
			return domain.ErrAlreadyPending
		}

		taskID := uuid.New()
		res, err := s.ledger.AdjustTx(ctx, tx, ledger.AdjustParams{
			Username:    req.Username,
			Delta:       -totalCost,
			Operation:   domain.OpExchangeLock,
			Description: fmt.Sprintf("fund lock for %s x%d", item.Name, req.Quantity),
			Metadata: map[string]any{
				"task_id":   taskID,
				"gift_type": req.GiftType,
				"quantity":  req.Quantity,
			},
			RequireFunds: true,
		})
		if err != nil {
			return err
		}

		task := &domain.ExchangeTask{
			ID:             taskID,
			Username:       req.Username,
			GiftType:       req.GiftType,
			GiftName:       item.Name,
			UnitCost:       item.UnitCost,
			Quantity:       req.Quantity,
			TotalCost:      totalCost,
			DeliveryRoom:   account.DeliveryRoom,
			IdempotencyKey: req.IdempotencyKey,
			Status:         domain.TaskStatusFundsLocked,
			DeliveryStatus: domain.DeliveryStatusPending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.tasks.Insert(ctx, tx, task); err != nil {
			return err
		}

		result = &CreateResult{
			TaskID:         task.ID,
			Status:         task.Status,
			DeliveryStatus: task.DeliveryStatus,
			NewBalance:     res.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
