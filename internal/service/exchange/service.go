// Package exchange implements the gift exchange flow: fund-locked purchase,
// pull-based delivery queue, reconciliation of worker reports and the
// stuck-task safety nets.
package exchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/events"
	"github.com/minimalgames/giftledger/internal/inventory"
	"github.com/minimalgames/giftledger/internal/ledger"
	"github.com/minimalgames/giftledger/internal/repository"
)

const (
	minQuantity = 1
	maxQuantity = 100
)

type accountRepo interface {
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, username string) (*domain.Account, error)
	TryExchangeLock(ctx context.Context, tx *sql.Tx, username string) (bool, error)
}

type taskRepo interface {
	Insert(ctx context.Context, tx *sql.Tx, task *domain.ExchangeTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ExchangeTask, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.ExchangeTask, error)
	GetByIdempotencyKey(ctx context.Context, tx *sql.Tx, username, key string) (*domain.ExchangeTask, error)
	CountInFlight(ctx context.Context, tx *sql.Tx, username string) (int, error)
	LeaseNext(ctx context.Context, maxBatch int) ([]domain.ExchangeTask, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	Finalize(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TaskStatus, delivery domain.DeliveryStatus, failureReason *string) error
	SelectStuck(ctx context.Context, olderThan time.Duration, limit int) ([]domain.ExchangeTask, error)
	ResetStuck(ctx context.Context, grace time.Duration) ([]domain.ExchangeTask, error)
	ListByUsername(ctx context.Context, username string, limit, offset int) ([]domain.ExchangeTask, int, error)
}

type balanceLogRepo interface {
	ListByUsername(ctx context.Context, username string, limit, offset int) ([]domain.BalanceEntry, int, error)
}

// Backpack is the earned-reward inventory collaborator. The reconciler tells
// it what happened to the item a task was delivering, and binds the next
// batch item to its follow-up task.
type Backpack interface {
	MarkSent(ctx context.Context, taskID uuid.UUID) error
	ReturnToAvailable(ctx context.Context, taskID uuid.UUID, reason string) error
	NextInBatch(ctx context.Context, taskID uuid.UUID) (*inventory.Item, error)
	Attach(ctx context.Context, itemID, taskID uuid.UUID) error
}

// EnqueueSendFunc hands the next batch item to whatever schedules inventory
// sends. Injected so the exchange core stays ignorant of that machinery.
type EnqueueSendFunc func(ctx context.Context, item *inventory.Item) error

type Service struct {
	db        *sql.DB
	ledger    *ledger.Ledger
	accounts  accountRepo
	tasks     taskRepo
	logs      balanceLogRepo
	catalog   *domain.GiftCatalog
	backpack  Backpack
	enqueue   EnqueueSendFunc
	publisher events.Publisher

	leaseBatch int
}

func NewService(
	db *sql.DB,
	ldg *ledger.Ledger,
	accounts accountRepo,
	tasks taskRepo,
	logs balanceLogRepo,
	catalog *domain.GiftCatalog,
	backpack Backpack,
	enqueue EnqueueSendFunc,
	publisher events.Publisher,
	leaseBatch int,
) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if leaseBatch <= 0 {
		leaseBatch = 10
	}
	s := &Service{
		db:         db,
		ledger:     ldg,
		accounts:   accounts,
		tasks:      tasks,
		logs:       logs,
		catalog:    catalog,
		backpack:   backpack,
		enqueue:    enqueue,
		publisher:  publisher,
		leaseBatch: leaseBatch,
	}
	if s.enqueue == nil {
		s.enqueue = s.enqueueBatchItem
	}
	return s
}

// enqueueBatchItem is the default send scheduler: the next item of a blind-box
// batch gets a zero-cost follow-up task on the same worker queue, and the item
// is bound to it. The funds were locked when the batch was bought, so no money
// moves here. The item id doubles as the idempotency key, so a crashed
// reconciler retrying the chain cannot open the task twice.
func (s *Service) enqueueBatchItem(ctx context.Context, item *inventory.Item) error {
	account, err := s.accounts.GetByUsername(ctx, item.Username)
	if err != nil {
		return fmt.Errorf("enqueueBatchItem: %w", err)
	}
	if account.DeliveryRoom == nil || *account.DeliveryRoom == "" {
		return domain.ErrNoDeliveryRoom
	}

	giftName := item.GiftType
	if gift, ok := s.catalog.Lookup(item.GiftType); ok {
		giftName = gift.Name
	}

	task := &domain.ExchangeTask{
		ID:             uuid.New(),
		Username:       item.Username,
		GiftType:       item.GiftType,
		GiftName:       giftName,
		UnitCost:       0,
		Quantity:       1,
		TotalCost:      0,
		DeliveryRoom:   account.DeliveryRoom,
		IdempotencyKey: "batch-item:" + item.ID.String(),
		Status:         domain.TaskStatusFundsLocked,
		DeliveryStatus: domain.DeliveryStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.tasks.Insert(ctx, tx, task)
	}); err != nil {
		return fmt.Errorf("enqueueBatchItem: %w", err)
	}
	if err := s.backpack.Attach(ctx, item.ID, task.ID); err != nil {
		return fmt.Errorf("enqueueBatchItem: %w", err)
	}
	return nil
}

// BalanceHistory exposes the audit trail for an account, newest first.
func (s *Service) BalanceHistory(ctx context.Context, username string, limit, offset int) ([]domain.BalanceEntry, int, error) {
	return s.logs.ListByUsername(ctx, username, limit, offset)
}

// TaskHistory lists a user's exchange tasks, newest first.
func (s *Service) TaskHistory(ctx context.Context, username string, limit, offset int) ([]domain.ExchangeTask, int, error) {
	return s.tasks.ListByUsername(ctx, username, limit, offset)
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return repository.WithTx(ctx, s.db, fn)
}

// Task fetches one task by id. Ownership is the caller's concern.
func (s *Service) Task(ctx context.Context, id uuid.UUID) (*domain.ExchangeTask, error) {
	return s.tasks.GetByID(ctx, id)
}

func (s *Service) Balance(ctx context.Context, username string) (int64, error) {
	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}
