package exchange_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/inventory"
	"github.com/minimalgames/giftledger/internal/ledger"
	"github.com/minimalgames/giftledger/internal/repository"
	"github.com/minimalgames/giftledger/internal/service/exchange"
	"github.com/minimalgames/giftledger/internal/testutil"
)

// Test catalog: one item at 50, the cheap one at 1.
func testCatalog() *domain.GiftCatalog {
	return domain.NewGiftCatalog([]domain.GiftItem{
		{Code: "heartbox", Name: "Heart Box", UnitCost: 50, ExternalID: "32251"},
		{Code: "fanlight", Name: "Fan Light", UnitCost: 1, ExternalID: "31164"},
	})
}

func setupExchangeService(t *testing.T, db *sql.DB) *exchange.Service {
	t.Helper()
	accounts := repository.NewAccountRepository(db)
	tasks := repository.NewTaskRepository(db)
	logs := repository.NewBalanceLogRepository(db)
	ldg := ledger.New(db, accounts, logs)
	return exchange.NewService(db, ldg, accounts, tasks, logs, testCatalog(), nil, nil, nil, 10)
}

func TestCreate_LocksFundsAndQueuesTask(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "alice", 1000, "room-1")

	res, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "alice",
		GiftType:       "heartbox",
		ClaimedCost:    150,
		Quantity:       3,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFundsLocked, res.Status)
	assert.Equal(t, domain.DeliveryStatusPending, res.DeliveryStatus)
	assert.Equal(t, int64(850), res.NewBalance)
	assert.False(t, res.Replayed)

	assert.Equal(t, int64(850), testutil.GetAccountBalance(t, db, "alice"))

	status, delivery := testutil.GetTaskStatus(t, db, res.TaskID)
	assert.Equal(t, "funds_locked", status)
	assert.Equal(t, "pending", delivery)
	assert.Equal(t, 1, testutil.CountBalanceLogs(t, db, "alice"))
}

func TestCreate_InsufficientFundsLeavesNothing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "bob", 100, "room-1")

	_, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "bob",
		GiftType:       "heartbox",
		ClaimedCost:    150,
		Quantity:       3,
		IdempotencyKey: uuid.NewString(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, int64(100), testutil.GetAccountBalance(t, db, "bob"))
	assert.Equal(t, 0, testutil.CountBalanceLogs(t, db, "bob"))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM gift_exchanges WHERE username = 'bob'`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestCreate_NoDeliveryRoomRejected(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "roomless", 1000, "")

	_, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "roomless",
		GiftType:       "heartbox",
		ClaimedCost:    50,
		Quantity:       1,
		IdempotencyKey: uuid.NewString(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoDeliveryRoom)
	assert.Equal(t, int64(1000), testutil.GetAccountBalance(t, db, "roomless"))
}

func TestCreate_SecondExchangeWhileInFlightRejected(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "carol", 1000, "room-1")

	_, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "carol",
		GiftType:       "heartbox",
		ClaimedCost:    50,
		Quantity:       1,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, exchange.CreateRequest{
		Username:       "carol",
		GiftType:       "fanlight",
		ClaimedCost:    1,
		Quantity:       1,
		IdempotencyKey: uuid.NewString(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)
	assert.Equal(t, int64(950), testutil.GetAccountBalance(t, db, "carol"))
}

func TestCreate_DuplicateIdempotencyKeyReplays(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "dave", 1000, "room-1")
	key := uuid.NewString()

	first, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "dave",
		GiftType:       "heartbox",
		ClaimedCost:    150,
		Quantity:       3,
		IdempotencyKey: key,
	})
	require.NoError(t, err)

	second, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "dave",
		GiftType:       "heartbox",
		ClaimedCost:    150,
		Quantity:       3,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TaskID, second.TaskID)

	// Charged exactly once.
	assert.Equal(t, int64(850), testutil.GetAccountBalance(t, db, "dave"))
	assert.Equal(t, 1, testutil.CountBalanceLogs(t, db, "dave"))
}

func TestLease_ClaimsOldestFirstAndFlipsToProcessing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "erin", 1000, "room-7")

	res, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       "erin",
		GiftType:       "heartbox",
		ClaimedCost:    50,
		Quantity:       1,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, res.TaskID, leased[0].ID)
	assert.Equal(t, "32251", leased[0].GiftID)
	assert.Equal(t, "room-7", leased[0].RoomID)

	_, delivery := testutil.GetTaskStatus(t, db, res.TaskID)
	assert.Equal(t, "processing", delivery)

	// Already claimed; a second poll gets nothing.
	leased, err = svc.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestComplete_FullDeliveryKeepsCharge(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "frank", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "frank", "heartbox", 150, 3)

	task, err := svc.Complete(ctx, res.TaskID, exchange.CompletionReport{ActualQuantity: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, domain.DeliveryStatusSuccess, task.DeliveryStatus)

	assert.Equal(t, int64(850), testutil.GetAccountBalance(t, db, "frank"))
	// Lock entry plus the zero-delta confirmation entry.
	assert.Equal(t, 2, testutil.CountBalanceLogs(t, db, "frank"))
}

func TestComplete_PartialDeliveryRefundsShortfall(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "grace", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "grace", "heartbox", 150, 3)

	task, err := svc.Complete(ctx, res.TaskID, exchange.CompletionReport{ActualQuantity: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, domain.DeliveryStatusPartialSuccess, task.DeliveryStatus)

	// Locked 150, delivered 1 of 3, so 100 comes back.
	assert.Equal(t, int64(950), testutil.GetAccountBalance(t, db, "grace"))
}

func TestFail_RefundsEverything(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "heidi", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "heidi", "heartbox", 150, 3)

	task, err := svc.Fail(ctx, res.TaskID, exchange.FailureReport{Reason: "room unreachable"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.DeliveryStatusFailed, task.DeliveryStatus)
	require.NotNil(t, task.FailureReason)
	assert.Equal(t, "room unreachable", *task.FailureReason)

	assert.Equal(t, int64(1000), testutil.GetAccountBalance(t, db, "heidi"))
}

func TestFail_PartialDeliveryRefundsOnlyShortfall(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "nadia", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "nadia", "heartbox", 150, 3)

	// One of three landed before the room went away: the user keeps paying
	// 50 for it and gets the remaining 100 back.
	one := 1
	task, err := svc.Fail(ctx, res.TaskID, exchange.FailureReport{
		Reason:         "room closed mid-delivery",
		ActualQuantity: &one,
		PartialSuccess: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.DeliveryStatusFailed, task.DeliveryStatus)

	assert.Equal(t, int64(950), testutil.GetAccountBalance(t, db, "nadia"))

	status, deliveryStatus := testutil.GetTaskStatus(t, db, res.TaskID)
	assert.Equal(t, "failed", status)
	assert.Equal(t, "failed", deliveryStatus)
}

func TestComplete_ChainsNextBatchItem(t *testing.T) {
	db := testutil.SetupTestDB(t)
	accounts := repository.NewAccountRepository(db)
	tasks := repository.NewTaskRepository(db)
	logs := repository.NewBalanceLogRepository(db)
	ldg := ledger.New(db, accounts, logs)
	backpack := inventory.NewRepository(db)
	svc := exchange.NewService(db, ldg, accounts, tasks, logs, testCatalog(), backpack, nil, nil, 10)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "olga", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "olga", "heartbox", 150, 3)

	// A two-item blind-box batch: the first item rides the task in flight,
	// the second waits in the backpack.
	batchID := uuid.New()
	_, err := db.ExecContext(ctx,
		`INSERT INTO wish_inventory (username, gift_type, source_type, source_batch_id, batch_order, status, exchange_task_id)
		VALUES ($1, 'heartbox', 'blindbox', $2, 1, 'sending', $3),
		       ($1, 'heartbox', 'blindbox', $2, 2, 'stored', NULL)`,
		"olga", batchID, res.TaskID,
	)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, res.TaskID, exchange.CompletionReport{ActualQuantity: 3})
	require.NoError(t, err)

	var firstStatus string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status FROM wish_inventory WHERE exchange_task_id = $1 AND batch_order = 1`, res.TaskID,
	).Scan(&firstStatus))
	assert.Equal(t, "sent", firstStatus)

	var secondStatus string
	var nextTaskID uuid.NullUUID
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status, exchange_task_id FROM wish_inventory WHERE username = $1 AND batch_order = 2`, "olga",
	).Scan(&secondStatus, &nextTaskID))
	assert.Equal(t, "sending", secondStatus)
	require.True(t, nextTaskID.Valid)
	assert.NotEqual(t, res.TaskID, nextTaskID.UUID)

	followStatus, followDelivery := testutil.GetTaskStatus(t, db, nextTaskID.UUID)
	assert.Equal(t, "funds_locked", followStatus)
	assert.Equal(t, "pending", followDelivery)

	// The follow-up task is free; the batch was paid for up front. Only the
	// first task's 150 ever left the account.
	assert.Equal(t, int64(850), testutil.GetAccountBalance(t, db, "olga"))
}

func TestComplete_DuplicateReportIsIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "ivan", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "ivan", "heartbox", 150, 3)

	_, err := svc.Complete(ctx, res.TaskID, exchange.CompletionReport{ActualQuantity: 3})
	require.NoError(t, err)

	// A duplicate report, even a contradictory one, moves no money.
	task, err := svc.Fail(ctx, res.TaskID, exchange.FailureReport{Reason: "late duplicate"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, domain.DeliveryStatusSuccess, task.DeliveryStatus)

	assert.Equal(t, int64(850), testutil.GetAccountBalance(t, db, "ivan"))
}

func TestStuckTaskMonitor_RefundsTimedOutTask(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "judy", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "judy", "heartbox", 150, 3)

	testutil.BackdateTask(t, db, res.TaskID, 31*time.Minute)

	monitor := exchange.NewStuckTaskMonitor(svc, time.Minute, 30*time.Minute)
	require.NoError(t, monitor.Sweep(ctx))

	status, delivery := testutil.GetTaskStatus(t, db, res.TaskID)
	assert.Equal(t, "failed", status)
	assert.Equal(t, "timeout", delivery)
	assert.Equal(t, int64(1000), testutil.GetAccountBalance(t, db, "judy"))
}

func TestStuckTaskMonitor_LeavesFreshTasksAlone(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "kate", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "kate", "heartbox", 150, 3)

	monitor := exchange.NewStuckTaskMonitor(svc, time.Minute, 30*time.Minute)
	require.NoError(t, monitor.Sweep(ctx))

	status, delivery := testutil.GetTaskStatus(t, db, res.TaskID)
	assert.Equal(t, "funds_locked", status)
	assert.Equal(t, "processing", delivery)
	assert.Equal(t, int64(850), testutil.GetAccountBalance(t, db, "kate"))
}

func TestResetStuck_RequeuesAbandonedProcessing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "leo", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "leo", "heartbox", 50, 1)

	// Push the lease timestamp past the grace window.
	_, err := db.Exec(
		`UPDATE gift_exchanges SET processed_at = now() - interval '6 minutes' WHERE id = $1`,
		res.TaskID,
	)
	require.NoError(t, err)

	reset, err := svc.ResetStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, res.TaskID, reset[0].ID)

	_, delivery := testutil.GetTaskStatus(t, db, res.TaskID)
	assert.Equal(t, "pending", delivery)
	// No money moved on a requeue.
	assert.Equal(t, int64(950), testutil.GetAccountBalance(t, db, "leo"))
}

func TestCreate_AfterResolutionNextExchangeAllowed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupExchangeService(t, db)
	ctx := context.Background()

	testutil.SeedAccount(t, db, "mia", 1000, "room-1")
	res := createAndLease(t, ctx, svc, "mia", "heartbox", 50, 1)

	_, err := svc.Complete(ctx, res.TaskID, exchange.CompletionReport{ActualQuantity: 1})
	require.NoError(t, err)

	_, err = svc.Create(ctx, exchange.CreateRequest{
		Username:       "mia",
		GiftType:       "fanlight",
		ClaimedCost:    1,
		Quantity:       1,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(949), testutil.GetAccountBalance(t, db, "mia"))
}

func createAndLease(t *testing.T, ctx context.Context, svc *exchange.Service, username, giftType string, cost int64, qty int) *exchange.CreateResult {
	t.Helper()

	res, err := svc.Create(ctx, exchange.CreateRequest{
		Username:       username,
		GiftType:       giftType,
		ClaimedCost:    cost,
		Quantity:       qty,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, leased)
	return res
}
