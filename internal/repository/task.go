package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minimalgames/giftledger/internal/domain"
)

const taskColumns = `id, username, gift_type, gift_name, unit_cost, quantity, total_cost,
	delivery_room, idempotency_key, status, delivery_status, failure_reason,
	created_at, processed_at`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Insert(ctx context.Context, tx *sql.Tx, task *domain.ExchangeTask) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO gift_exchanges (
			id, username, gift_type, gift_name, unit_cost, quantity, total_cost,
			delivery_room, idempotency_key, status, delivery_status, failure_reason,
			created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		task.ID, task.Username, task.GiftType, task.GiftName, task.UnitCost, task.Quantity, task.TotalCost,
		task.DeliveryRoom, task.IdempotencyKey, task.Status, task.DeliveryStatus, task.FailureReason,
		task.CreatedAt, task.ProcessedAt,
	)
	if err != nil {
		// Races lost despite the advisory lock still resolve to the right
		// domain error: the idempotency unique index means a duplicate
		// request, the one-in-flight partial index an overlapping delivery.
		switch uniqueViolationConstraint(err) {
		case "gift_exchanges_username_idempotency_key_key":
			return fmt.Errorf("Insert: %w", domain.ErrDuplicateRequest)
		case "gift_exchanges_one_in_flight":
			return fmt.Errorf("Insert: %w", domain.ErrAlreadyPending)
		}
		return fmt.Errorf("Insert: %w", classify(err))
	}
	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ExchangeTask, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM gift_exchanges WHERE id = $1`, id,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", classify(err))
	}
	return t, nil
}

// GetForUpdate locks the task row so that concurrent worker reports and the
// stuck-task monitor serialize on it.
func (r *TaskRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.ExchangeTask, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM gift_exchanges WHERE id = $1 FOR UPDATE`, id,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", classify(err))
	}
	return t, nil
}

func (r *TaskRepository) GetByIdempotencyKey(ctx context.Context, tx *sql.Tx, username, key string) (*domain.ExchangeTask, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM gift_exchanges
		WHERE username = $1 AND idempotency_key = $2 LIMIT 1`,
		username, key,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByIdempotencyKey: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByIdempotencyKey: %w", classify(err))
	}
	return t, nil
}

func (r *TaskRepository) CountInFlight(ctx context.Context, tx *sql.Tx, username string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gift_exchanges
		WHERE username = $1 AND delivery_status IN ($2, $3)`,
		username, domain.DeliveryStatusPending, domain.DeliveryStatusProcessing,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountInFlight: %w", classify(err))
	}
	return count, nil
}

// LeaseNext claims up to maxBatch of the oldest pending tasks with a bound
// delivery room and flips them to processing, all in one statement so two
// pollers can never lease the same task. SKIP LOCKED keeps a second poller
// from blocking behind the first.
func (r *TaskRepository) LeaseNext(ctx context.Context, maxBatch int) ([]domain.ExchangeTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE gift_exchanges
		SET delivery_status = $1, processed_at = now()
		WHERE id IN (
			SELECT id FROM gift_exchanges
			WHERE delivery_status = $2 AND delivery_room IS NOT NULL
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		domain.DeliveryStatusProcessing, domain.DeliveryStatusPending, maxBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("LeaseNext: %w", classify(err))
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("LeaseNext: %w", err)
	}
	return tasks, nil
}

// MarkProcessing is the explicit start report. Idempotent alongside the
// lease's own flip: only a pending task is touched.
func (r *TaskRepository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gift_exchanges
		SET delivery_status = $2, processed_at = now()
		WHERE id = $1 AND delivery_status = $3`,
		id, domain.DeliveryStatusProcessing, domain.DeliveryStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("MarkProcessing: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("MarkProcessing: rows affected: %w", err)
	}
	return affected > 0, nil
}

// Finalize moves a funds-locked task to its terminal state. The status guard
// makes duplicate worker reports lose the race cleanly.
func (r *TaskRepository) Finalize(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TaskStatus, delivery domain.DeliveryStatus, failureReason *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE gift_exchanges
		SET status = $2, delivery_status = $3, failure_reason = $4, processed_at = now()
		WHERE id = $1 AND status = $5`,
		id, status, delivery, failureReason, domain.TaskStatusFundsLocked,
	)
	if err != nil {
		return fmt.Errorf("Finalize: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Finalize: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Finalize: %w", domain.ErrTaskResolved)
	}
	return nil
}

// SelectStuck returns funds-locked tasks whose delivery never concluded
// within the timeout window, oldest first.
func (r *TaskRepository) SelectStuck(ctx context.Context, olderThan time.Duration, limit int) ([]domain.ExchangeTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM gift_exchanges
		WHERE status = $1
		  AND delivery_status IN ($2, $3)
		  AND created_at < now() - $4::interval
		ORDER BY created_at
		LIMIT $5`,
		domain.TaskStatusFundsLocked,
		domain.DeliveryStatusPending, domain.DeliveryStatusProcessing,
		intervalParam(olderThan), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("SelectStuck: %w", classify(err))
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("SelectStuck: %w", err)
	}
	return tasks, nil
}

// ResetStuck requeues processing tasks abandoned past the grace window back
// to pending. This is the cheap worker-restart path, distinct from the
// monitor's refund-and-fail timeout.
func (r *TaskRepository) ResetStuck(ctx context.Context, grace time.Duration) ([]domain.ExchangeTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE gift_exchanges
		SET delivery_status = $1, processed_at = NULL
		WHERE delivery_status = $2 AND processed_at < now() - $3::interval
		RETURNING `+taskColumns,
		domain.DeliveryStatusPending, domain.DeliveryStatusProcessing, intervalParam(grace),
	)
	if err != nil {
		return nil, fmt.Errorf("ResetStuck: %w", classify(err))
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("ResetStuck: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepository) ListByUsername(ctx context.Context, username string, limit, offset int) ([]domain.ExchangeTask, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gift_exchanges WHERE username = $1`, username,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUsername: count: %w", classify(err))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM gift_exchanges
		WHERE username = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		username, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUsername: %w", classify(err))
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUsername: %w", err)
	}
	return tasks, total, nil
}

func intervalParam(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

func collectTasks(rows *sql.Rows) ([]domain.ExchangeTask, error) {
	var tasks []domain.ExchangeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", classify(err))
	}
	return tasks, nil
}

func scanTask(s scanner) (*domain.ExchangeTask, error) {
	var t domain.ExchangeTask
	err := s.Scan(
		&t.ID, &t.Username, &t.GiftType, &t.GiftName, &t.UnitCost, &t.Quantity, &t.TotalCost,
		&t.DeliveryRoom, &t.IdempotencyKey, &t.Status, &t.DeliveryStatus, &t.FailureReason,
		&t.CreatedAt, &t.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
