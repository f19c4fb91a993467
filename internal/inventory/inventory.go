// Package inventory is the backpack of earned-but-undelivered rewards. The
// reconciler drives it: a delivered item is marked sent, a failed delivery
// puts the item back where a retry (or natural expiry) can pick it up.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ItemStatus string

const (
	StatusStored  ItemStatus = "stored"
	StatusSending ItemStatus = "sending"
	StatusSent    ItemStatus = "sent"
)

type Item struct {
	ID              uuid.UUID
	Username        string
	GiftType        string
	SourceType      string
	SourceBatchID   *uuid.UUID
	BatchOrder      int
	Status          ItemStatus
	ExchangeTaskID  *uuid.UUID
	LastFailureNote *string
	ExpiresAt       *time.Time
	SentAt          *time.Time
	CreatedAt       time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// MarkSent finalizes the item tied to a completed exchange task.
func (r *Repository) MarkSent(ctx context.Context, taskID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE wish_inventory
		SET status = $2, sent_at = now(), last_failure_reason = NULL, updated_at = now()
		WHERE exchange_task_id = $1`,
		taskID, StatusSent,
	)
	if err != nil {
		return fmt.Errorf("MarkSent: %w", err)
	}
	return nil
}

// ReturnToAvailable detaches the item from a failed task, records why, and
// pushes the expiry to end of next day so the user gets a chance to resend.
// The item must not vanish silently with the failed delivery.
func (r *Repository) ReturnToAvailable(ctx context.Context, taskID uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE wish_inventory
		SET status = $2,
		    exchange_task_id = NULL,
		    last_failure_reason = $3,
		    expires_at = date_trunc('day', now()) + interval '1 day 23 hours 59 minutes 59 seconds',
		    updated_at = now()
		WHERE exchange_task_id = $1`,
		taskID, StatusStored, reason,
	)
	if err != nil {
		return fmt.Errorf("ReturnToAvailable: %w", err)
	}
	return nil
}

// NextInBatch returns the next stored item of the batch the given task's item
// came from, if the item belonged to a batch at all. Used to chain blind-box
// deliveries one at a time.
func (r *Repository) NextInBatch(ctx context.Context, taskID uuid.UUID) (*Item, error) {
	var username string
	var sourceType string
	var batchID uuid.NullUUID
	err := r.db.QueryRowContext(ctx,
		`SELECT username, source_type, source_batch_id FROM wish_inventory
		WHERE exchange_task_id = $1 LIMIT 1`,
		taskID,
	).Scan(&username, &sourceType, &batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("NextInBatch: %w", err)
	}
	if sourceType != "blindbox" || !batchID.Valid {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT id, username, gift_type, source_type, source_batch_id, batch_order,
		        status, exchange_task_id, last_failure_reason, expires_at, sent_at, created_at
		FROM wish_inventory
		WHERE username = $1 AND source_type = 'blindbox' AND source_batch_id = $2 AND status = $3
		ORDER BY batch_order
		LIMIT 1`,
		username, batchID.UUID, StatusStored,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("NextInBatch: %w", err)
	}
	return item, nil
}

// Attach binds a stored item to the exchange task delivering it.
func (r *Repository) Attach(ctx context.Context, itemID, taskID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE wish_inventory
		SET status = $2, exchange_task_id = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		itemID, StatusSending, taskID, StatusStored,
	)
	if err != nil {
		return fmt.Errorf("Attach: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Attach: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Attach: item %s not available", itemID)
	}
	return nil
}

func scanItem(s interface{ Scan(dest ...any) error }) (*Item, error) {
	var it Item
	var batchID uuid.NullUUID
	var taskID uuid.NullUUID
	err := s.Scan(
		&it.ID, &it.Username, &it.GiftType, &it.SourceType, &batchID, &it.BatchOrder,
		&it.Status, &taskID, &it.LastFailureNote, &it.ExpiresAt, &it.SentAt, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if batchID.Valid {
		it.SourceBatchID = &batchID.UUID
	}
	if taskID.Valid {
		it.ExchangeTaskID = &taskID.UUID
	}
	return &it, nil
}
