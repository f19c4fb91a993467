package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/minimalgames/giftledger/internal/domain"
)

const balanceLogColumns = `id, username, operation, delta, balance_before, balance_after,
	description, metadata, created_at`

// BalanceLogRepository writes and reads the append-only audit trail. There is
// deliberately no update or delete here.
type BalanceLogRepository struct {
	db *sql.DB
}

func NewBalanceLogRepository(db *sql.DB) *BalanceLogRepository {
	return &BalanceLogRepository{db: db}
}

func (r *BalanceLogRepository) Insert(ctx context.Context, tx *sql.Tx, entry *domain.BalanceEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balance_logs (
			username, operation, delta, balance_before, balance_after,
			description, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Username, entry.Operation, entry.Delta, entry.BalanceBefore, entry.BalanceAfter,
		entry.Description, nullableJSON(entry.Metadata), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", classify(err))
	}
	return nil
}

func (r *BalanceLogRepository) ListByUsername(ctx context.Context, username string, limit, offset int) ([]domain.BalanceEntry, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM balance_logs WHERE username = $1`, username,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUsername: count: %w", classify(err))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+balanceLogColumns+` FROM balance_logs
		WHERE username = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		username, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUsername: %w", classify(err))
	}
	defer rows.Close()

	var entries []domain.BalanceEntry
	for rows.Next() {
		e, err := scanBalanceEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListByUsername: scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListByUsername: rows: %w", classify(err))
	}
	return entries, total, nil
}

// TotalDelta sums every recorded delta for an account. For a consistent
// ledger this equals current balance minus initial balance.
func (r *BalanceLogRepository) TotalDelta(ctx context.Context, username string) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM balance_logs WHERE username = $1`, username,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("TotalDelta: %w", classify(err))
	}
	return sum, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func scanBalanceEntry(s scanner) (*domain.BalanceEntry, error) {
	var e domain.BalanceEntry
	var metadata *[]byte
	err := s.Scan(
		&e.ID, &e.Username, &e.Operation, &e.Delta, &e.BalanceBefore, &e.BalanceAfter,
		&e.Description, &metadata, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata != nil {
		e.Metadata = *metadata
	}
	return &e, nil
}
