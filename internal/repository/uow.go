package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a transaction: commit if fn returns nil, full
// rollback otherwise. Repository methods that take a *sql.Tx always join the
// caller's transaction; whether an operation owns its unit of work or
// participates in a larger one is therefore always an explicit choice at the
// call site, never inferred.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after error: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}

	return nil
}
