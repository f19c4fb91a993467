// Package ledger is the single write path for account balances. Every
// mutation is one conditional update plus one audit row, committed together
// or not at all.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/logging"
	"github.com/minimalgames/giftledger/internal/repository"
)

const (
	maxAttempts = 3
	retryDelay  = 150 * time.Millisecond
)

type AdjustParams struct {
	Username    string
	Delta       int64
	Operation   domain.OperationKind
	Description string
	// Metadata is marshaled into the audit row as-is; nil means no metadata.
	Metadata any
	// RequireFunds makes a negative delta conditional on the balance staying
	// non-negative. Refunds and admin credits pass false.
	RequireFunds bool
}

type Result struct {
	BalanceBefore int64
	BalanceAfter  int64
}

type accountRepo interface {
	ApplyDelta(ctx context.Context, tx *sql.Tx, username string, delta int64, requireFunds bool) (int64, error)
}

type logRepo interface {
	Insert(ctx context.Context, tx *sql.Tx, entry *domain.BalanceEntry) error
}

type Ledger struct {
	db       *sql.DB
	accounts accountRepo
	logs     logRepo
}

func New(db *sql.DB, accounts accountRepo, logs logRepo) *Ledger {
	return &Ledger{db: db, accounts: accounts, logs: logs}
}

// Adjust runs the mutation in its own transaction. Transient contention is
// retried after a full rollback, up to 3 attempts with a fixed 150ms delay;
// exhausting the attempts surfaces as ErrSystemBusy. Domain failures
// (insufficient funds, missing account) are never retried.
func (l *Ledger) Adjust(ctx context.Context, p AdjustParams) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var res *Result
		err := repository.WithTx(ctx, l.db, func(tx *sql.Tx) error {
			var txErr error
			res, txErr = l.AdjustTx(ctx, tx, p)
			return txErr
		})
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return nil, fmt.Errorf("Adjust: %w", err)
		}
		lastErr = err
		if attempt < maxAttempts {
			logging.FromContext(ctx).Warn("ledger adjust retry",
				"username", p.Username,
				"operation", p.Operation,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("Adjust: %w", ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("Adjust: %w: %v", domain.ErrSystemBusy, lastErr)
}

// AdjustTx applies the mutation inside the caller's transaction. The caller
// owns commit, rollback and any retry policy; this is how the exchange flow
// combines a debit with the task insert atomically. A single attempt only —
// retrying inside someone else's unit of work would replay their writes.
func (l *Ledger) AdjustTx(ctx context.Context, tx *sql.Tx, p AdjustParams) (*Result, error) {
	balanceAfter, err := l.accounts.ApplyDelta(ctx, tx, p.Username, p.Delta, p.RequireFunds)
	if err != nil {
		return nil, fmt.Errorf("AdjustTx: %w", err)
	}

	var metadata json.RawMessage
	if p.Metadata != nil {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("AdjustTx: marshal metadata: %w", err)
		}
		metadata = raw
	}

	entry := &domain.BalanceEntry{
		Username:      p.Username,
		Operation:     p.Operation,
		Delta:         p.Delta,
		BalanceBefore: balanceAfter - p.Delta,
		BalanceAfter:  balanceAfter,
		Description:   p.Description,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.logs.Insert(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("AdjustTx: audit entry: %w", err)
	}

	return &Result{
		BalanceBefore: balanceAfter - p.Delta,
		BalanceAfter:  balanceAfter,
	}, nil
}
