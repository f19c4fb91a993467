package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/minimalgames/giftledger/internal/domain"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT username, balance, delivery_room, password_hash, created_at FROM accounts WHERE username = $1`,
		username,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByUsername: %w", domain.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("GetByUsername: %w", classify(err))
	}
	return a, nil
}

// GetForUpdate locks the account row inside tx. Only used where the caller
// needs a consistent read of non-balance columns alongside a mutation; the
// balance itself is guarded by ApplyDelta's conditional update.
func (r *AccountRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, username string) (*domain.Account, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT username, balance, delivery_room, password_hash, created_at FROM accounts WHERE username = $1 FOR UPDATE`,
		username,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", classify(err))
	}
	return a, nil
}

// ApplyDelta mutates the balance in a single conditional statement. With
// requireFunds set and a negative delta the update only matches when the
// resulting balance stays non-negative; zero matched rows then means either
// insufficient funds or a missing account, which is disambiguated with a
// follow-up existence check.
func (r *AccountRepository) ApplyDelta(ctx context.Context, tx *sql.Tx, username string, delta int64, requireFunds bool) (int64, error) {
	var (
		balanceAfter int64
		err          error
	)
	if requireFunds && delta < 0 {
		err = tx.QueryRowContext(ctx,
			`UPDATE accounts SET balance = balance + $2
			 WHERE username = $1 AND balance + $2 >= 0
			 RETURNING balance`,
			username, delta,
		).Scan(&balanceAfter)
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE accounts SET balance = balance + $2
			 WHERE username = $1
			 RETURNING balance`,
			username, delta,
		).Scan(&balanceAfter)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if chkErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM accounts WHERE username = $1)`, username,
			).Scan(&exists); chkErr != nil {
				return 0, fmt.Errorf("ApplyDelta: existence check: %w", classify(chkErr))
			}
			if !exists {
				return 0, fmt.Errorf("ApplyDelta: %w", domain.ErrAccountNotFound)
			}
			return 0, fmt.Errorf("ApplyDelta: %w", domain.ErrInsufficientFunds)
		}
		return 0, fmt.Errorf("ApplyDelta: %w", classify(err))
	}
	return balanceAfter, nil
}

// TryExchangeLock takes the per-username advisory lock serializing exchange
// requests. Transaction-scoped: released automatically at commit or rollback.
func (r *AccountRepository) TryExchangeLock(ctx context.Context, tx *sql.Tx, username string) (bool, error) {
	var locked bool
	err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1 || ':gift_exchange'))`,
		username,
	).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("TryExchangeLock: %w", classify(err))
	}
	return locked, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (username, balance, delivery_room, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		account.Username, account.Balance, account.DeliveryRoom, account.PasswordHash, account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", classify(err))
	}
	return nil
}

func scanAccount(s scanner) (*domain.Account, error) {
	var a domain.Account
	if err := s.Scan(&a.Username, &a.Balance, &a.DeliveryRoom, &a.PasswordHash, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
