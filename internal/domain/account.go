package domain

import "time"

// Account is keyed by username. The balance is mutated only through the
// ledger; reading it anywhere else is fine, writing it anywhere else is not.
type Account struct {
	Username     string
	Balance      int64
	DeliveryRoom *string
	PasswordHash string
	CreatedAt    time.Time
}
