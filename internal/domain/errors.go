package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownGift       = errors.New("unknown gift type")
	ErrPriceMismatch     = errors.New("claimed cost does not match catalog price")
	ErrInvalidQuantity   = errors.New("quantity out of range")
	ErrAlreadyPending    = errors.New("a delivery is already in flight for this user")
	ErrDuplicateRequest  = errors.New("duplicate exchange request")
	ErrNoDeliveryRoom    = errors.New("no delivery room bound")
	ErrExchangeBusy      = errors.New("another exchange for this user is in progress")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskResolved      = errors.New("task already resolved")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSystemBusy        = errors.New("system busy, retry later")

	// ErrTransient marks contention faults (lock/statement timeout, deadlock,
	// serialization failure) that are safe to retry after a full rollback.
	// Produced only by the persistence adapter; callers must never match on
	// driver error codes themselves.
	ErrTransient = errors.New("transient storage contention")
)
