package domain

import (
	"encoding/json"
	"time"
)

type OperationKind string

const (
	OpExchangeLock    OperationKind = "gift_exchange_lock"
	OpDeliveryConfirm OperationKind = "gift_delivery_confirm"
	OpDeliveryRefund  OperationKind = "gift_delivery_refund"
	OpFailureRefund   OperationKind = "gift_delivery_failed_refund"
	OpTimeoutRefund   OperationKind = "gift_timeout_refund"
	OpAdminCredit     OperationKind = "admin_credit"
)

// BalanceEntry is one row of the append-only audit trail. Rows are written
// once, in the same transaction as the balance mutation they describe, and
// never updated or deleted. For any account the sum of Delta over all rows
// equals current balance minus initial balance.
type BalanceEntry struct {
	ID            int64
	Username      string
	Operation     OperationKind
	Delta         int64
	BalanceBefore int64
	BalanceAfter  int64
	Description   string
	Metadata      json.RawMessage
	CreatedAt     time.Time
}
