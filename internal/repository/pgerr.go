package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/minimalgames/giftledger/internal/domain"
)

// Postgres states that indicate contention rather than a real fault:
// lock_not_available, query_canceled (statement timeout), deadlock_detected,
// serialization_failure.
var transientCodes = map[string]struct{}{
	"55P03": {},
	"57014": {},
	"40P01": {},
	"40001": {},
}

const uniqueViolation = "23505"

// classify translates driver-specific failures into the domain vocabulary so
// no caller ever has to look at a pq error code. Non-pq errors pass through
// unchanged.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if _, ok := transientCodes[string(pqErr.Code)]; ok {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return err
}

// uniqueViolationConstraint returns the violated constraint name, or "" when
// err is not a unique violation.
func uniqueViolationConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return pqErr.Constraint
	}
	return ""
}
