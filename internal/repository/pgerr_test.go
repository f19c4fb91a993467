package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/minimalgames/giftledger/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "lock not available", err: &pq.Error{Code: "55P03"}, wantTransient: true},
		{name: "statement timeout", err: &pq.Error{Code: "57014"}, wantTransient: true},
		{name: "deadlock detected", err: &pq.Error{Code: "40P01"}, wantTransient: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, wantTransient: true},
		{name: "unique violation is not transient", err: &pq.Error{Code: "23505"}, wantTransient: false},
		{name: "syntax error is not transient", err: &pq.Error{Code: "42601"}, wantTransient: false},
		{name: "plain error passes through", err: errors.New("boom"), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.wantTransient, errors.Is(got, domain.ErrTransient))
		})
	}
}

func TestClassify_WrappedPqError(t *testing.T) {
	wrapped := fmt.Errorf("Insert: %w", &pq.Error{Code: "40P01"})
	assert.ErrorIs(t, classify(wrapped), domain.ErrTransient)
}

func TestUniqueViolationConstraint(t *testing.T) {
	err := &pq.Error{Code: "23505", Constraint: "gift_exchanges_one_in_flight"}
	assert.Equal(t, "gift_exchanges_one_in_flight", uniqueViolationConstraint(err))

	assert.Empty(t, uniqueViolationConstraint(&pq.Error{Code: "55P03"}))
	assert.Empty(t, uniqueViolationConstraint(errors.New("boom")))
}
