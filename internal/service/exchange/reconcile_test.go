package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefundForShortfall(t *testing.T) {
	tests := []struct {
		name      string
		unitCost  int64
		quantity  int
		actual    int
		totalCost int64
		want      int64
	}{
		{name: "full delivery", unitCost: 50, quantity: 3, actual: 3, totalCost: 150, want: 0},
		{name: "nothing delivered", unitCost: 50, quantity: 3, actual: 0, totalCost: 150, want: 150},
		{name: "one of three", unitCost: 50, quantity: 3, actual: 1, totalCost: 150, want: 100},
		{name: "two of three", unitCost: 50, quantity: 3, actual: 2, totalCost: 150, want: 50},
		{name: "unit cost one", unitCost: 1, quantity: 100, actual: 37, totalCost: 100, want: 63},
		{name: "over-delivery refunds nothing", unitCost: 50, quantity: 3, actual: 5, totalCost: 150, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := refundForShortfall(tt.unitCost, tt.quantity, tt.actual, tt.totalCost)
			assert.Equal(t, tt.want, got)
			// The kept portion and the refund always reassemble the charge.
			if tt.actual <= tt.quantity {
				assert.Equal(t, tt.totalCost, got+tt.unitCost*int64(tt.actual))
			}
		})
	}
}
