package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(sku, price string, qty int64) CartLine {
	return CartLine{SKU: sku, Name: sku, UnitPrice: decimal.RequireFromString(price), Quantity: qty}
}

func TestSnapshotValidate(t *testing.T) {
	cases := []struct {
		name string
		snap CartSnapshot
		want string
	}{
		{"no customer", CartSnapshot{Lines: []CartLine{line("SKU-1", "1.00", 1)}}, "customer id"},
		{"empty cart", CartSnapshot{CustomerID: "c"}, "cart is empty"},
		{"blank sku", CartSnapshot{CustomerID: "c", Lines: []CartLine{line("", "1.00", 1)}}, "empty sku"},
		{"zero quantity", CartSnapshot{CustomerID: "c", Lines: []CartLine{line("SKU-1", "1.00", 0)}}, "quantity"},
		{"negative quantity", CartSnapshot{CustomerID: "c", Lines: []CartLine{line("SKU-1", "1.00", -2)}}, "quantity"},
		{"negative price", CartSnapshot{CustomerID: "c", Lines: []CartLine{line("SKU-1", "-0.01", 1)}}, "negative unit price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.snap.Validate()
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Contains(t, validation.Reason, tc.want)
		})
	}

	ok := CartSnapshot{CustomerID: "c", Lines: []CartLine{line("SKU-1", "0.00", 1)}}
	assert.NoError(t, ok.Validate(), "a free line is allowed")
}

func TestSnapshotTotalIsExact(t *testing.T) {
	snap := CartSnapshot{
		CustomerID: "c",
		Lines: []CartLine{
			line("SKU-1", "0.10", 3),
			line("SKU-2", "19.99", 2),
		},
	}
	assert.True(t, snap.Total().Equal(decimal.RequireFromString("40.28")))
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, OrderStatusPending.CanTransition(OrderStatusPaid))
	assert.True(t, OrderStatusPending.CanTransition(OrderStatusFailed))
	assert.False(t, OrderStatusPaid.CanTransition(OrderStatusFailed))
	assert.False(t, OrderStatusFailed.CanTransition(OrderStatusPaid))
	assert.False(t, OrderStatusPending.CanTransition(OrderStatusPending))

	assert.False(t, OrderStatusPending.Terminal())
	assert.True(t, OrderStatusPaid.Terminal())
	assert.True(t, OrderStatusFailed.Terminal())
}
