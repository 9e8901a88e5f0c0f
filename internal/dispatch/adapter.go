package dispatch

import (
	"context"

	"opentrade-go/pkg/otype"
)

// Adapter is the narrow hook every broker connection must implement —
// the seam behind which the FIX/CTP/IB wire dialects live, deliberately
// outside this core. Place/Cancel return a non-nil error for
// synchronous rejects (e.g. the adapter is disconnected); asynchronous
// exec reports arrive later through the order book's Handle path.
type Adapter interface {
	Name() string
	Connected() bool
	Place(ctx context.Context, ord *otype.Order) error
	Cancel(ctx context.Context, ord *otype.Order) error
}

// CommissionAdapter computes the commission owed on a fill, the seam
// for venue- or account-specific fee schedules.
type CommissionAdapter interface {
	Compute(ord *otype.Order, qty, price float64) float64
}
