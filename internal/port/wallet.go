package port

import (
	"context"

	"github.com/rl1809/appstore/internal/core/domain"
)

// Wallet receives executed value transfers.
type Wallet interface {
	// Credit applies transfer to its recipient. It is idempotent by transfer
	// ID: a repeated credit returns false and changes nothing.
	Credit(ctx context.Context, transfer domain.Transfer) (bool, error)

	// Balance sums every credit applied to identity.
	Balance(ctx context.Context, identity domain.Identity) (domain.Amount, error)
}
