package port

import (
	"context"
	"time"

	"github.com/rl1809/appstore/internal/core/domain"
)

// IdentityProvider describes the principal and environment of the current call.
type IdentityProvider interface {
	// CallerIdentity returns domain.ErrCallerRequired when the call is anonymous.
	CallerIdentity(ctx context.Context) (domain.Identity, error)

	// ServiceIdentity is the marketplace's own account.
	ServiceIdentity() domain.Identity

	Now() time.Time

	// AttachedValue is the value paid along with the call; zero when none.
	AttachedValue(ctx context.Context) domain.Amount
}
