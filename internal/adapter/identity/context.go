// Package identity carries the calling principal and attached value through
// request contexts.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/rl1809/appstore/internal/core/domain"
)

type callerKey struct{}
type attachedValueKey struct{}

// WithCaller returns a context that identifies caller as the principal.
func WithCaller(ctx context.Context, caller domain.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// WithAttachedValue returns a context carrying the value paid with the call.
func WithAttachedValue(ctx context.Context, value domain.Amount) context.Context {
	return context.WithValue(ctx, attachedValueKey{}, value)
}

// ContextProvider implements port.IdentityProvider over request contexts.
type ContextProvider struct {
	service domain.Identity
	now     func() time.Time
}

func NewContextProvider(service domain.Identity) *ContextProvider {
	return &ContextProvider{service: service, now: time.Now}
}

// WithClock replaces the time source.
func (p *ContextProvider) WithClock(now func() time.Time) *ContextProvider {
	p.now = now
	return p
}

func (p *ContextProvider) CallerIdentity(ctx context.Context) (domain.Identity, error) {
	caller, _ := ctx.Value(callerKey{}).(domain.Identity)
	if strings.TrimSpace(string(caller)) == "" {
		return "", domain.ErrCallerRequired
	}
	return caller, nil
}

func (p *ContextProvider) ServiceIdentity() domain.Identity {
	return p.service
}

func (p *ContextProvider) Now() time.Time {
	return p.now()
}

func (p *ContextProvider) AttachedValue(ctx context.Context) domain.Amount {
	value, _ := ctx.Value(attachedValueKey{}).(domain.Amount)
	return value
}
