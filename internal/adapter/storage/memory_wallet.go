package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

// MemoryWallet keeps credits in process memory.
type MemoryWallet struct {
	mu       sync.Mutex
	applied  map[string]struct{}
	balances map[domain.Identity]domain.Amount
	history  []domain.Transfer
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{
		applied:  make(map[string]struct{}),
		balances: make(map[domain.Identity]domain.Amount),
	}
}

func (w *MemoryWallet) Credit(ctx context.Context, transfer domain.Transfer) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.applied[transfer.ID]; ok {
		return false, nil
	}
	balance, err := w.balances[transfer.Recipient].TryAdd(transfer.Amount)
	if err != nil {
		return false, fmt.Errorf("credit %s to %s: %w", transfer.ID, transfer.Recipient, err)
	}
	w.applied[transfer.ID] = struct{}{}
	w.balances[transfer.Recipient] = balance
	w.history = append(w.history, transfer)
	return true, nil
}

func (w *MemoryWallet) Balance(ctx context.Context, identity domain.Identity) (domain.Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[identity], nil
}

// History returns applied transfers in execution order.
func (w *MemoryWallet) History() []domain.Transfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Transfer(nil), w.history...)
}

var _ port.Wallet = (*MemoryWallet)(nil)
