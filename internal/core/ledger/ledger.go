// Package ledger records which identities bought which apps.
package ledger

import (
	"context"
	"fmt"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

// Ledger enforces at most one purchase per (item, buyer). It references items
// by id only and never reads or changes item data.
type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) HasPurchased(ctx context.Context, repo port.LedgerRepository, itemID domain.ItemID, buyer domain.Identity) (bool, error) {
	ok, err := repo.Contains(ctx, itemID, buyer)
	if err != nil {
		return false, fmt.Errorf("check purchase of %d by %s: %w", itemID, buyer, err)
	}
	return ok, nil
}

// RecordPurchase appends buyer without checking HasPurchased first. Callers
// run the check and the record inside the same unit of work.
func (l *Ledger) RecordPurchase(ctx context.Context, repo port.LedgerRepository, itemID domain.ItemID, buyer domain.Identity) error {
	if err := repo.Append(ctx, itemID, buyer); err != nil {
		return fmt.Errorf("record purchase of %d by %s: %w", itemID, buyer, err)
	}
	return nil
}

// PurchasesFor returns the ids bought by buyer in ascending id order.
func (l *Ledger) PurchasesFor(ctx context.Context, repo port.LedgerRepository, buyer domain.Identity) ([]domain.ItemID, error) {
	ids, err := repo.ItemsOf(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("purchases of %s: %w", buyer, err)
	}
	return ids, nil
}

// Buyers returns the item's buyers, first buyer first.
func (l *Ledger) Buyers(ctx context.Context, repo port.LedgerRepository, itemID domain.ItemID) ([]domain.Identity, error) {
	buyers, err := repo.Buyers(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("buyers of %d: %w", itemID, err)
	}
	return buyers, nil
}
