package port

import (
	"context"
	"iter"

	"github.com/rl1809/appstore/internal/core/domain"
)

// Store runs units of work against persisted marketplace state.
type Store interface {
	// Update runs fn in a read-write unit. Either every mutation made through
	// tx commits, or none does.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only unit.
	View(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Catalog() CatalogRepository
	Ledger() LedgerRepository
	Outbox() TransferOutbox
}

type CatalogRepository interface {
	// Count returns the number of published items.
	Count(ctx context.Context) (uint64, error)

	// Insert stores a new item. Fails if the id is taken.
	Insert(ctx context.Context, item domain.Item) error

	// Get returns domain.ErrItemNotFound when the id is absent.
	Get(ctx context.Context, id domain.ItemID) (domain.Item, error)

	// Items yields every item in ascending id order. Each range re-reads.
	Items(ctx context.Context) iter.Seq2[domain.Item, error]
}

type LedgerRepository interface {
	// Contains reports whether buyer has purchased item.
	Contains(ctx context.Context, itemID domain.ItemID, buyer domain.Identity) (bool, error)

	// Append adds buyer at the end of the item's buyer list. A repeated pair
	// fails with domain.ErrAlreadyPurchased.
	Append(ctx context.Context, itemID domain.ItemID, buyer domain.Identity) error

	// Buyers returns the item's buyers in purchase order.
	Buyers(ctx context.Context, itemID domain.ItemID) ([]domain.Identity, error)

	// ItemsOf returns the ids purchased by buyer in ascending id order.
	ItemsOf(ctx context.Context, buyer domain.Identity) ([]domain.ItemID, error)
}

// TransferOutbox is the deferred action queue. Scheduled settlements commit
// together with the purchase that produced them and execute afterwards.
type TransferOutbox interface {
	Schedule(ctx context.Context, settlement domain.Settlement) error

	// Pending returns up to limit settlements that still have pending
	// transfers, oldest first, with transfers sorted by Seq.
	Pending(ctx context.Context, limit int) ([]domain.Settlement, error)

	Get(ctx context.Context, settlementID string) (domain.Settlement, error)

	// MarkTransfer records the outcome of an executed transfer.
	MarkTransfer(ctx context.Context, transferID string, status domain.TransferStatus, lastError string) error
}
