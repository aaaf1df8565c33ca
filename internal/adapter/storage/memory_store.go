package storage

import (
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

var (
	ErrItemExists           = errors.New("item id already exists")
	ErrSettlementExists     = errors.New("settlement already exists")
	ErrSettlementNotFound   = errors.New("settlement not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrReadOnly             = errors.New("read-only unit of work")
	errStorageNotConfigured = errors.New("storage is not configured")
)

type memoryState struct {
	items       []domain.Item // ascending id
	buyers      map[domain.ItemID][]domain.Identity
	settlements map[string]domain.Settlement
	order       []string // settlement ids in schedule order
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		items:       slices.Clone(s.items),
		buyers:      maps.Clone(s.buyers),
		settlements: maps.Clone(s.settlements),
		order:       slices.Clone(s.order),
	}
}

// MemoryStore keeps marketplace state in process memory. Update works on a
// copy of the state and swaps it in only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			buyers:      make(map[domain.ItemID][]domain.Identity),
			settlements: make(map[string]domain.Settlement),
		},
		now: time.Now,
	}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.clone()
	if err := fn(&memoryTx{state: draft, now: m.now}); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fn(&memoryTx{state: m.state, readOnly: true, now: m.now})
}

func (m *MemoryStore) Close() error { return nil }

type memoryTx struct {
	state    *memoryState
	readOnly bool
	now      func() time.Time
}

func (t *memoryTx) Catalog() port.CatalogRepository { return memoryCatalog{t} }
func (t *memoryTx) Ledger() port.LedgerRepository   { return memoryLedger{t} }
func (t *memoryTx) Outbox() port.TransferOutbox     { return memoryOutbox{t} }

func (t *memoryTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

type memoryCatalog struct{ tx *memoryTx }

func (c memoryCatalog) Count(ctx context.Context) (uint64, error) {
	return uint64(len(c.tx.state.items)), nil
}

func (c memoryCatalog) Insert(ctx context.Context, item domain.Item) error {
	if err := c.tx.writable(); err != nil {
		return err
	}
	items := c.tx.state.items
	if n := len(items); n > 0 && items[n-1].ID >= item.ID {
		return ErrItemExists
	}
	c.tx.state.items = append(items, item)
	return nil
}

func (c memoryCatalog) Get(ctx context.Context, id domain.ItemID) (domain.Item, error) {
	items := c.tx.state.items
	i := sort.Search(len(items), func(i int) bool { return items[i].ID >= id })
	if i == len(items) || items[i].ID != id {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return items[i], nil
}

func (c memoryCatalog) Items(ctx context.Context) iter.Seq2[domain.Item, error] {
	items := c.tx.state.items
	return func(yield func(domain.Item, error) bool) {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				yield(domain.Item{}, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

type memoryLedger struct{ tx *memoryTx }

func (l memoryLedger) Contains(ctx context.Context, itemID domain.ItemID, buyer domain.Identity) (bool, error) {
	return slices.Contains(l.tx.state.buyers[itemID], buyer), nil
}

func (l memoryLedger) Append(ctx context.Context, itemID domain.ItemID, buyer domain.Identity) error {
	if err := l.tx.writable(); err != nil {
		return err
	}
	current := l.tx.state.buyers[itemID]
	if slices.Contains(current, buyer) {
		return domain.ErrAlreadyPurchased
	}
	next := make([]domain.Identity, len(current), len(current)+1)
	copy(next, current)
	l.tx.state.buyers[itemID] = append(next, buyer)
	return nil
}

func (l memoryLedger) Buyers(ctx context.Context, itemID domain.ItemID) ([]domain.Identity, error) {
	buyers := make([]domain.Identity, 0, len(l.tx.state.buyers[itemID]))
	return append(buyers, l.tx.state.buyers[itemID]...), nil
}

func (l memoryLedger) ItemsOf(ctx context.Context, buyer domain.Identity) ([]domain.ItemID, error) {
	ids := make([]domain.ItemID, 0)
	for itemID, buyers := range l.tx.state.buyers {
		if slices.Contains(buyers, buyer) {
			ids = append(ids, itemID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

type memoryOutbox struct{ tx *memoryTx }

func (o memoryOutbox) Schedule(ctx context.Context, settlement domain.Settlement) error {
	if err := o.tx.writable(); err != nil {
		return err
	}
	if _, ok := o.tx.state.settlements[settlement.ID]; ok {
		return ErrSettlementExists
	}
	settlement.Transfers = slices.Clone(settlement.Transfers)
	sort.Slice(settlement.Transfers, func(i, j int) bool {
		return settlement.Transfers[i].Seq < settlement.Transfers[j].Seq
	})
	o.tx.state.settlements[settlement.ID] = settlement
	o.tx.state.order = append(o.tx.state.order, settlement.ID)
	return nil
}

func (o memoryOutbox) Pending(ctx context.Context, limit int) ([]domain.Settlement, error) {
	pending := make([]domain.Settlement, 0)
	for _, id := range o.tx.state.order {
		if limit > 0 && len(pending) == limit {
			break
		}
		settlement := o.tx.state.settlements[id]
		if settlement.Pending() {
			settlement.Transfers = slices.Clone(settlement.Transfers)
			pending = append(pending, settlement)
		}
	}
	return pending, nil
}

func (o memoryOutbox) Get(ctx context.Context, settlementID string) (domain.Settlement, error) {
	settlement, ok := o.tx.state.settlements[settlementID]
	if !ok {
		return domain.Settlement{}, ErrSettlementNotFound
	}
	settlement.Transfers = slices.Clone(settlement.Transfers)
	return settlement, nil
}

func (o memoryOutbox) MarkTransfer(ctx context.Context, transferID string, status domain.TransferStatus, lastError string) error {
	if err := o.tx.writable(); err != nil {
		return err
	}
	for id, settlement := range o.tx.state.settlements {
		for i, transfer := range settlement.Transfers {
			if transfer.ID != transferID {
				continue
			}
			transfers := slices.Clone(settlement.Transfers)
			transfers[i].Status = status
			transfers[i].LastError = lastError
			transfers[i].UpdatedAt = o.tx.now().UTC()
			settlement.Transfers = transfers
			o.tx.state.settlements[id] = settlement
			return nil
		}
	}
	return ErrTransferNotFound
}

var _ port.Store = (*MemoryStore)(nil)
