package service

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/appstore/internal/adapter/identity"
	"github.com/rl1809/appstore/internal/adapter/storage"
	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

var quietLogger = log.New(io.Discard, "", 0)

// rejectingWallet fails credits of the listed kinds and records every
// attempt in order.
type rejectingWallet struct {
	*storage.MemoryWallet

	reject map[domain.TransferKind]bool

	mu       sync.Mutex
	attempts []domain.TransferKind
}

func newRejectingWallet(kinds ...domain.TransferKind) *rejectingWallet {
	w := &rejectingWallet{MemoryWallet: storage.NewMemoryWallet(), reject: map[domain.TransferKind]bool{}}
	for _, k := range kinds {
		w.reject[k] = true
	}
	return w
}

func (w *rejectingWallet) Credit(ctx context.Context, transfer domain.Transfer) (bool, error) {
	w.mu.Lock()
	w.attempts = append(w.attempts, transfer.Kind)
	w.mu.Unlock()
	if w.reject[transfer.Kind] {
		return false, errors.New("receiver rejected transfer")
	}
	return w.MemoryWallet.Credit(ctx, transfer)
}

func (w *rejectingWallet) attempted() []domain.TransferKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.TransferKind(nil), w.attempts...)
}

func settlementByID(t *testing.T, store port.Store, id string) domain.Settlement {
	t.Helper()
	var s domain.Settlement
	err := store.View(context.Background(), func(tx port.Tx) error {
		var err error
		s, err = tx.Outbox().Get(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return s
}

func settled(store port.Store, id string) func() bool {
	return func() bool {
		var pending bool
		err := store.View(context.Background(), func(tx port.Tx) error {
			s, err := tx.Outbox().Get(context.Background(), id)
			pending = s.Pending()
			return err
		})
		return err == nil && !pending
	}
}

func TestDispatcher_PaysSellerAndRefundsBuyer(t *testing.T) {
	store := storage.NewMemoryStore()
	wallet := storage.NewMemoryWallet()
	dispatcher := NewSettlementDispatcher(store, wallet, DispatcherConfig{Workers: 2, QueueSize: 10}, quietLogger)
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	svc := newTestService(store, dispatcher)
	id := mustPublish(t, svc, "Zelda", 1001)

	settlement, err := svc.BuyApp(paying(buyer, 1500), id)
	require.NoError(t, err)

	require.Eventually(t, settled(store, settlement.ID), 2*time.Second, 10*time.Millisecond)

	sellerBalance, err := wallet.Balance(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, "501", sellerBalance.String())

	buyerBalance, err := wallet.Balance(context.Background(), buyer)
	require.NoError(t, err)
	assert.Equal(t, "499", buyerBalance.String())

	// The platform fee never leaves the marketplace.
	platformBalance, err := wallet.Balance(context.Background(), serviceAccount)
	require.NoError(t, err)
	assert.True(t, platformBalance.IsZero())

	history := wallet.History()
	require.Len(t, history, 2)
	assert.Equal(t, domain.TransferPayout, history[0].Kind)
	assert.Equal(t, domain.TransferRefund, history[1].Kind)

	for _, transfer := range settlementByID(t, store, settlement.ID).Transfers {
		assert.Equal(t, domain.TransferCompleted, transfer.Status)
	}
}

func TestDispatcher_FailedPayoutKeepsPurchaseAndStillRefunds(t *testing.T) {
	store := storage.NewMemoryStore()
	wallet := newRejectingWallet(domain.TransferPayout)
	dispatcher := NewSettlementDispatcher(store, wallet, DispatcherConfig{Workers: 1, QueueSize: 10}, quietLogger)
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	svc := newTestService(store, dispatcher)
	id := mustPublish(t, svc, "Zelda", 100)

	settlement, err := svc.BuyApp(paying(buyer, 130), id)
	require.NoError(t, err)

	require.Eventually(t, settled(store, settlement.ID), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []domain.TransferKind{domain.TransferPayout, domain.TransferRefund}, wallet.attempted())

	transfers := settlementByID(t, store, settlement.ID).Transfers
	require.Len(t, transfers, 2)
	assert.Equal(t, domain.TransferFailed, transfers[0].Status)
	assert.Equal(t, "receiver rejected transfer", transfers[0].LastError)
	assert.Equal(t, domain.TransferCompleted, transfers[1].Status)

	ok, err := svc.HasPurchased(context.Background(), id, buyer)
	require.NoError(t, err)
	assert.True(t, ok)

	refund, err := wallet.Balance(context.Background(), buyer)
	require.NoError(t, err)
	assert.Equal(t, "30", refund.String())
}

func TestDispatcher_SweepPicksUpUnnotifiedSettlements(t *testing.T) {
	store := storage.NewMemoryStore()

	// Purchases committed without a running dispatcher stay pending.
	svc := newTestService(store, nil)
	id := mustPublish(t, svc, "Zelda", 10)
	first, err := svc.BuyApp(paying("a.near", 10), id)
	require.NoError(t, err)
	second, err := svc.BuyApp(paying("b.near", 12), id)
	require.NoError(t, err)

	wallet := storage.NewMemoryWallet()
	dispatcher := NewSettlementDispatcher(store, wallet, DispatcherConfig{Workers: 2, QueueSize: 10}, quietLogger)
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	n, err := dispatcher.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, settled(store, first.ID), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, settled(store, second.ID), 2*time.Second, 10*time.Millisecond)

	sellerBalance, err := wallet.Balance(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, "10", sellerBalance.String())
}

func TestDispatcher_PeriodicSweep(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)
	id := mustPublish(t, svc, "Zelda", 10)
	settlement, err := svc.BuyApp(paying(buyer, 10), id)
	require.NoError(t, err)

	wallet := storage.NewMemoryWallet()
	dispatcher := NewSettlementDispatcher(store, wallet, DispatcherConfig{
		Workers:       1,
		QueueSize:     1,
		SweepInterval: 20 * time.Millisecond,
	}, quietLogger)
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	require.Eventually(t, settled(store, settlement.ID), 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_CreditsAreIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)
	id := mustPublish(t, svc, "Zelda", 10)
	settlement, err := svc.BuyApp(paying(buyer, 10), id)
	require.NoError(t, err)

	wallet := storage.NewMemoryWallet()
	dispatcher := NewSettlementDispatcher(store, wallet, DispatcherConfig{Workers: 1, QueueSize: 4}, quietLogger)

	// Settle the same snapshot twice, as a sweep racing a worker would.
	dispatcher.settle(context.Background(), 0, settlement)
	dispatcher.settle(context.Background(), 0, settlement)

	assert.Len(t, wallet.History(), 1)
	balance, err := wallet.Balance(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, "5", balance.String())
}

func TestDispatcher_NotifyAfterCloseIsDropped(t *testing.T) {
	store := storage.NewMemoryStore()
	dispatcher := NewSettlementDispatcher(store, storage.NewMemoryWallet(), DispatcherConfig{}, quietLogger)
	dispatcher.Start(context.Background())
	dispatcher.Close()

	assert.NotPanics(t, func() {
		dispatcher.Notify(domain.Settlement{ID: "late"})
	})
	dispatcher.Close()
}

func TestDispatcher_StaleSnapshotDoesNotRetryFailedTransfer(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)
	id := mustPublish(t, svc, "Zelda", 10)
	snapshot, err := svc.BuyApp(paying(buyer, 12), id)
	require.NoError(t, err)

	rejecting := newRejectingWallet(domain.TransferPayout)
	NewSettlementDispatcher(store, rejecting, DispatcherConfig{}, quietLogger).settle(context.Background(), 0, snapshot)

	// The queued copy still reads pending; the outbox says otherwise.
	wallet := storage.NewMemoryWallet()
	NewSettlementDispatcher(store, wallet, DispatcherConfig{}, quietLogger).settle(context.Background(), 0, snapshot)

	assert.Empty(t, wallet.History())
	transfers := settlementByID(t, store, snapshot.ID).Transfers
	assert.Equal(t, domain.TransferFailed, transfers[0].Status)
	assert.Equal(t, domain.TransferCompleted, transfers[1].Status)
}

func TestDispatcher_BalanceOverflowFailsTransferWithoutCrashing(t *testing.T) {
	store := storage.NewMemoryStore()
	wallet := storage.NewMemoryWallet()
	dispatcher := NewSettlementDispatcher(store, wallet, DispatcherConfig{Workers: 1, QueueSize: 10}, quietLogger)
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	svc := newTestService(store, dispatcher)
	ceiling := domain.MustParseAmount("340282366920938463463374607431768211455")
	published, err := svc.PublishApp(as(seller), PublishAppInput{Title: "Whale", Genre: "games", Price: ceiling})
	require.NoError(t, err)

	var settlements []domain.Settlement
	for _, b := range []domain.Identity{"a.near", "b.near"} {
		s, err := svc.BuyApp(identity.WithAttachedValue(as(b), ceiling), published.ID)
		require.NoError(t, err)
		require.Eventually(t, settled(store, s.ID), 2*time.Second, 10*time.Millisecond)
		settlements = append(settlements, s)
	}

	assert.Equal(t, domain.TransferCompleted, settlementByID(t, store, settlements[0].ID).Transfers[0].Status)
	overflowed := settlementByID(t, store, settlements[1].ID).Transfers[0]
	assert.Equal(t, domain.TransferFailed, overflowed.Status)
	assert.Contains(t, overflowed.LastError, "overflows 128 bits")

	ok, err := svc.HasPurchased(context.Background(), published.ID, "b.near")
	require.NoError(t, err)
	assert.True(t, ok)

	// The worker survived and keeps settling.
	small := mustPublish(t, svc, "Tetris", 10)
	s, err := svc.BuyApp(paying(buyer, 10), small)
	require.NoError(t, err)
	require.Eventually(t, settled(store, s.ID), 2*time.Second, 10*time.Millisecond)
}
