package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) port.Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemoryStore().Update(ctx, func(tx port.Tx) error {
		t.Fatal("unit must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryWallet_CreditOnce(t *testing.T) {
	ctx := context.Background()
	wallet := NewMemoryWallet()
	transfer := domain.Transfer{ID: "t-1", Kind: domain.TransferPayout, Recipient: "seller.near", Amount: domain.NewAmount(6)}

	applied, err := wallet.Credit(ctx, transfer)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = wallet.Credit(ctx, transfer)
	require.NoError(t, err)
	assert.False(t, applied)

	balance, err := wallet.Balance(ctx, "seller.near")
	require.NoError(t, err)
	assert.Equal(t, "6", balance.String())
	assert.Len(t, wallet.History(), 1)
}

func TestMemoryWallet_Concurrent(t *testing.T) {
	ctx := context.Background()
	wallet := NewMemoryWallet()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wallet.Credit(ctx, domain.Transfer{ID: "same", Recipient: "seller.near", Amount: domain.NewAmount(1)})
		}()
	}
	wg.Wait()

	balance, err := wallet.Balance(ctx, "seller.near")
	require.NoError(t, err)
	assert.Equal(t, "1", balance.String())
}

func TestMemoryWallet_OverflowIsRejected(t *testing.T) {
	ctx := context.Background()
	wallet := NewMemoryWallet()
	half := domain.MustParseAmount("170141183460469231731687303715884105728")

	applied, err := wallet.Credit(ctx, domain.Transfer{ID: "t-1", Recipient: "seller.near", Amount: half})
	require.NoError(t, err)
	assert.True(t, applied)

	overflowing := domain.Transfer{ID: "t-2", Recipient: "seller.near", Amount: half}
	assert.NotPanics(t, func() {
		applied, err = wallet.Credit(ctx, overflowing)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.False(t, applied)

	balance, err := wallet.Balance(ctx, "seller.near")
	require.NoError(t, err)
	assert.Equal(t, half.String(), balance.String())
	assert.Len(t, wallet.History(), 1)

	// The rejected transfer was not marked applied, so a smaller credit under
	// the same id can still land.
	applied, err = wallet.Credit(ctx, domain.Transfer{ID: "t-2", Recipient: "seller.near", Amount: domain.NewAmount(1)})
	require.NoError(t, err)
	assert.True(t, applied)
}
