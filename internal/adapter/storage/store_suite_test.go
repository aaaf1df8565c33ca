package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

var suiteTime = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func suiteItem(id domain.ItemID, title string) domain.Item {
	return domain.Item{
		ID:          id,
		Title:       title,
		Genre:       domain.GenreGames,
		Price:       domain.MustParseAmount("340282366920938463463374607431768211455"),
		PublishedAt: suiteTime,
		Publisher:   "seller.near",
	}
}

func suiteSettlement(id string, itemID domain.ItemID, buyer domain.Identity) domain.Settlement {
	return domain.Settlement{
		ID:            id,
		ItemID:        itemID,
		Buyer:         buyer,
		Seller:        "seller.near",
		Price:         domain.NewAmount(11),
		AttachedValue: domain.NewAmount(15),
		PlatformFee:   domain.NewAmount(5),
		SellerFee:     domain.NewAmount(6),
		Refund:        domain.NewAmount(4),
		CreatedAt:     suiteTime,
		Transfers: []domain.Transfer{
			{ID: id + "-refund", SettlementID: id, Seq: 2, Kind: domain.TransferRefund, Recipient: buyer, Amount: domain.NewAmount(4), Status: domain.TransferPending, UpdatedAt: suiteTime},
			{ID: id + "-payout", SettlementID: id, Seq: 1, Kind: domain.TransferPayout, Recipient: "seller.near", Amount: domain.NewAmount(6), Status: domain.TransferPending, UpdatedAt: suiteTime},
		},
	}
}

// runStoreSuite checks the behavior every port.Store backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) port.Store) {
	t.Run("catalog", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)

		err := store.Update(ctx, func(tx port.Tx) error {
			for _, item := range []domain.Item{suiteItem(1, "Chess"), suiteItem(2, "Go")} {
				if err := tx.Catalog().Insert(ctx, item); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = store.View(ctx, func(tx port.Tx) error {
			n, err := tx.Catalog().Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), n)

			item, err := tx.Catalog().Get(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, "Go", item.Title)
			assert.Equal(t, "340282366920938463463374607431768211455", item.Price.String())
			assert.True(t, item.PublishedAt.Equal(suiteTime))

			_, err = tx.Catalog().Get(ctx, 3)
			assert.True(t, errors.Is(err, domain.ErrItemNotFound), "got %v", err)

			var titles []string
			for item, err := range tx.Catalog().Items(ctx) {
				require.NoError(t, err)
				titles = append(titles, item.Title)
			}
			assert.Equal(t, []string{"Chess", "Go"}, titles)
			return nil
		})
		require.NoError(t, err)

		err = store.Update(ctx, func(tx port.Tx) error {
			return tx.Catalog().Insert(ctx, suiteItem(2, "Again"))
		})
		assert.Error(t, err)
	})

	t.Run("rollback", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		boom := errors.New("boom")

		err := store.Update(ctx, func(tx port.Tx) error {
			if err := tx.Catalog().Insert(ctx, suiteItem(1, "Chess")); err != nil {
				return err
			}
			if err := tx.Ledger().Append(ctx, 1, "bob.near"); err != nil {
				return err
			}
			if err := tx.Outbox().Schedule(ctx, suiteSettlement("s-1", 1, "bob.near")); err != nil {
				return err
			}
			return boom
		})
		require.True(t, errors.Is(err, boom))

		err = store.View(ctx, func(tx port.Tx) error {
			n, err := tx.Catalog().Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			ok, err := tx.Ledger().Contains(ctx, 1, "bob.near")
			require.NoError(t, err)
			assert.False(t, ok)

			pending, err := tx.Outbox().Pending(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, pending)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("view is read-only", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)

		err := store.View(ctx, func(tx port.Tx) error {
			return tx.Catalog().Insert(ctx, suiteItem(1, "Chess"))
		})
		assert.True(t, errors.Is(err, ErrReadOnly), "got %v", err)
	})

	t.Run("ledger", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)

		err := store.Update(ctx, func(tx port.Tx) error {
			for _, id := range []domain.ItemID{1, 2} {
				if err := tx.Catalog().Insert(ctx, suiteItem(id, "App")); err != nil {
					return err
				}
			}
			for _, p := range []struct {
				item  domain.ItemID
				buyer domain.Identity
			}{{2, "carol.near"}, {2, "alice.near"}, {1, "alice.near"}} {
				if err := tx.Ledger().Append(ctx, p.item, p.buyer); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = store.Update(ctx, func(tx port.Tx) error {
			return tx.Ledger().Append(ctx, 2, "alice.near")
		})
		assert.True(t, errors.Is(err, domain.ErrAlreadyPurchased), "got %v", err)

		err = store.View(ctx, func(tx port.Tx) error {
			buyers, err := tx.Ledger().Buyers(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, []domain.Identity{"carol.near", "alice.near"}, buyers)

			ids, err := tx.Ledger().ItemsOf(ctx, "alice.near")
			require.NoError(t, err)
			assert.Equal(t, []domain.ItemID{1, 2}, ids)

			buyers, err = tx.Ledger().Buyers(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, []domain.Identity{"alice.near"}, buyers)

			buyers, err = tx.Ledger().Buyers(ctx, 3)
			require.NoError(t, err)
			assert.NotNil(t, buyers)
			assert.Empty(t, buyers)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("outbox", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)

		err := store.Update(ctx, func(tx port.Tx) error {
			if err := tx.Catalog().Insert(ctx, suiteItem(1, "Chess")); err != nil {
				return err
			}
			if err := tx.Outbox().Schedule(ctx, suiteSettlement("s-1", 1, "bob.near")); err != nil {
				return err
			}
			return tx.Outbox().Schedule(ctx, suiteSettlement("s-2", 1, "carol.near"))
		})
		require.NoError(t, err)

		err = store.View(ctx, func(tx port.Tx) error {
			pending, err := tx.Outbox().Pending(ctx, 0)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "s-1", pending[0].ID)

			limited, err := tx.Outbox().Pending(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			s, err := tx.Outbox().Get(ctx, "s-1")
			require.NoError(t, err)
			require.Len(t, s.Transfers, 2)
			assert.Equal(t, domain.TransferPayout, s.Transfers[0].Kind)
			assert.Equal(t, domain.TransferRefund, s.Transfers[1].Kind)
			assert.Equal(t, "6", s.Transfers[0].Amount.String())
			assert.Equal(t, "4", s.Refund.String())
			assert.Equal(t, domain.Identity("bob.near"), s.Buyer)

			_, err = tx.Outbox().Get(ctx, "missing")
			assert.True(t, errors.Is(err, ErrSettlementNotFound), "got %v", err)
			return nil
		})
		require.NoError(t, err)

		err = store.Update(ctx, func(tx port.Tx) error {
			if err := tx.Outbox().MarkTransfer(ctx, "s-1-payout", domain.TransferFailed, "rejected"); err != nil {
				return err
			}
			return tx.Outbox().MarkTransfer(ctx, "s-1-refund", domain.TransferCompleted, "")
		})
		require.NoError(t, err)

		err = store.Update(ctx, func(tx port.Tx) error {
			return tx.Outbox().MarkTransfer(ctx, "nope", domain.TransferCompleted, "")
		})
		assert.True(t, errors.Is(err, ErrTransferNotFound), "got %v", err)

		err = store.View(ctx, func(tx port.Tx) error {
			s, err := tx.Outbox().Get(ctx, "s-1")
			require.NoError(t, err)
			assert.False(t, s.Pending())
			assert.Equal(t, domain.TransferFailed, s.Transfers[0].Status)
			assert.Equal(t, "rejected", s.Transfers[0].LastError)
			assert.Equal(t, domain.TransferCompleted, s.Transfers[1].Status)

			pending, err := tx.Outbox().Pending(ctx, 0)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "s-2", pending[0].ID)
			return nil
		})
		require.NoError(t, err)

		err = store.Update(ctx, func(tx port.Tx) error {
			return tx.Outbox().Schedule(ctx, suiteSettlement("s-2", 1, "carol.near"))
		})
		assert.True(t, errors.Is(err, ErrSettlementExists), "got %v", err)
	})
}
