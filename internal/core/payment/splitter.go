// Package payment splits an app price between the platform and the seller
// and schedules the resulting transfers.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

// Fees is the split of one price. Platform + Seller == price, and an odd
// remainder unit goes to the seller.
type Fees struct {
	Platform domain.Amount
	Seller   domain.Amount
}

// Split computes platform = floor(price/2) and seller = price - platform.
func Split(price domain.Amount) Fees {
	platform := price.Half()
	return Fees{Platform: platform, Seller: price.Sub(platform)}
}

type Splitter struct {
	newID func() string
}

func NewSplitter() *Splitter {
	return &Splitter{newID: uuid.NewString}
}

// Plan builds the settlement for buyer paying attached for item. Transfers
// are ordered: seller payout first, then a refund of any overpayment.
func (s *Splitter) Plan(item domain.Item, buyer domain.Identity, attached domain.Amount, now time.Time) (domain.Settlement, error) {
	if attached.LessThan(item.Price) {
		return domain.Settlement{}, fmt.Errorf("%w: provided deposit '%s' is less than app price '%s'",
			domain.ErrInsufficientPayment, attached, item.Price)
	}
	fees := Split(item.Price)
	now = now.UTC().Truncate(time.Millisecond)

	settlement := domain.Settlement{
		ID:            s.newID(),
		ItemID:        item.ID,
		Buyer:         buyer,
		Seller:        item.Publisher,
		Price:         item.Price,
		AttachedValue: attached,
		PlatformFee:   fees.Platform,
		SellerFee:     fees.Seller,
		Refund:        attached.Sub(item.Price),
		CreatedAt:     now,
	}
	settlement.Transfers = append(settlement.Transfers, s.transfer(settlement, domain.TransferPayout, item.Publisher, fees.Seller, now))
	if settlement.Refund.IsPositive() {
		settlement.Transfers = append(settlement.Transfers, s.transfer(settlement, domain.TransferRefund, buyer, settlement.Refund, now))
	}
	return settlement, nil
}

func (s *Splitter) transfer(settlement domain.Settlement, kind domain.TransferKind, to domain.Identity, amount domain.Amount, now time.Time) domain.Transfer {
	return domain.Transfer{
		ID:           s.newID(),
		SettlementID: settlement.ID,
		Seq:          len(settlement.Transfers) + 1,
		Kind:         kind,
		Recipient:    to,
		Amount:       amount,
		Status:       domain.TransferPending,
		UpdatedAt:    now,
	}
}

// Issue schedules settlement on the deferred queue. It does not wait for any
// transfer to execute.
func (s *Splitter) Issue(ctx context.Context, outbox port.TransferOutbox, settlement domain.Settlement) error {
	if err := outbox.Schedule(ctx, settlement); err != nil {
		return fmt.Errorf("schedule settlement %s: %w", settlement.ID, err)
	}
	return nil
}
