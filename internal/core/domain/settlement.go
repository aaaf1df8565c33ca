package domain

import "time"

type TransferKind string

const (
	// TransferPayout moves the seller fee to the publisher.
	TransferPayout TransferKind = "payout"
	// TransferRefund returns overpayment to the buyer.
	TransferRefund TransferKind = "refund"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer is one value movement scheduled by a purchase. Seq orders the
// transfers of a settlement; a transfer only runs after every lower Seq.
type Transfer struct {
	ID           string         `json:"id"`
	SettlementID string         `json:"settlement_id"`
	Seq          int            `json:"seq"`
	Kind         TransferKind   `json:"kind"`
	Recipient    Identity       `json:"recipient"`
	Amount       Amount         `json:"amount"`
	Status       TransferStatus `json:"status"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Settlement is the scheduled payment of one purchase. The platform fee has
// no transfer: it stays in the marketplace balance by never leaving it.
type Settlement struct {
	ID            string     `json:"id"`
	ItemID        ItemID     `json:"item_id"`
	Buyer         Identity   `json:"buyer"`
	Seller        Identity   `json:"seller"`
	Price         Amount     `json:"price"`
	AttachedValue Amount     `json:"attached_value"`
	PlatformFee   Amount     `json:"platform_fee"`
	SellerFee     Amount     `json:"seller_fee"`
	Refund        Amount     `json:"refund"`
	Transfers     []Transfer `json:"transfers"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Pending reports whether any transfer still awaits execution.
func (s Settlement) Pending() bool {
	for _, t := range s.Transfers {
		if t.Status == TransferPending {
			return true
		}
	}
	return false
}
