package models

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PaymentModel selects how an event's platform fees are settled.
type PaymentModel string

const (
	// ModelPrepay settles through the organizer's prepaid credit ledger.
	ModelPrepay PaymentModel = "prepay"
	// ModelPayPerSale deducts platform fees from each captured charge.
	ModelPayPerSale PaymentModel = "pay_per_sale"
)

// ParsePaymentModel validates a raw pricing model string.
func ParsePaymentModel(s string) (PaymentModel, error) {
	switch PaymentModel(s) {
	case ModelPrepay, ModelPayPerSale:
		return PaymentModel(s), nil
	}
	return "", fmt.Errorf("unknown payment model %q", s)
}

// Payment processor identifiers as stored on orders and configs.
const (
	ProcessorStripe = "stripe"
	ProcessorMollie = "mollie"
	ProcessorWhish  = "whish"
)

// EventPaymentConfig is the per-event pricing configuration. It is written
// by event management and read-only here. Nil rate overrides fall back to
// the platform defaults.
type EventPaymentConfig struct {
	EventID     string       `json:"event_id" db:"event_id"`
	OrganizerID string       `json:"organizer_id" db:"organizer_id"`
	Model       PaymentModel `json:"payment_model" db:"payment_model"`
	IsActive    bool         `json:"is_active" db:"is_active"`

	Processor      string         `json:"processor" db:"processor"`
	PaymentMethods pq.StringArray `json:"payment_methods" db:"payment_methods"`

	// Discount flags, each halves the pay-per-sale platform rates
	CharityDiscount  bool `json:"charity_discount" db:"charity_discount"`
	LowPriceDiscount bool `json:"low_price_discount" db:"low_price_discount"`

	// Rate overrides (basis points / cents), nil means platform default
	PlatformPctBps     *int64 `json:"platform_pct_bps,omitempty" db:"platform_pct_bps"`
	PlatformFixedCents *int64 `json:"platform_fixed_cents,omitempty" db:"platform_fixed_cents"`
	ProcessingPctBps   *int64 `json:"processing_pct_bps,omitempty" db:"processing_pct_bps"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FeeQuote is the full fee breakdown for one ticket at one price.
// All amounts are integer cents.
type FeeQuote struct {
	Model          PaymentModel `json:"model"`
	PriceCents     int64        `json:"price_cents"`
	PlatformFee    int64        `json:"platform_fee_cents"`
	ProcessingFee  int64        `json:"processing_fee_cents"`
	BuyerTotal     int64        `json:"buyer_total_cents"`
	OrganizerNet   int64        `json:"organizer_net_cents"`
	CreditsCharged int64        `json:"credits_charged"`
}

// ProcessorAccount mirrors a marketplace sub-account's capability state as
// reported by the processor. Consumed by payout tooling, not by this core.
type ProcessorAccount struct {
	AccountRef       string    `json:"account_ref" db:"account_ref"`
	OrganizerID      string    `json:"organizer_id" db:"organizer_id"`
	ChargesEnabled   bool      `json:"charges_enabled" db:"charges_enabled"`
	PayoutsEnabled   bool      `json:"payouts_enabled" db:"payouts_enabled"`
	DetailsSubmitted bool      `json:"details_submitted" db:"details_submitted"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
