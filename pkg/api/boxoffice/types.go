package boxoffice

import (
	"github.com/stepperslife/settlement/pkg/api/common"
	"github.com/stepperslife/settlement/pkg/models"
)

// ErrorResponse is the standard error envelope shared across services
type ErrorResponse = common.ErrorResponse

// SuccessResponse is the standard success envelope shared across services
type SuccessResponse = common.SuccessResponse

// FeeQuoteResponse is the response from the fee quote API
type FeeQuoteResponse = models.FeeQuote

// FeeComparison holds both pricing models quoted for the same sale
type FeeComparison struct {
	PriceCents int64           `json:"price_cents"`
	Quantity   int             `json:"quantity"`
	Prepay     models.FeeQuote `json:"prepay"`
	PayPerSale models.FeeQuote `json:"pay_per_sale"`
}

// CreateOrderRequest starts a checkout for one or more ticket tiers
type CreateOrderRequest struct {
	EventID    string             `json:"event_id" binding:"required"`
	BuyerEmail string             `json:"buyer_email" binding:"required,email"`
	BuyerName  string             `json:"buyer_name"`
	Items      []OrderItemRequest `json:"items" binding:"required,min=1"`
	StaffID    string             `json:"staff_id,omitempty"` // referral attribution
	SuccessURL string             `json:"success_url"`
	CancelURL  string             `json:"cancel_url"`
}

// OrderItemRequest is one tier line in a checkout request
type OrderItemRequest struct {
	TierName       string `json:"tier_name" binding:"required"`
	UnitPriceCents int64  `json:"unit_price_cents" binding:"min=0"`
	Quantity       int    `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse returns the pending order and where to send the buyer
type CreateOrderResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	TotalCents  int64  `json:"total_cents"`
	BuyerTotal  int64  `json:"buyer_total_cents"`
	Processor   string `json:"processor"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

// PurchaseCreditsRequest records a settled credit purchase
type PurchaseCreditsRequest struct {
	OrganizerID string `json:"organizer_id" binding:"required"`
	Units       int64  `json:"units" binding:"required,min=1"`
	AmountCents int64  `json:"amount_cents" binding:"min=0"`
	ExternalRef string `json:"external_ref" binding:"required"`
}

// CreditBalanceResponse reports an organizer's ledger state
type CreditBalanceResponse struct {
	OrganizerID      string `json:"organizer_id"`
	TotalCredits     int64  `json:"total_credits"`
	UsedCredits      int64  `json:"used_credits"`
	RemainingCredits int64  `json:"remaining_credits"`
}

// PrepayCheckResponse answers whether a prepay sale can proceed
type PrepayCheckResponse struct {
	Allowed   bool  `json:"allowed"`
	Shortfall int64 `json:"shortfall,omitempty"`
}

// CopyRosterRequest copies staff assignments between events
type CopyRosterRequest struct {
	SourceEventID   string `json:"source_event_id" binding:"required"`
	TargetEventID   string `json:"target_event_id" binding:"required"`
	CopyAllocations bool   `json:"copy_allocations"`
}

// CopyRosterResponse reports how many assignments were copied
type CopyRosterResponse struct {
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
}
