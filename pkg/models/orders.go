package models

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of a ticket order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderFailed   OrderStatus = "failed"
	OrderRefunded OrderStatus = "refunded"
)

// ParseOrderStatus validates a raw status string from storage or transport.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case OrderPending, OrderPaid, OrderFailed, OrderRefunded:
		return OrderStatus(s), nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Order represents a ticket purchase moving through the settlement lifecycle
type Order struct {
	ID          string      `json:"id" db:"id"`
	EventID     string      `json:"event_id" db:"event_id"`
	OrganizerID string      `json:"organizer_id" db:"organizer_id"`
	BuyerEmail  string      `json:"buyer_email" db:"buyer_email"`
	BuyerName   string      `json:"buyer_name" db:"buyer_name"`
	Status      OrderStatus `json:"status" db:"status"`

	// Money (integer cents)
	TotalCents  int64  `json:"total_cents" db:"total_cents"`
	Currency    string `json:"currency" db:"currency"`
	RefundCents int64  `json:"refund_cents" db:"refund_cents"`

	// Processor correlation
	Processor string `json:"processor" db:"processor"`
	ChargeRef string `json:"charge_ref,omitempty" db:"charge_ref"`

	// Attribution: set when a staff/associate referral link sold the order
	StaffID *string `json:"staff_id,omitempty" db:"staff_id"`

	FailureReason *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	PaidAt        *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// OrderItem is one ticket tier line within an order
type OrderItem struct {
	ID             string `json:"id" db:"id"`
	OrderID        string `json:"order_id" db:"order_id"`
	TierName       string `json:"tier_name" db:"tier_name"`
	UnitPriceCents int64  `json:"unit_price_cents" db:"unit_price_cents"`
	Quantity       int    `json:"quantity" db:"quantity"`
}
