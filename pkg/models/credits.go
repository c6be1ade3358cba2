package models

import (
	"fmt"
	"time"
)

// FreeCreditAllotment is granted once per organizer when their credit
// account is first created.
const FreeCreditAllotment = 300

// CreditAccount tracks an organizer's prepaid ticket credits.
// Invariant: TotalCredits = UsedCredits + RemainingCredits, all >= 0.
type CreditAccount struct {
	OrganizerID           string    `json:"organizer_id" db:"organizer_id"`
	TotalCredits          int64     `json:"total_credits" db:"total_credits"`
	UsedCredits           int64     `json:"used_credits" db:"used_credits"`
	RemainingCredits      int64     `json:"remaining_credits" db:"remaining_credits"`
	FreeAllotmentConsumed bool      `json:"free_allotment_consumed" db:"free_allotment_consumed"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// TransactionStatus is the lifecycle state of a credit purchase.
type TransactionStatus string

const (
	// TransactionPending is a purchase awaiting processor settlement.
	TransactionPending TransactionStatus = "pending"
	// TransactionCompleted is a settled purchase credited to the ledger.
	TransactionCompleted TransactionStatus = "completed"
)

// ParseTransactionStatus validates a raw status string from storage or transport.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch TransactionStatus(s) {
	case TransactionPending, TransactionCompleted:
		return TransactionStatus(s), nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// CreditTransaction is one append-only purchase of credits.
// ExternalRef carries the processor charge id and dedupes replays.
type CreditTransaction struct {
	ID             string            `json:"id" db:"id"`
	OrganizerID    string            `json:"organizer_id" db:"organizer_id"`
	Units          int64             `json:"units" db:"units"`
	AmountCents    int64             `json:"amount_cents" db:"amount_cents"`
	UnitPriceCents int64             `json:"unit_price_cents" db:"unit_price_cents"`
	ExternalRef    string            `json:"external_ref" db:"external_ref"`
	Status         TransactionStatus `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}
