package models

import (
	"fmt"
	"time"
)

// StaffRole classifies who sells on behalf of an organizer.
type StaffRole string

const (
	RoleStaff      StaffRole = "staff"
	RoleTeamMember StaffRole = "team_member"
	RoleAssociate  StaffRole = "associate"
)

// CommissionType selects how a seller's cut is computed.
type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

// ParseCommissionType validates a raw commission type string.
func ParseCommissionType(s string) (CommissionType, error) {
	switch CommissionType(s) {
	case CommissionPercentage, CommissionFixed:
		return CommissionType(s), nil
	}
	return "", fmt.Errorf("unknown commission type %q", s)
}

// StaffAssignment attaches a seller to an event with their commission terms
type StaffAssignment struct {
	ID      string    `json:"id" db:"id"`
	EventID string    `json:"event_id" db:"event_id"`
	UserID  string    `json:"user_id" db:"user_id"`
	Role    StaffRole `json:"role" db:"role"`

	CommissionType  CommissionType `json:"commission_type" db:"commission_type"`
	CommissionValue int64          `json:"commission_value" db:"commission_value"`

	AllocatedTickets int  `json:"allocated_tickets" db:"allocated_tickets"`
	CanScan          bool `json:"can_scan" db:"can_scan"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CommissionEntry is one append-only commission record for an order/staff
// pair. Reversal entries negate a prior entry's amounts.
type CommissionEntry struct {
	ID              string    `json:"id" db:"id"`
	OrderID         string    `json:"order_id" db:"order_id"`
	StaffID         string    `json:"staff_id" db:"staff_id"`
	EventID         string    `json:"event_id" db:"event_id"`
	GrossSaleCents  int64     `json:"gross_sale_cents" db:"gross_sale_cents"`
	CommissionCents int64     `json:"commission_cents" db:"commission_cents"`
	PaymentMethod   string    `json:"payment_method" db:"payment_method"`
	Reversal        bool      `json:"reversal" db:"reversal"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
