package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	boxofficeapi "github.com/stepperslife/settlement/pkg/api/boxoffice"
	"github.com/stepperslife/settlement/pkg/kafka"
	"github.com/stepperslife/settlement/pkg/logging"
	"github.com/stepperslife/settlement/pkg/middleware"
	"github.com/stepperslife/settlement/pkg/models"
)

// Commission Distributor
//
// Runs after an order reaches PAID. Entries are append-only: a refund
// writes negated reversal rows instead of deleting, preserving the audit
// trail. At-most-once per (order, staff) pair is guarded twice, by the
// state machine's idempotent transition and by an existence pre-check.

// commissionForSale computes the cents owed for one attributed sale.
// Percentage commissions round half-up; fixed commissions apply once per
// ticket sold, never per dollar.
func commissionForSale(a *models.StaffAssignment, grossCents int64, ticketCount int64) int64 {
	switch a.CommissionType {
	case models.CommissionPercentage:
		return (grossCents*a.CommissionValue + 50) / 100
	case models.CommissionFixed:
		return a.CommissionValue * ticketCount
	default:
		return 0
	}
}

// DistributeCommissions writes commission entries for a paid order.
// Unassisted sales (no staff attribution) produce no entries.
func DistributeCommissions(ctx context.Context, orderID string) error {
	var order models.Order
	err := db.QueryRowContext(ctx, `
		SELECT id, event_id, organizer_id, total_cents, staff_id, status
		FROM boxoffice.orders
		WHERE id = $1
	`, orderID).Scan(&order.ID, &order.EventID, &order.OrganizerID,
		&order.TotalCents, &order.StaffID, &order.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	if order.StaffID == nil || *order.StaffID == "" {
		logger.WithFields(logging.Fields{
			"order_id": orderID,
		}).Info("Unassisted sale, no commission due")
		return nil
	}

	var assignment models.StaffAssignment
	err = db.QueryRowContext(ctx, `
		SELECT id, event_id, user_id, role, commission_type, commission_value,
		       allocated_tickets, can_scan, created_at
		FROM boxoffice.staff_assignments
		WHERE event_id = $1 AND user_id = $2
	`, order.EventID, *order.StaffID).Scan(
		&assignment.ID, &assignment.EventID, &assignment.UserID, &assignment.Role,
		&assignment.CommissionType, &assignment.CommissionValue,
		&assignment.AllocatedTickets, &assignment.CanScan, &assignment.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		logger.WithFields(logging.Fields{
			"order_id": orderID,
			"staff_id": *order.StaffID,
			"event_id": order.EventID,
		}).Warn("Attributed seller has no roster assignment, skipping commission")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load staff assignment: %w", err)
	}

	// At-most-once per (order, staff)
	var existingID string
	err = db.QueryRowContext(ctx, `
		SELECT id FROM boxoffice.commission_entries
		WHERE order_id = $1 AND staff_id = $2 AND reversal = false
	`, orderID, assignment.UserID).Scan(&existingID)
	if err == nil {
		logger.WithFields(logging.Fields{
			"order_id": orderID,
			"staff_id": assignment.UserID,
		}).Info("Commission already recorded, skipping")
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing commission: %w", err)
	}

	var ticketCount int64
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM boxoffice.order_items WHERE order_id = $1
	`, orderID).Scan(&ticketCount)
	if err != nil {
		return fmt.Errorf("failed to count order items: %w", err)
	}
	if ticketCount == 0 {
		ticketCount = 1
	}

	commissionCents := commissionForSale(&assignment, order.TotalCents, ticketCount)

	entryID := uuid.New().String()
	_, err = db.ExecContext(ctx, `
		INSERT INTO boxoffice.commission_entries (
			id, order_id, staff_id, event_id, gross_sale_cents,
			commission_cents, payment_method, reversal
		) VALUES ($1, $2, $3, $4, $5, $6, 'online', false)
	`, entryID, orderID, assignment.UserID, order.EventID, order.TotalCents, commissionCents)
	if err != nil {
		return fmt.Errorf("failed to record commission: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id":         orderID,
		"staff_id":         assignment.UserID,
		"commission_cents": commissionCents,
		"commission_type":  assignment.CommissionType,
	}).Info("Recorded commission entry")

	if metrics != nil {
		metrics.CommissionEntries.WithLabelValues("recorded").Inc()
	}
	emitSettlementEvent(kafka.EventCommissionRecorded, order.OrganizerID, "commission_entry", entryID, map[string]interface{}{
		"order_id":         orderID,
		"staff_id":         assignment.UserID,
		"commission_cents": commissionCents,
	})

	return nil
}

// ReverseCommissions appends negated entries for every commission
// previously recorded for the order. Idempotent: already-reversed
// entries are skipped.
func ReverseCommissions(ctx context.Context, orderID string) error {
	rows, err := db.QueryContext(ctx, `
		SELECT e.id, e.staff_id, e.event_id, e.gross_sale_cents,
		       e.commission_cents, e.payment_method
		FROM boxoffice.commission_entries e
		WHERE e.order_id = $1 AND e.reversal = false
		  AND NOT EXISTS (
			SELECT 1 FROM boxoffice.commission_entries r
			WHERE r.order_id = e.order_id AND r.staff_id = e.staff_id AND r.reversal = true
		  )
	`, orderID)
	if err != nil {
		return fmt.Errorf("failed to load commission entries: %w", err)
	}
	defer rows.Close()

	type pending struct {
		staffID, eventID, method string
		gross, commission        int64
	}
	var reversals []pending
	for rows.Next() {
		var p pending
		var sourceID string
		if err := rows.Scan(&sourceID, &p.staffID, &p.eventID, &p.gross, &p.commission, &p.method); err != nil {
			return fmt.Errorf("failed to scan commission entry: %w", err)
		}
		reversals = append(reversals, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate commission entries: %w", err)
	}

	var organizerID string
	for _, p := range reversals {
		entryID := uuid.New().String()
		_, err = db.ExecContext(ctx, `
			INSERT INTO boxoffice.commission_entries (
				id, order_id, staff_id, event_id, gross_sale_cents,
				commission_cents, payment_method, reversal
			) VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		`, entryID, orderID, p.staffID, p.eventID, -p.gross, -p.commission, p.method)
		if err != nil {
			return fmt.Errorf("failed to record commission reversal: %w", err)
		}

		logger.WithFields(logging.Fields{
			"order_id":         orderID,
			"staff_id":         p.staffID,
			"commission_cents": -p.commission,
		}).Info("Recorded commission reversal")

		if metrics != nil {
			metrics.CommissionEntries.WithLabelValues("reversed").Inc()
		}
		if producer != nil {
			if organizerID == "" {
				// Resolve lazily, only when there is something to emit
				_ = db.QueryRowContext(ctx, `
					SELECT organizer_id FROM boxoffice.orders WHERE id = $1
				`, orderID).Scan(&organizerID)
			}
			emitSettlementEvent(kafka.EventCommissionReversed, organizerID, "commission_entry", entryID, map[string]interface{}{
				"order_id": orderID,
				"staff_id": p.staffID,
			})
		}
	}

	return nil
}

// CopyRoster copies staff assignments from one event to another. Additive:
// sellers already assigned on the target keep their existing terms.
// Allocations are zeroed unless copyAllocations is set.
func CopyRoster(ctx context.Context, sourceEventID, targetEventID string, copyAllocations bool) (copied, skipped int, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, role, commission_type, commission_value,
		       allocated_tickets, can_scan
		FROM boxoffice.staff_assignments
		WHERE event_id = $1
	`, sourceEventID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load source roster: %w", err)
	}
	defer rows.Close()

	var source []models.StaffAssignment
	for rows.Next() {
		var a models.StaffAssignment
		if err := rows.Scan(&a.UserID, &a.Role, &a.CommissionType,
			&a.CommissionValue, &a.AllocatedTickets, &a.CanScan); err != nil {
			return 0, 0, fmt.Errorf("failed to scan assignment: %w", err)
		}
		source = append(source, a)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate source roster: %w", err)
	}

	for _, a := range source {
		allocated := 0
		if copyAllocations {
			allocated = a.AllocatedTickets
		}
		res, err := db.ExecContext(ctx, `
			INSERT INTO boxoffice.staff_assignments (
				id, event_id, user_id, role, commission_type,
				commission_value, allocated_tickets, can_scan
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id, user_id) DO NOTHING
		`, uuid.New().String(), targetEventID, a.UserID, a.Role,
			a.CommissionType, a.CommissionValue, allocated, a.CanScan)
		if err != nil {
			return copied, skipped, fmt.Errorf("failed to copy assignment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
		} else {
			copied++
		}
	}

	logger.WithFields(logging.Fields{
		"source_event": sourceEventID,
		"target_event": targetEventID,
		"copied":       copied,
		"skipped":      skipped,
	}).Info("Copied staff roster")

	return copied, skipped, nil
}

// HTTP surface

// GetEventRoster handles GET /events/:event_id/roster
func GetEventRoster(c middleware.Context) {
	eventID := c.Param("event_id")

	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, event_id, user_id, role, commission_type, commission_value,
		       allocated_tickets, can_scan, created_at
		FROM boxoffice.staff_assignments
		WHERE event_id = $1
		ORDER BY created_at ASC
	`, eventID)
	if err != nil {
		logger.WithFields(logging.Fields{"error": err, "event_id": eventID}).Error("Failed to load roster")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to load roster"})
		return
	}
	defer rows.Close()

	var roster []models.StaffAssignment
	for rows.Next() {
		var a models.StaffAssignment
		if err := rows.Scan(&a.ID, &a.EventID, &a.UserID, &a.Role,
			&a.CommissionType, &a.CommissionValue, &a.AllocatedTickets,
			&a.CanScan, &a.CreatedAt); err != nil {
			logger.WithFields(logging.Fields{"error": err}).Error("Error scanning assignment")
			continue
		}
		roster = append(roster, a)
	}

	c.JSON(http.StatusOK, roster)
}

// PostCopyRoster handles POST /roster/copy
func PostCopyRoster(c middleware.Context) {
	var req boxofficeapi.CopyRosterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	copied, skipped, err := CopyRoster(c.Request.Context(), req.SourceEventID, req.TargetEventID, req.CopyAllocations)
	if err != nil {
		logger.WithFields(logging.Fields{
			"error":        err,
			"source_event": req.SourceEventID,
			"target_event": req.TargetEventID,
		}).Error("Failed to copy roster")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to copy roster"})
		return
	}

	c.JSON(http.StatusOK, boxofficeapi.CopyRosterResponse{Copied: copied, Skipped: skipped})
}

// GetEventCommissions handles GET /events/:event_id/commissions
func GetEventCommissions(c middleware.Context) {
	eventID := c.Param("event_id")

	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, order_id, staff_id, event_id, gross_sale_cents,
		       commission_cents, payment_method, reversal, created_at
		FROM boxoffice.commission_entries
		WHERE event_id = $1
		ORDER BY created_at DESC
	`, eventID)
	if err != nil {
		logger.WithFields(logging.Fields{"error": err, "event_id": eventID}).Error("Failed to load commissions")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to load commissions"})
		return
	}
	defer rows.Close()

	var entries []models.CommissionEntry
	for rows.Next() {
		var e models.CommissionEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.StaffID, &e.EventID,
			&e.GrossSaleCents, &e.CommissionCents, &e.PaymentMethod,
			&e.Reversal, &e.CreatedAt); err != nil {
			logger.WithFields(logging.Fields{"error": err}).Error("Error scanning commission entry")
			continue
		}
		entries = append(entries, e)
	}

	c.JSON(http.StatusOK, entries)
}
