package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/stepperslife/settlement/pkg/models"
)

func TestCommissionForSale(t *testing.T) {
	pct := &models.StaffAssignment{CommissionType: models.CommissionPercentage, CommissionValue: 10}
	if got := commissionForSale(pct, 3000, 2); got != 300 {
		t.Errorf("10%% of 3000 = %d, want 300", got)
	}
	// round half-up: 7% of 2550 = 178.5 -> 179
	pct.CommissionValue = 7
	if got := commissionForSale(pct, 2550, 1); got != 179 {
		t.Errorf("7%% of 2550 = %d, want 179", got)
	}

	fixed := &models.StaffAssignment{CommissionType: models.CommissionFixed, CommissionValue: 150}
	if got := commissionForSale(fixed, 99999, 3); got != 450 {
		t.Errorf("fixed 150 x 3 tickets = %d, want 450", got)
	}
	// fixed pays per ticket, never per dollar
	if got := commissionForSale(fixed, 100, 3); got != 450 {
		t.Errorf("fixed commission varied with sale size: %d", got)
	}
}

func expectOrderLoad(mock sqlmock.Sqlmock, orderID string, staffID interface{}, totalCents int64) {
	mock.ExpectQuery("SELECT id, event_id, organizer_id, total_cents, staff_id, status").
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "organizer_id", "total_cents", "staff_id", "status"}).
			AddRow(orderID, "event-1", "org-1", totalCents, staffID, "paid"))
}

func TestDistributeCommissionsUnassistedSale(t *testing.T) {
	mock := newMockDB(t)

	expectOrderLoad(mock, "order-1", nil, 3000)

	if err := DistributeCommissions(context.Background(), "order-1"); err != nil {
		t.Fatalf("unassisted sale must not error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unassisted sale wrote entries: %v", err)
	}
}

func TestDistributeCommissionsPercentage(t *testing.T) {
	mock := newMockDB(t)

	expectOrderLoad(mock, "order-1", "staff-1", 3000)

	mock.ExpectQuery("SELECT id, event_id, user_id, role, commission_type").
		WithArgs("event-1", "staff-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "user_id", "role", "commission_type",
			"commission_value", "allocated_tickets", "can_scan", "created_at",
		}).AddRow("assign-1", "event-1", "staff-1", "staff", "percentage", 10, 0, true, time.Now()))

	mock.ExpectQuery("SELECT id FROM boxoffice.commission_entries").
		WithArgs("order-1", "staff-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(quantity\\), 0\\)").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(2))

	mock.ExpectExec("INSERT INTO boxoffice.commission_entries").
		WithArgs(sqlmock.AnyArg(), "order-1", "staff-1", "event-1", int64(3000), int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := DistributeCommissions(context.Background(), "order-1"); err != nil {
		t.Fatalf("DistributeCommissions returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDistributeCommissionsExistingEntrySkips(t *testing.T) {
	mock := newMockDB(t)

	expectOrderLoad(mock, "order-1", "staff-1", 3000)

	mock.ExpectQuery("SELECT id, event_id, user_id, role, commission_type").
		WithArgs("event-1", "staff-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "user_id", "role", "commission_type",
			"commission_value", "allocated_tickets", "can_scan", "created_at",
		}).AddRow("assign-1", "event-1", "staff-1", "staff", "percentage", 10, 0, true, time.Now()))

	mock.ExpectQuery("SELECT id FROM boxoffice.commission_entries").
		WithArgs("order-1", "staff-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entry-1"))

	// No insert expected
	if err := DistributeCommissions(context.Background(), "order-1"); err != nil {
		t.Fatalf("existing entry must be a no-op: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("duplicate distribution wrote an entry: %v", err)
	}
}

func TestDistributeCommissionsNoRosterAssignment(t *testing.T) {
	mock := newMockDB(t)

	expectOrderLoad(mock, "order-1", "stranger", 3000)

	mock.ExpectQuery("SELECT id, event_id, user_id, role, commission_type").
		WithArgs("event-1", "stranger").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := DistributeCommissions(context.Background(), "order-1"); err != nil {
		t.Fatalf("missing roster assignment must not error: %v", err)
	}
}

func TestReverseCommissionsNegatesEntries(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectQuery("SELECT e.id, e.staff_id, e.event_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "staff_id", "event_id", "gross_sale_cents", "commission_cents", "payment_method"}).
			AddRow("entry-1", "staff-1", "event-1", 3000, 300, "online").
			AddRow("entry-2", "staff-2", "event-1", 3000, 150, "online"))

	mock.ExpectExec("INSERT INTO boxoffice.commission_entries").
		WithArgs(sqlmock.AnyArg(), "order-1", "staff-1", "event-1", int64(-3000), int64(-300), "online").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO boxoffice.commission_entries").
		WithArgs(sqlmock.AnyArg(), "order-1", "staff-2", "event-1", int64(-3000), int64(-150), "online").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := ReverseCommissions(context.Background(), "order-1"); err != nil {
		t.Fatalf("ReverseCommissions returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReverseCommissionsAlreadyReversedIsNoOp(t *testing.T) {
	mock := newMockDB(t)

	// The NOT EXISTS filter excludes already-reversed entries
	mock.ExpectQuery("SELECT e.id, e.staff_id, e.event_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "staff_id", "event_id", "gross_sale_cents", "commission_cents", "payment_method"}))

	if err := ReverseCommissions(context.Background(), "order-1"); err != nil {
		t.Fatalf("second reversal must be a no-op: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("second reversal wrote entries: %v", err)
	}
}

func TestCopyRosterZeroesAllocations(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectQuery("SELECT user_id, role, commission_type, commission_value").
		WithArgs("source-event").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "role", "commission_type", "commission_value", "allocated_tickets", "can_scan",
		}).
			AddRow("staff-1", "staff", "percentage", 10, 25, true).
			AddRow("staff-2", "team_member", "fixed", 150, 50, false).
			AddRow("staff-3", "associate", "percentage", 5, 10, false))

	for _, userID := range []string{"staff-1", "staff-2", "staff-3"} {
		mock.ExpectExec("INSERT INTO boxoffice.staff_assignments").
			WithArgs(sqlmock.AnyArg(), "target-event", userID, sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	copied, skipped, err := CopyRoster(context.Background(), "source-event", "target-event", false)
	if err != nil {
		t.Fatalf("CopyRoster returned error: %v", err)
	}
	if copied != 3 || skipped != 0 {
		t.Fatalf("copied=%d skipped=%d, want 3/0", copied, skipped)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCopyRosterAdditive(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectQuery("SELECT user_id, role, commission_type, commission_value").
		WithArgs("source-event").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "role", "commission_type", "commission_value", "allocated_tickets", "can_scan",
		}).
			AddRow("staff-1", "staff", "percentage", 10, 25, true).
			AddRow("staff-2", "staff", "percentage", 10, 25, true))

	// staff-1 already assigned on the target: conflict, preserved
	mock.ExpectExec("INSERT INTO boxoffice.staff_assignments").
		WithArgs(sqlmock.AnyArg(), "target-event", "staff-1", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), 25, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO boxoffice.staff_assignments").
		WithArgs(sqlmock.AnyArg(), "target-event", "staff-2", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), 25, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	copied, skipped, err := CopyRoster(context.Background(), "source-event", "target-event", true)
	if err != nil {
		t.Fatalf("CopyRoster returned error: %v", err)
	}
	if copied != 1 || skipped != 1 {
		t.Fatalf("copied=%d skipped=%d, want 1/1", copied, skipped)
	}
}
