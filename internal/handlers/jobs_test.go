package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/stepperslife/settlement/internal/whish"
)

func TestJobManagerStopIsClean(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	jm := NewJobManager(mockDB, logrus.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.Start(ctx)
	// Reconciliation is disabled without a whish client; Stop must not hang
	done := make(chan struct{})
	go func() {
		jm.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("JobManager.Stop did not return")
	}
}

func TestReconcileStaleWhishOrdersNoStaleOrders(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	client, err := whish.NewClient(whish.Config{
		Channel:    "chan",
		Secret:     "secret",
		WebsiteURL: "https://example.test",
		Logger:     logrus.New(),
	})
	if err != nil {
		t.Fatalf("failed to create whish client: %v", err)
	}

	jm := NewJobManager(mockDB, logrus.New(), client)

	mock.ExpectQuery("SELECT id, currency FROM boxoffice.orders").
		WillReturnRows(sqlmock.NewRows([]string{"id", "currency"}))

	jm.reconcileStaleWhishOrders(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
