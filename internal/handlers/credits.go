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

// Credit Ledger
//
// One account per organizer, created lazily with the free allotment.
// Every mutation keeps total = used + remaining and remaining >= 0 by
// guarding the UPDATE's WHERE clause; a zero-row update means the guard
// failed and the operation errors instead of clamping.

// InitializeCreditAccount creates the organizer's account with the free
// allotment if none exists. Idempotent; returns the account either way.
func InitializeCreditAccount(ctx context.Context, organizerID string) (*models.CreditAccount, error) {
	if organizerID == "" {
		return nil, fmt.Errorf("organizer id required")
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO boxoffice.credit_accounts (
			organizer_id, total_credits, used_credits, remaining_credits,
			free_allotment_consumed
		) VALUES ($1, $2, 0, $2, false)
		ON CONFLICT (organizer_id) DO NOTHING
	`, organizerID, models.FreeCreditAllotment)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credit account: %w", err)
	}

	return getCreditAccount(ctx, organizerID)
}

func getCreditAccount(ctx context.Context, organizerID string) (*models.CreditAccount, error) {
	var acct models.CreditAccount
	err := db.QueryRowContext(ctx, `
		SELECT organizer_id, total_credits, used_credits, remaining_credits,
		       free_allotment_consumed, created_at, updated_at
		FROM boxoffice.credit_accounts
		WHERE organizer_id = $1
	`, organizerID).Scan(
		&acct.OrganizerID, &acct.TotalCredits, &acct.UsedCredits,
		&acct.RemainingCredits, &acct.FreeAllotmentConsumed,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit account: %w", err)
	}
	return &acct, nil
}

// PurchaseCredits records a settled credit purchase and grows the ledger.
// Replays with the same externalRef are no-ops: settlement already
// happened, so the duplicate is acknowledged as success.
func PurchaseCredits(ctx context.Context, organizerID string, units, amountCents int64, externalRef string) error {
	if units <= 0 {
		return fmt.Errorf("units must be positive")
	}
	if externalRef == "" {
		return fmt.Errorf("external reference required")
	}

	if _, err := InitializeCreditAccount(ctx, organizerID); err != nil {
		return err
	}

	var existingID string
	err := db.QueryRowContext(ctx, `
		SELECT id FROM boxoffice.credit_transactions WHERE external_ref = $1
	`, externalRef).Scan(&existingID)
	if err == nil {
		logger.WithFields(logging.Fields{
			"organizer_id": organizerID,
			"external_ref": externalRef,
		}).Info("Credit purchase already recorded, skipping")
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check for duplicate purchase: %w", err)
	}

	unitPrice := int64(0)
	if amountCents > 0 {
		unitPrice = amountCents / units
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// Lock the owning row so the balance update and the log row commit
	// together against a stable balance.
	var remaining int64
	err = tx.QueryRowContext(ctx, `
		SELECT remaining_credits FROM boxoffice.credit_accounts
		WHERE organizer_id = $1
		FOR UPDATE
	`, organizerID).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("failed to lock credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO boxoffice.credit_transactions (
			id, organizer_id, units, amount_cents, unit_price_cents,
			external_ref, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), organizerID, units, amountCents, unitPrice, externalRef,
		string(models.TransactionCompleted))
	if err != nil {
		return fmt.Errorf("failed to record credit transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE boxoffice.credit_accounts
		SET total_credits = total_credits + $1,
		    remaining_credits = remaining_credits + $1,
		    updated_at = NOW()
		WHERE organizer_id = $2
		  AND total_credits = used_credits + remaining_credits
	`, units, organizerID)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credit account invariant violated for organizer %s", organizerID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit purchase: %w", err)
	}

	logger.WithFields(logging.Fields{
		"organizer_id": organizerID,
		"units":        units,
		"amount_cents": amountCents,
		"external_ref": externalRef,
	}).Info("Credited organizer ledger from purchase")

	if metrics != nil {
		metrics.CreditOperations.WithLabelValues("purchase").Inc()
	}
	emitSettlementEvent(kafka.EventCreditsPurchased, organizerID, "credit_transaction", externalRef, map[string]interface{}{
		"units":        units,
		"amount_cents": amountCents,
	})

	return nil
}

// CanUsePrepay reports whether the organizer holds enough remaining
// credits, and the shortfall when not.
func CanUsePrepay(ctx context.Context, organizerID string, units int64) (bool, int64, error) {
	acct, err := InitializeCreditAccount(ctx, organizerID)
	if err != nil {
		return false, 0, err
	}
	if acct.RemainingCredits >= units {
		return true, 0, nil
	}
	return false, units - acct.RemainingCredits, nil
}

// reserveAndConsume moves units from remaining to used. The WHERE guard
// carries both the balance check and the ledger invariant; zero rows
// affected means insufficient credits (fails closed, never clamps).
func reserveAndConsume(ctx context.Context, tx *sql.Tx, organizerID string, units int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE boxoffice.credit_accounts
		SET used_credits = used_credits + $1,
		    remaining_credits = remaining_credits - $1,
		    updated_at = NOW()
		WHERE organizer_id = $2
		  AND remaining_credits >= $1
		  AND total_credits = used_credits + remaining_credits
	`, units, organizerID)
	if err != nil {
		return fmt.Errorf("failed to consume credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// ConsumeCreditsForOrder settles a prepay order by debiting the ledger.
// The order must still be PENDING and its event under an active prepay
// config; success takes the order straight to PAID and distributes
// commissions. The status guard inside the same transaction keeps a
// racing duplicate from double-debiting.
func ConsumeCreditsForOrder(ctx context.Context, organizerID string, units int64, orderID string) error {
	if units <= 0 {
		return fmt.Errorf("units must be positive")
	}

	cfgOK, err := orderUnderActivePrepay(ctx, orderID, organizerID)
	if err != nil {
		return err
	}
	if !cfgOK {
		return ErrConfigurationMissing
	}

	if _, err := InitializeCreditAccount(ctx, organizerID); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	res, err := tx.ExecContext(ctx, `
		UPDATE boxoffice.orders
		SET status = 'paid', paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND organizer_id = $2 AND status = 'pending'
	`, orderID, organizerID)
	if err != nil {
		return fmt.Errorf("failed to complete order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already settled (or unknown); the ledger must not be touched.
		logger.WithFields(logging.Fields{
			"order_id":     orderID,
			"organizer_id": organizerID,
		}).Warn("Prepay settlement skipped, order not pending")
		return nil
	}

	if err := reserveAndConsume(ctx, tx, organizerID, units); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prepay settlement: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id":     orderID,
		"organizer_id": organizerID,
		"units":        units,
	}).Info("Settled prepay order from credit ledger")

	if metrics != nil {
		metrics.CreditOperations.WithLabelValues("consume").Inc()
		metrics.OrderTransitions.WithLabelValues("paid", "ledger").Inc()
	}
	emitSettlementEvent(kafka.EventCreditsConsumed, organizerID, "order", orderID, map[string]interface{}{
		"units": units,
	})
	emitSettlementEvent(kafka.EventOrderPaid, organizerID, "order", orderID, nil)

	// Commission failures never unwind a completed sale.
	if err := DistributeCommissions(ctx, orderID); err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"order_id": orderID,
		}).Error("Commission distribution failed for paid order, needs reconciliation")
	}

	return nil
}

func orderUnderActivePrepay(ctx context.Context, orderID, organizerID string) (bool, error) {
	var eventID string
	err := db.QueryRowContext(ctx, `
		SELECT event_id FROM boxoffice.orders
		WHERE id = $1 AND organizer_id = $2
	`, orderID, organizerID).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUnknownOrder
	}
	if err != nil {
		return false, fmt.Errorf("failed to load order: %w", err)
	}

	cfg, err := getEventPaymentConfig(ctx, eventID)
	if err != nil {
		return false, err
	}
	return cfg.Model == models.ModelPrepay, nil
}

// MarkFreeAllotmentUsed flags the account's free allotment as consumed.
// Administrative.
func MarkFreeAllotmentUsed(ctx context.Context, organizerID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE boxoffice.credit_accounts
		SET free_allotment_consumed = true, updated_at = NOW()
		WHERE organizer_id = $1
	`, organizerID)
	if err != nil {
		return fmt.Errorf("failed to mark free allotment used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no credit account for organizer %s", organizerID)
	}
	return nil
}

// ResetToFreeAllotment restores the account to its initial free state.
// Destructive repair tool, never a normal-path operation.
func ResetToFreeAllotment(ctx context.Context, organizerID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE boxoffice.credit_accounts
		SET total_credits = $1, used_credits = 0, remaining_credits = $1,
		    free_allotment_consumed = false, updated_at = NOW()
		WHERE organizer_id = $2
	`, models.FreeCreditAllotment, organizerID)
	if err != nil {
		return fmt.Errorf("failed to reset credit account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no credit account for organizer %s", organizerID)
	}
	logger.WithFields(logging.Fields{
		"organizer_id": organizerID,
	}).Warn("Credit account reset to free allotment")
	return nil
}

// HTTP surface

// GetCreditBalance handles GET /credits/balance for the authenticated organizer
func GetCreditBalance(c middleware.Context) {
	organizerID := c.GetString("organizer_id")
	if organizerID == "" {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Organizer context required"})
		return
	}

	acct, err := InitializeCreditAccount(c.Request.Context(), organizerID)
	if err != nil {
		logger.WithFields(logging.Fields{
			"error":        err,
			"organizer_id": organizerID,
		}).Error("Failed to load credit balance")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, boxofficeapi.CreditBalanceResponse{
		OrganizerID:      acct.OrganizerID,
		TotalCredits:     acct.TotalCredits,
		UsedCredits:      acct.UsedCredits,
		RemainingCredits: acct.RemainingCredits,
	})
}

// CheckPrepay handles GET /credits/prepay-check?units=N
func CheckPrepay(c middleware.Context) {
	organizerID := c.GetString("organizer_id")
	if organizerID == "" {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Organizer context required"})
		return
	}
	var units int64
	if _, err := fmt.Sscanf(c.DefaultQuery("units", "1"), "%d", &units); err != nil || units < 1 {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "units must be a positive integer"})
		return
	}

	ok, shortfall, err := CanUsePrepay(c.Request.Context(), organizerID, units)
	if err != nil {
		logger.WithFields(logging.Fields{
			"error":        err,
			"organizer_id": organizerID,
		}).Error("Failed to check prepay availability")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to check prepay"})
		return
	}

	c.JSON(http.StatusOK, boxofficeapi.PrepayCheckResponse{Allowed: ok, Shortfall: shortfall})
}

// PostPurchaseCredits handles POST /credits/purchase. Service-token only:
// it is called by the checkout collaborator after the processor confirms
// settlement of the credit purchase itself.
func PostPurchaseCredits(c middleware.Context) {
	var req boxofficeapi.PurchaseCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	if err := PurchaseCredits(c.Request.Context(), req.OrganizerID, req.Units, req.AmountCents, req.ExternalRef); err != nil {
		logger.WithFields(logging.Fields{
			"error":        err,
			"organizer_id": req.OrganizerID,
		}).Error("Failed to purchase credits")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to purchase credits"})
		return
	}

	c.JSON(http.StatusOK, boxofficeapi.SuccessResponse{Success: true})
}

// PostResetCreditAccount handles POST /admin/credits/:organizer_id/reset
func PostResetCreditAccount(c middleware.Context) {
	organizerID := c.Param("organizer_id")
	if organizerID == "" {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Organizer ID required"})
		return
	}
	if err := ResetToFreeAllotment(c.Request.Context(), organizerID); err != nil {
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to reset account"})
		return
	}
	c.JSON(http.StatusOK, boxofficeapi.SuccessResponse{Success: true, Message: "Account reset to free allotment"})
}

// PostMarkFreeAllotmentUsed handles POST /admin/credits/:organizer_id/mark-free-used
func PostMarkFreeAllotmentUsed(c middleware.Context) {
	organizerID := c.Param("organizer_id")
	if organizerID == "" {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Organizer ID required"})
		return
	}
	if err := MarkFreeAllotmentUsed(c.Request.Context(), organizerID); err != nil {
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to update account"})
		return
	}
	c.JSON(http.StatusOK, boxofficeapi.SuccessResponse{Success: true})
}
