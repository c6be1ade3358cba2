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

// Order State Machine
//
// PENDING -> PAID or FAILED, PAID -> REFUNDED, nothing else. Transitions
// are single UPDATEs whose WHERE clause carries the state guard, so
// duplicate and out-of-order notifications collapse to zero-row no-ops.
// An invalid transition logs at Warn and returns nil: processors retry
// deliveries and a 5xx here would only make them retry harder.

// CreateOrder starts a checkout: quotes fees, inserts the PENDING order
// with its items, and creates the processor checkout.
func CreateOrder(ctx context.Context, req boxofficeapi.CreateOrderRequest) (*boxofficeapi.CreateOrderResponse, error) {
	cfg, err := getEventPaymentConfig(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	flags := DiscountFlags{Charity: cfg.CharityDiscount, LowPrice: cfg.LowPriceDiscount}
	rates := RatesFromConfig(cfg)

	var totalCents, buyerTotal int64
	var units int64
	for _, item := range req.Items {
		q := QuoteFee(item.UnitPriceCents, cfg.Model, flags, rates)
		n := int64(item.Quantity)
		totalCents += item.UnitPriceCents * n
		buyerTotal += q.BuyerTotal * n
		units += n
	}

	if cfg.Model == models.ModelPrepay {
		ok, shortfall, err := CanUsePrepay(ctx, cfg.OrganizerID, units)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: short %d credits", ErrInsufficientCredits, shortfall)
		}
	}

	orderID := uuid.New().String()
	currency := "USD"

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var staffID interface{}
	if req.StaffID != "" {
		staffID = req.StaffID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO boxoffice.orders (
			id, event_id, organizer_id, buyer_email, buyer_name,
			status, total_cents, currency, processor, staff_id
		) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9)
	`, orderID, req.EventID, cfg.OrganizerID, req.BuyerEmail, req.BuyerName,
		totalCents, currency, cfg.Processor, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range req.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO boxoffice.order_items (
				id, order_id, tier_name, unit_price_cents, quantity
			) VALUES ($1, $2, $3, $4, $5)
		`, uuid.New().String(), orderID, item.TierName, item.UnitPriceCents, item.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
	}

	checkout, err := createCheckout(ctx, CheckoutRequest{
		Purpose:     PurposeTicketOrder,
		Processor:   cfg.Processor,
		OrderID:     orderID,
		OrganizerID: cfg.OrganizerID,
		AmountCents: buyerTotal,
		Currency:    currency,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		Description: fmt.Sprintf("Tickets for event %s", req.EventID),
		BuyerEmail:  req.BuyerEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processor checkout: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE boxoffice.orders SET charge_ref = $1, updated_at = NOW() WHERE id = $2
	`, checkout.ChargeRef, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to record charge reference: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id":     orderID,
		"event_id":     req.EventID,
		"organizer_id": cfg.OrganizerID,
		"processor":    cfg.Processor,
		"total_cents":  totalCents,
	}).Info("Created pending order")

	return &boxofficeapi.CreateOrderResponse{
		OrderID:     orderID,
		Status:      string(models.OrderPending),
		TotalCents:  totalCents,
		BuyerTotal:  buyerTotal,
		Processor:   cfg.Processor,
		CheckoutURL: checkout.CheckoutURL,
	}, nil
}

// MarkOrderPaid transitions PENDING -> PAID by order id or charge ref.
// Idempotent: an already-paid order is a logged no-op. Prepay events
// debit the credit ledger in the same transaction as the transition, so
// a ledger shortfall rolls the PAID state back and the order stays
// pending. Commission distribution runs after the state commit and
// never rolls it back.
func MarkOrderPaid(ctx context.Context, orderRef, paymentRef string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var orderID, organizerID, eventID string
	err = tx.QueryRowContext(ctx, `
		UPDATE boxoffice.orders
		SET status = 'paid', charge_ref = COALESCE(NULLIF($2, ''), charge_ref),
		    paid_at = NOW(), updated_at = NOW()
		WHERE (id = $1 OR charge_ref = $1) AND status = 'pending'
		RETURNING id, organizer_id, event_id
	`, orderRef, paymentRef).Scan(&orderID, &organizerID, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return logInvalidTransition(ctx, orderRef, models.OrderPaid)
	}
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}

	units, err := settlePrepayCredits(ctx, tx, orderID, organizerID, eventID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit paid transition: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id":    orderID,
		"payment_ref": paymentRef,
		"credits":     units,
	}).Info("Order paid")

	if metrics != nil {
		metrics.OrderTransitions.WithLabelValues("paid", "webhook").Inc()
	}
	emitSettlementEvent(kafka.EventOrderPaid, organizerID, "order", orderID, map[string]interface{}{
		"payment_ref": paymentRef,
	})
	if units > 0 {
		if metrics != nil {
			metrics.CreditOperations.WithLabelValues("consume").Inc()
		}
		emitSettlementEvent(kafka.EventCreditsConsumed, organizerID, "order", orderID, map[string]interface{}{
			"units": units,
		})
	}

	// A sale is never undone because commission attribution failed.
	if err := DistributeCommissions(ctx, orderID); err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"order_id": orderID,
		}).Error("Commission distribution failed for paid order, needs reconciliation")
	}

	return nil
}

// settlePrepayCredits debits one credit per ticket when the order's
// event settles through the prepaid ledger. Runs inside the paid
// transition's transaction and fails closed: no credits, no sale.
// Returns the units debited, zero for pay-per-sale events.
func settlePrepayCredits(ctx context.Context, tx *sql.Tx, orderID, organizerID, eventID string) (int64, error) {
	cfg, err := getEventPaymentConfig(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if cfg.Model != models.ModelPrepay {
		return 0, nil
	}

	var units int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM boxoffice.order_items WHERE order_id = $1
	`, orderID).Scan(&units)
	if err != nil {
		return 0, fmt.Errorf("failed to count order tickets: %w", err)
	}
	if units <= 0 {
		// An itemless order still costs one credit
		units = 1
	}

	if err := reserveAndConsume(ctx, tx, organizerID, units); err != nil {
		return 0, err
	}
	return units, nil
}

// MarkOrderFailed transitions PENDING -> FAILED. A late failure after
// PAID is a logged no-op: last-writer-wins must never regress a sale.
func MarkOrderFailed(ctx context.Context, orderRef, reason string) error {
	var orderID, organizerID string
	err := db.QueryRowContext(ctx, `
		UPDATE boxoffice.orders
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE (id = $1 OR charge_ref = $1) AND status = 'pending'
		RETURNING id, organizer_id
	`, orderRef, reason).Scan(&orderID, &organizerID)
	if errors.Is(err, sql.ErrNoRows) {
		return logInvalidTransition(ctx, orderRef, models.OrderFailed)
	}
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id": orderID,
		"reason":   reason,
	}).Info("Order failed")

	if metrics != nil {
		metrics.OrderTransitions.WithLabelValues("failed", "webhook").Inc()
	}
	emitSettlementEvent(kafka.EventOrderFailed, organizerID, "order", orderID, map[string]interface{}{
		"reason": reason,
	})

	return nil
}

// MarkOrderRefunded transitions PAID -> REFUNDED, resolved by charge ref
// because refund notifications only carry the processor's charge id.
// Triggers commission reversal.
func MarkOrderRefunded(ctx context.Context, chargeRef string, refundCents int64, reason string) error {
	var orderID, organizerID string
	err := db.QueryRowContext(ctx, `
		UPDATE boxoffice.orders
		SET status = 'refunded', refund_cents = $2, failure_reason = $3, updated_at = NOW()
		WHERE charge_ref = $1 AND status = 'paid'
		RETURNING id, organizer_id
	`, chargeRef, refundCents, reason).Scan(&orderID, &organizerID)
	if errors.Is(err, sql.ErrNoRows) {
		return logInvalidTransition(ctx, chargeRef, models.OrderRefunded)
	}
	if err != nil {
		return fmt.Errorf("failed to mark order refunded: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id":     orderID,
		"refund_cents": refundCents,
	}).Info("Order refunded")

	if metrics != nil {
		metrics.OrderTransitions.WithLabelValues("refunded", "webhook").Inc()
	}
	emitSettlementEvent(kafka.EventOrderRefunded, organizerID, "order", orderID, map[string]interface{}{
		"refund_cents": refundCents,
	})

	if err := ReverseCommissions(ctx, orderID); err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"order_id": orderID,
		}).Error("Commission reversal failed for refunded order, needs reconciliation")
	}

	return nil
}

// logInvalidTransition distinguishes a duplicate/raced notification from
// a reference we have never seen. Known orders are no-ops; unknown ones
// surface ErrUnknownOrder so the webhook layer can reject.
func logInvalidTransition(ctx context.Context, orderRef string, target models.OrderStatus) error {
	var id string
	var status models.OrderStatus
	err := db.QueryRowContext(ctx, `
		SELECT id, status FROM boxoffice.orders WHERE id = $1 OR charge_ref = $1
	`, orderRef).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderRef)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve order: %w", err)
	}

	logger.WithFields(logging.Fields{
		"order_id": id,
		"status":   status,
		"target":   target,
	}).Warn("Skipping invalid order transition")

	if metrics != nil {
		metrics.OrderTransitions.WithLabelValues(string(target), "skipped").Inc()
	}
	return nil
}

// HTTP surface

// PostCreateOrder handles POST /orders
func PostCreateOrder(c middleware.Context) {
	var req boxofficeapi.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	resp, err := CreateOrder(c.Request.Context(), req)
	if errors.Is(err, ErrConfigurationMissing) {
		c.JSON(http.StatusConflict, boxofficeapi.ErrorResponse{Error: "Event has no active payment configuration"})
		return
	}
	if errors.Is(err, ErrInsufficientCredits) {
		c.JSON(http.StatusPaymentRequired, boxofficeapi.ErrorResponse{Error: "Insufficient prepaid credits"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"event_id": req.EventID,
		}).Error("Failed to create order")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Payment could not be processed"})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// PostConsumeCredits handles POST /orders/:order_id/consume-credits.
// Service-token only; settles a prepay order from the credit ledger.
func PostConsumeCredits(c middleware.Context) {
	orderID := c.Param("order_id")
	var req struct {
		OrganizerID string `json:"organizer_id" binding:"required"`
		Units       int64  `json:"units" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	err := ConsumeCreditsForOrder(c.Request.Context(), req.OrganizerID, req.Units, orderID)
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, boxofficeapi.ErrorResponse{Error: "Insufficient prepaid credits"})
	case errors.Is(err, ErrConfigurationMissing):
		c.JSON(http.StatusConflict, boxofficeapi.ErrorResponse{Error: "Order is not under an active prepay configuration"})
	case errors.Is(err, ErrUnknownOrder):
		c.JSON(http.StatusNotFound, boxofficeapi.ErrorResponse{Error: "Order not found"})
	case err != nil:
		logger.WithFields(logging.Fields{"error": err, "order_id": orderID}).Error("Failed to settle prepay order")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Payment could not be processed"})
	default:
		c.JSON(http.StatusOK, boxofficeapi.SuccessResponse{Success: true})
	}
}

// GetOrder handles GET /orders/:order_id for the owning organizer
func GetOrder(c middleware.Context) {
	organizerID := c.GetString("organizer_id")
	orderID := c.Param("order_id")

	var order models.Order
	err := db.QueryRowContext(c.Request.Context(), `
		SELECT id, event_id, organizer_id, buyer_email, buyer_name, status,
		       total_cents, currency, refund_cents, processor, COALESCE(charge_ref, ''),
		       staff_id, failure_reason, created_at, paid_at, updated_at
		FROM boxoffice.orders
		WHERE id = $1 AND organizer_id = $2
	`, orderID, organizerID).Scan(
		&order.ID, &order.EventID, &order.OrganizerID, &order.BuyerEmail,
		&order.BuyerName, &order.Status, &order.TotalCents, &order.Currency,
		&order.RefundCents, &order.Processor, &order.ChargeRef, &order.StaffID,
		&order.FailureReason, &order.CreatedAt, &order.PaidAt, &order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, boxofficeapi.ErrorResponse{Error: "Order not found"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{"error": err, "order_id": orderID}).Error("Failed to load order")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to load order"})
		return
	}

	c.JSON(http.StatusOK, order)
}
