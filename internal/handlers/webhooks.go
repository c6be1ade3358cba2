package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	mollieapi "github.com/VictorAvelar/mollie-api-go/v4/mollie"

	"github.com/stepperslife/settlement/internal/mollie"
	"github.com/stepperslife/settlement/internal/whish"
	boxofficeapi "github.com/stepperslife/settlement/pkg/api/boxoffice"
	"github.com/stepperslife/settlement/pkg/logging"
	"github.com/stepperslife/settlement/pkg/middleware"
)

// Notification ingestion
//
// One endpoint per processor. Each handler is a hard gate: verify the
// signature, dedupe on (provider, event_id), then dispatch to the order
// transitions. A failed signature returns 401 with zero state touched.

// StripeWebhookPayload is the envelope of every Stripe event
type StripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"` // Parsed per event type
	} `json:"data"`
}

// StripeCheckoutSessionObject for checkout.session.completed events
type StripeCheckoutSessionObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
	Metadata      struct {
		Purpose     string `json:"purpose"`
		OrderID     string `json:"order_id"`
		OrganizerID string `json:"organizer_id"`
		Units       string `json:"units"`
	} `json:"metadata"`
}

// StripePaymentIntentObject for payment_intent events
type StripePaymentIntentObject struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Metadata struct {
		Purpose     string `json:"purpose"`
		OrderID     string `json:"order_id"`
		OrganizerID string `json:"organizer_id"`
	} `json:"metadata"`
}

// StripeChargeObject for charge.refunded events
type StripeChargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
}

// StripeAccountObject for account.updated events (marketplace sub-accounts)
type StripeAccountObject struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Metadata         struct {
		OrganizerID string `json:"organizer_id"`
	} `json:"metadata"`
}

// verifyStripeSignature verifies the Stripe webhook signature using
// HMAC-SHA256. Failures wrap ErrInvalidSignature so callers can match
// with errors.Is.
func verifyStripeSignature(payload []byte, signature, secret string) error {
	if signature == "" || secret == "" {
		return fmt.Errorf("%w: missing signature or secret", ErrInvalidSignature)
	}

	// Parse Stripe signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}

	// Verify timestamp is within tolerance (5 minutes)
	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidSignature, timestamp)
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		return fmt.Errorf("%w: timestamp %ds outside tolerance", ErrInvalidSignature, now-timestampInt)
	}

	// Create signed payload: timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	// Compare with provided signatures using constant-time comparison
	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return nil
		}
	}

	return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

// processStripeWebhook verifies, dedupes and dispatches a Stripe event.
// Returns (ok, message, http status).
func processStripeWebhook(body []byte, headers map[string]string) (bool, string, int) {
	signature := headerValue(headers, "Stripe-Signature")
	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")

	if webhookSecret == "" {
		logger.Error("STRIPE_WEBHOOK_SECRET not configured; rejecting webhook")
		return false, "Webhook verification not configured", http.StatusServiceUnavailable
	} else if err := verifyStripeSignature(body, signature, webhookSecret); err != nil {
		logger.WithError(err).Warn("Invalid Stripe webhook signature")
		recordWebhookSignatureFailure("stripe")
		return false, "Invalid signature", http.StatusUnauthorized
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithFields(logging.Fields{
			"error": err.Error(),
		}).Warn("Invalid Stripe webhook payload")
		return false, "Invalid payload", http.StatusBadRequest
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
	}).Info("Received Stripe webhook")

	// Check idempotency - skip if already processed
	if isWebhookAlreadyProcessed("stripe", payload.ID) {
		logger.WithField("event_id", payload.ID).Debug("Stripe webhook already processed, skipping")
		return true, "", http.StatusOK
	}

	ctx := context.Background()
	var err error
	switch payload.Type {
	case "checkout.session.completed":
		err = handleStripeCheckoutCompleted(ctx, payload.Data.Object)
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		err = handleStripePaymentIntent(ctx, payload.Type, payload.Data.Object)
	case "charge.refunded":
		err = handleStripeChargeRefunded(ctx, payload.Data.Object)
	case "account.updated":
		err = handleStripeAccountUpdated(ctx, payload.Data.Object)
	default:
		logger.WithField("event_type", payload.Type).Debug("Ignoring unhandled Stripe event type")
	}

	if err != nil {
		logger.WithError(err).WithField("event_type", payload.Type).Error("Failed to process Stripe webhook")
		return false, "Failed to process webhook", http.StatusInternalServerError
	}

	markWebhookProcessed("stripe", payload.ID, payload.Type)
	return true, "", http.StatusOK
}

func handleStripeCheckoutCompleted(ctx context.Context, object json.RawMessage) error {
	var sess StripeCheckoutSessionObject
	if err := json.Unmarshal(object, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	switch CheckoutPurpose(sess.Metadata.Purpose) {
	case PurposeTicketOrder:
		paymentRef := sess.PaymentIntent
		if paymentRef == "" {
			paymentRef = sess.ID
		}
		return MarkOrderPaid(ctx, sess.Metadata.OrderID, paymentRef)

	case PurposeCreditPurchase:
		units, err := strconv.ParseInt(sess.Metadata.Units, 10, 64)
		if err != nil || units <= 0 {
			return fmt.Errorf("invalid units in credit purchase metadata: %q", sess.Metadata.Units)
		}
		return PurchaseCredits(ctx, sess.Metadata.OrganizerID, units, sess.AmountTotal, sess.ID)

	default:
		logger.WithFields(logging.Fields{
			"session_id": sess.ID,
			"purpose":    sess.Metadata.Purpose,
		}).Debug("Ignoring checkout session with unknown purpose")
		return nil
	}
}

func handleStripePaymentIntent(ctx context.Context, eventType string, object json.RawMessage) error {
	var intent StripePaymentIntentObject
	if err := json.Unmarshal(object, &intent); err != nil {
		return fmt.Errorf("failed to parse payment intent: %w", err)
	}
	if intent.Metadata.OrderID == "" {
		logger.WithField("payment_intent", intent.ID).Debug("Payment intent carries no order correlation, skipping")
		return nil
	}

	if eventType == "payment_intent.succeeded" {
		return MarkOrderPaid(ctx, intent.Metadata.OrderID, intent.ID)
	}
	return MarkOrderFailed(ctx, intent.Metadata.OrderID, "payment_intent.payment_failed")
}

func handleStripeChargeRefunded(ctx context.Context, object json.RawMessage) error {
	var charge StripeChargeObject
	if err := json.Unmarshal(object, &charge); err != nil {
		return fmt.Errorf("failed to parse charge: %w", err)
	}

	// Orders store the payment intent as charge ref; fall back to the
	// charge id for refunds created against older orders.
	chargeRef := charge.PaymentIntent
	if chargeRef == "" {
		chargeRef = charge.ID
	}
	return MarkOrderRefunded(ctx, chargeRef, charge.AmountRefunded, "charge.refunded")
}

func handleStripeAccountUpdated(ctx context.Context, object json.RawMessage) error {
	var account StripeAccountObject
	if err := json.Unmarshal(object, &account); err != nil {
		return fmt.Errorf("failed to parse account: %w", err)
	}
	return updateProcessorAccountStatus(ctx, account)
}

// updateProcessorAccountStatus upserts a marketplace sub-account's
// capability state. Payout tooling reads it; this core only records it.
func updateProcessorAccountStatus(ctx context.Context, account StripeAccountObject) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO boxoffice.processor_accounts (
			account_ref, organizer_id, charges_enabled, payouts_enabled,
			details_submitted, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_ref) DO UPDATE SET
			charges_enabled = EXCLUDED.charges_enabled,
			payouts_enabled = EXCLUDED.payouts_enabled,
			details_submitted = EXCLUDED.details_submitted,
			updated_at = NOW()
	`, account.ID, account.Metadata.OrganizerID, account.ChargesEnabled,
		account.PayoutsEnabled, account.DetailsSubmitted)
	if err != nil {
		return fmt.Errorf("failed to upsert processor account: %w", err)
	}

	logger.WithFields(logging.Fields{
		"account_ref":     account.ID,
		"charges_enabled": account.ChargesEnabled,
		"payouts_enabled": account.PayoutsEnabled,
	}).Info("Updated processor account capabilities")

	return nil
}

// processMollieWebhook handles Mollie's id-only webhook: the payment is
// re-fetched from their API, which doubles as authenticity verification
// when no webhook secret is configured.
func processMollieWebhook(body []byte, headers map[string]string) (bool, string, int) {
	if mollieClient == nil {
		logger.Warn("Mollie client not configured; rejecting webhook")
		return false, "Mollie not configured", http.StatusServiceUnavailable
	}

	if mollieClient.HasWebhookSecret() {
		signature := headerValue(headers, "X-Mollie-Signature")
		if signature == "" || !mollieClient.VerifyWebhook(body, signature) {
			logger.WithError(ErrInvalidSignature).Warn("Mollie webhook signature verification failed")
			recordWebhookSignatureFailure("mollie")
			return false, "Invalid signature", http.StatusUnauthorized
		}
	} else {
		logger.Debug("Mollie webhook secret not configured; using API fetch verification")
	}

	var payload MollieWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Mollie also posts form-encoded "id=tr_xxx" bodies
		if id := parseFormID(body); id != "" {
			payload.ID = id
		} else {
			logger.WithFields(logging.Fields{
				"error": err.Error(),
			}).Warn("Invalid Mollie webhook payload")
			return false, "Invalid payload", http.StatusBadRequest
		}
	}
	if payload.ID == "" {
		logger.Warn("Mollie webhook payload missing id")
		return false, "Invalid payload", http.StatusBadRequest
	}

	eventID, err := handleMolliePaymentWebhook(payload.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to process Mollie webhook")
		return false, "Failed to process webhook", http.StatusInternalServerError
	}

	if eventID != "" {
		markWebhookProcessed("mollie", eventID, "payment")
	}
	return true, "", http.StatusOK
}

// mollieRefundedCents converts Mollie's decimal refund amount to cents
func mollieRefundedCents(payment *mollieapi.Payment) int64 {
	if payment.AmountRefunded == nil || payment.AmountRefunded.Value == "" {
		return 0
	}
	parts := strings.SplitN(payment.AmountRefunded.Value, ".", 2)
	units, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	cents := units * 100
	if len(parts) == 2 {
		frac := parts[1]
		for len(frac) < 2 {
			frac += "0"
		}
		c, err := strconv.ParseInt(frac[:2], 10, 64)
		if err != nil {
			return 0
		}
		cents += c
	}
	return cents
}

func parseFormID(body []byte) string {
	for _, pair := range strings.Split(string(body), "&") {
		if strings.HasPrefix(pair, "id=") {
			return strings.TrimPrefix(pair, "id=")
		}
	}
	return ""
}

func handleMolliePaymentWebhook(paymentID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payment, err := mollieClient.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch Mollie payment %s: %w", paymentID, err)
	}

	status := strings.ToLower(string(payment.Status))
	if status == "" {
		return "", fmt.Errorf("missing Mollie payment status")
	}
	eventID := fmt.Sprintf("payment:%s:%s", payment.ID, status)

	if isWebhookAlreadyProcessed("mollie", eventID) {
		logger.WithField("event_id", eventID).Debug("Mollie webhook already processed, skipping")
		return "", nil
	}

	orderID := mollie.ExtractOrderMetadata(payment).OrderID
	if orderID == "" {
		logger.WithField("payment_id", payment.ID).Debug("Mollie payment carries no order correlation, skipping")
		return eventID, nil
	}

	switch status {
	case "paid":
		if refundedCents := mollieRefundedCents(payment); refundedCents > 0 {
			return eventID, MarkOrderRefunded(ctx, payment.ID, refundedCents, "mollie refund")
		}
		return eventID, MarkOrderPaid(ctx, orderID, payment.ID)
	case "failed", "canceled", "expired":
		return eventID, MarkOrderFailed(ctx, orderID, "mollie payment "+status)
	default:
		logger.WithFields(logging.Fields{
			"payment_id": payment.ID,
			"status":     status,
		}).Debug("Ignoring Mollie payment status")
		return eventID, nil
	}
}

// processWhishWebhook handles the signed Whish collect callback
func processWhishWebhook(body []byte, headers map[string]string) (bool, string, int) {
	if whishClient == nil {
		logger.Warn("Whish client not configured; rejecting webhook")
		return false, "Whish not configured", http.StatusServiceUnavailable
	}

	signature := headerValue(headers, "X-Whish-Signature")
	if signature == "" || !whishClient.VerifyCallback(body, signature) {
		logger.WithError(ErrInvalidSignature).Warn("Whish callback signature verification failed")
		recordWebhookSignatureFailure("whish")
		return false, "Invalid signature", http.StatusUnauthorized
	}

	var callback whish.Callback
	if err := json.Unmarshal(body, &callback); err != nil {
		logger.WithError(err).Warn("Invalid Whish callback payload")
		return false, "Invalid payload", http.StatusBadRequest
	}
	if callback.ExternalID == "" {
		logger.Warn("Whish callback missing externalId")
		return false, "Invalid payload", http.StatusBadRequest
	}

	eventID := callback.TransactionID
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%s", callback.ExternalID, callback.Status)
	}
	if isWebhookAlreadyProcessed("whish", eventID) {
		logger.WithField("event_id", eventID).Debug("Whish callback already processed, skipping")
		return true, "", http.StatusOK
	}

	ctx := context.Background()
	var err error
	switch strings.ToLower(callback.Status) {
	case "success":
		err = MarkOrderPaid(ctx, callback.ExternalID, callback.TransactionID)
	case "failed":
		err = MarkOrderFailed(ctx, callback.ExternalID, "whish collect failed")
	default:
		logger.WithFields(logging.Fields{
			"status":      callback.Status,
			"external_id": callback.ExternalID,
		}).Debug("Ignoring Whish callback status")
	}

	if err != nil {
		logger.WithError(err).Error("Failed to process Whish callback")
		return false, "Failed to process webhook", http.StatusInternalServerError
	}

	markWebhookProcessed("whish", eventID, callback.Status)
	return true, "", http.StatusOK
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM boxoffice.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID, eventType string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO boxoffice.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}

func headerValue(headers map[string]string, key string) string {
	for headerKey, value := range headers {
		if strings.EqualFold(headerKey, key) {
			return value
		}
	}
	return ""
}

func recordWebhookSignatureFailure(provider string) {
	if metrics == nil || metrics.SignatureFailures == nil {
		return
	}
	metrics.SignatureFailures.WithLabelValues(provider).Inc()
}

// HTTP surface

type webhookProcessor func(body []byte, headers map[string]string) (bool, string, int)

func webhookEndpoint(provider string, process webhookProcessor) func(middleware.Context) {
	return func(c middleware.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "Failed to read body"})
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for key := range c.Request.Header {
			headers[key] = c.Request.Header.Get(key)
		}

		if metrics != nil {
			metrics.WebhookEvents.WithLabelValues(provider).Inc()
		}

		ok, message, status := process(body, headers)
		if !ok {
			c.JSON(status, boxofficeapi.ErrorResponse{Error: message})
			return
		}
		c.JSON(status, boxofficeapi.SuccessResponse{Success: true})
	}
}

// StripeWebhook handles POST /webhooks/stripe
func StripeWebhook(c middleware.Context) {
	webhookEndpoint("stripe", processStripeWebhook)(c)
}

// MollieWebhook handles POST /webhooks/mollie
func MollieWebhook(c middleware.Context) {
	webhookEndpoint("mollie", processMollieWebhook)(c)
}

// WhishWebhook handles POST /webhooks/whish
func WhishWebhook(c middleware.Context) {
	webhookEndpoint("whish", processWhishWebhook)(c)
}
