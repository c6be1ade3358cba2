package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/stepperslife/settlement/internal/whish"
)

func newMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	db = mockDB
	logger = logrus.New()
	metrics = nil
	producer = nil
	redisClient = nil

	t.Cleanup(func() {
		db = nil
		mockDB.Close()
	})
	return mock
}

func TestProcessStripeWebhookIdempotent(t *testing.T) {
	mock := newMockDB(t)

	t.Setenv("STRIPE_WEBHOOK_SECRET", "unit-test-secret")

	payload := StripeWebhookPayload{
		ID:   "evt_test_123",
		Type: "payment_intent.succeeded",
		Data: struct {
			Object json.RawMessage `json:"object"`
		}{
			Object: json.RawMessage(`{"id":"pi_test"}`),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	headers := map[string]string{
		"Stripe-Signature": stripeSignatureHeader(body, "unit-test-secret", time.Now().Unix()),
	}

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM boxoffice.webhook_events").
		WithArgs("stripe", "evt_test_123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, msg, code := processStripeWebhook(body, headers)
	if !ok {
		t.Fatalf("expected ok=true, got false (msg=%q)", msg)
	}
	if code != 200 {
		t.Fatalf("expected 200, got %d (msg=%q)", code, msg)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessStripeWebhookMissingSecret(t *testing.T) {
	_ = newMockDB(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	ok, msg, code := processStripeWebhook([]byte(`{"id":"evt_missing_secret"}`), map[string]string{
		"Stripe-Signature": "t=123,v1=deadbeef",
	})
	if ok {
		t.Fatalf("expected ok=false, got true (msg=%q)", msg)
	}
	if code != 503 {
		t.Fatalf("expected 503, got %d (msg=%q)", code, msg)
	}
}

func TestProcessStripeWebhookInvalidSignatureTouchesNothing(t *testing.T) {
	mock := newMockDB(t)

	t.Setenv("STRIPE_WEBHOOK_SECRET", "unit-test-secret")

	// No DB expectations at all: a bad signature must perform zero queries
	ok, msg, code := processStripeWebhook([]byte(`{"id":"evt_invalid"}`), map[string]string{
		"Stripe-Signature": "t=123,v1=deadbeef",
	})
	if ok {
		t.Fatalf("expected ok=false, got true (msg=%q)", msg)
	}
	if code != 401 {
		t.Fatalf("expected 401, got %d (msg=%q)", code, msg)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("signature rejection touched the database: %v", err)
	}
}

func TestProcessStripeWebhookInvalidPayload(t *testing.T) {
	_ = newMockDB(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "unit-test-secret")

	body := []byte(`not-json`)
	ok, msg, code := processStripeWebhook(body, map[string]string{
		"Stripe-Signature": stripeSignatureHeader(body, "unit-test-secret", time.Now().Unix()),
	})
	if ok {
		t.Fatalf("expected ok=false, got true (msg=%q)", msg)
	}
	if code != 400 {
		t.Fatalf("expected 400, got %d (msg=%q)", code, msg)
	}
}

func TestProcessStripeWebhookPaymentIntentSucceeded(t *testing.T) {
	mock := newMockDB(t)

	t.Setenv("STRIPE_WEBHOOK_SECRET", "unit-test-secret")

	payload := StripeWebhookPayload{
		ID:   "evt_pi_success",
		Type: "payment_intent.succeeded",
	}
	payload.Data.Object = json.RawMessage(`{"id":"pi_123","status":"succeeded","metadata":{"order_id":"order-1"}}`)
	body, _ := json.Marshal(payload)

	headers := map[string]string{
		"Stripe-Signature": stripeSignatureHeader(body, "unit-test-secret", time.Now().Unix()),
	}

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM boxoffice.webhook_events").
		WithArgs("stripe", "evt_pi_success").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE boxoffice.orders").
		WithArgs("order-1", "pi_123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organizer_id", "event_id"}).
			AddRow("order-1", "org-1", "event-1"))
	expectPaymentConfigLoad(mock, "event-1", "org-1", "pay_per_sale")
	mock.ExpectCommit()

	// Unassisted sale: distribution loads the order and stops
	mock.ExpectQuery("SELECT id, event_id, organizer_id, total_cents, staff_id, status").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "organizer_id", "total_cents", "staff_id", "status"}).
			AddRow("order-1", "event-1", "org-1", 3000, nil, "paid"))

	mock.ExpectExec("INSERT INTO boxoffice.webhook_events").
		WithArgs("stripe", "evt_pi_success", "payment_intent.succeeded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, msg, code := processStripeWebhook(body, headers)
	if !ok || code != 200 {
		t.Fatalf("expected success, got ok=%v code=%d msg=%q", ok, code, msg)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessWhishWebhookInvalidSignatureTouchesNothing(t *testing.T) {
	mock := newMockDB(t)

	var err error
	whishClient, err = whish.NewClient(whish.Config{
		Channel:        "chan",
		Secret:         "secret",
		WebsiteURL:     "https://example.test",
		CallbackSecret: "callback-secret",
		Logger:         logrus.New(),
	})
	if err != nil {
		t.Fatalf("failed to create whish client: %v", err)
	}
	t.Cleanup(func() { whishClient = nil })

	ok, msg, code := processWhishWebhook([]byte(`{"externalId":"order-1"}`), map[string]string{
		"X-Whish-Signature": "deadbeef",
	})
	if ok {
		t.Fatalf("expected ok=false, got true (msg=%q)", msg)
	}
	if code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("signature rejection touched the database: %v", err)
	}
}

func TestProcessWhishWebhookSuccess(t *testing.T) {
	mock := newMockDB(t)

	var err error
	whishClient, err = whish.NewClient(whish.Config{
		Channel:        "chan",
		Secret:         "secret",
		WebsiteURL:     "https://example.test",
		CallbackSecret: "callback-secret",
		Logger:         logrus.New(),
	})
	if err != nil {
		t.Fatalf("failed to create whish client: %v", err)
	}
	t.Cleanup(func() { whishClient = nil })

	body := []byte(`{"externalId":"order-9","transactionId":"tx-42","collectStatus":"success","amountCents":3385}`)
	mac := hmac.New(sha256.New, []byte("callback-secret"))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM boxoffice.webhook_events").
		WithArgs("whish", "tx-42").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE boxoffice.orders").
		WithArgs("order-9", "tx-42").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organizer_id", "event_id"}).
			AddRow("order-9", "org-1", "event-1"))
	expectPaymentConfigLoad(mock, "event-1", "org-1", "pay_per_sale")
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT id, event_id, organizer_id, total_cents, staff_id, status").
		WithArgs("order-9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "organizer_id", "total_cents", "staff_id", "status"}).
			AddRow("order-9", "event-1", "org-1", 3385, nil, "paid"))

	mock.ExpectExec("INSERT INTO boxoffice.webhook_events").
		WithArgs("whish", "tx-42", "success").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, msg, code := processWhishWebhook(body, map[string]string{
		"X-Whish-Signature": signature,
	})
	if !ok || code != 200 {
		t.Fatalf("expected success, got ok=%v code=%d msg=%q", ok, code, msg)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyStripeSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)

	valid := stripeSignatureHeader(body, "secret", time.Now().Unix())
	if err := verifyStripeSignature(body, valid, "secret"); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	stale := stripeSignatureHeader(body, "secret", time.Now().Add(-10*time.Minute).Unix())
	if err := verifyStripeSignature(body, stale, "secret"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("stale timestamp must wrap ErrInvalidSignature, got %v", err)
	}

	if err := verifyStripeSignature(body, "garbage-header", "secret"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("malformed header must wrap ErrInvalidSignature, got %v", err)
	}

	wrongKey := stripeSignatureHeader(body, "other-secret", time.Now().Unix())
	if err := verifyStripeSignature(body, wrongKey, "secret"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong key must wrap ErrInvalidSignature, got %v", err)
	}
}

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
