package mollie

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/stepperslife/settlement/pkg/logging"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"
)

// Client wraps Mollie API operations for one-off ticket payments.
type Client struct {
	client        *mollie.Client
	webhookSecret string // For webhook signature verification (if enabled)
	logger        logging.Logger
}

// Config for creating a new Mollie client
type Config struct {
	APIKey        string // MOLLIE_API_KEY (live_xxx or test_xxx)
	WebhookSecret string // Optional: for webhook signature verification
	Logger        logging.Logger
}

// NewClient creates a new Mollie client
func NewClient(config Config) (*Client, error) {
	mollieConfig := mollie.NewAPITestingConfig(true) // Use testing mode for test keys
	if len(config.APIKey) > 5 && config.APIKey[:5] == "live_" {
		mollieConfig = mollie.NewAPIConfig(true) // Use live mode for live keys
	}

	client, err := mollie.NewClient(nil, mollieConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie client: %w", err)
	}

	if err := client.WithAuthenticationValue(config.APIKey); err != nil {
		return nil, fmt.Errorf("failed to set Mollie API key: %w", err)
	}

	return &Client{
		client:        client,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}, nil
}

// HasWebhookSecret returns true when webhook signature verification is configured.
func (c *Client) HasWebhookSecret() bool {
	return c.webhookSecret != ""
}

// OrderPaymentParams for creating a ticket order payment
type OrderPaymentParams struct {
	OrderID     string
	OrganizerID string
	AmountCents int64
	Currency    string
	Description string
	RedirectURL string // Where to redirect the buyer after payment
	WebhookURL  string // Webhook for payment status updates
}

// CreateOrderPayment creates a one-off payment for a pending ticket order.
// The order id travels in metadata so the webhook can correlate it back.
func (c *Client) CreateOrderPayment(ctx context.Context, params OrderPaymentParams) (*mollie.Payment, error) {
	_, payment, err := c.client.Payments.Create(ctx, mollie.CreatePayment{
		Amount:      AmountFromCents(params.AmountCents, params.Currency),
		Description: params.Description,
		RedirectURL: params.RedirectURL,
		WebhookURL:  params.WebhookURL,
		Metadata: map[string]interface{}{
			"purpose":      "ticket_order",
			"order_id":     params.OrderID,
			"organizer_id": params.OrganizerID,
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create order payment: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"payment_id":   payment.ID,
		"order_id":     params.OrderID,
		"organizer_id": params.OrganizerID,
	}).Info("Created Mollie order payment")

	return payment, nil
}

// GetPayment retrieves a payment by ID
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*mollie.Payment, error) {
	_, payment, err := c.client.Payments.Get(ctx, paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get Mollie payment: %w", err)
	}
	return payment, nil
}

// VerifyWebhook verifies the webhook signature (if webhook secret is configured)
// Mollie doesn't sign webhooks by default - they recommend IP allowlisting or
// fetching the payment from their API to verify authenticity.
// This method provides optional HMAC verification if configured.
func (c *Client) VerifyWebhook(payload []byte, signature string) bool {
	if c.webhookSecret == "" {
		// No secret configured, skip verification
		// Caller should verify by fetching from Mollie API
		return true
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// OrderMetadata holds the correlation fields carried on every payment
type OrderMetadata struct {
	Purpose     string
	OrderID     string
	OrganizerID string
}

// ExtractOrderMetadata pulls the correlation metadata off a payment
func ExtractOrderMetadata(payment *mollie.Payment) OrderMetadata {
	var md OrderMetadata
	meta, ok := payment.Metadata.(map[string]interface{})
	if !ok {
		return md
	}
	if v, ok := meta["purpose"].(string); ok {
		md.Purpose = v
	}
	if v, ok := meta["order_id"].(string); ok {
		md.OrderID = v
	}
	if v, ok := meta["organizer_id"].(string); ok {
		md.OrganizerID = v
	}
	return md
}

// AmountFromCents formats integer cents into a Mollie decimal amount
func AmountFromCents(cents int64, currency string) *mollie.Amount {
	return &mollie.Amount{
		Value:    fmt.Sprintf("%d.%02d", cents/100, cents%100),
		Currency: currency,
	}
}
