package handlers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/stepperslife/settlement/internal/mollie"
	"github.com/stepperslife/settlement/internal/whish"
	"github.com/stepperslife/settlement/pkg/logging"
	"github.com/stepperslife/settlement/pkg/models"
)

// CheckoutPurpose identifies the reason for creating a checkout session.
// Used in webhook handling to dispatch to the correct handler.
type CheckoutPurpose string

const (
	// PurposeTicketOrder is a buyer paying for a ticket order
	PurposeTicketOrder CheckoutPurpose = "ticket_order"
	// PurposeCreditPurchase is an organizer buying prepaid credits
	PurposeCreditPurchase CheckoutPurpose = "credit_purchase"
)

// CheckoutRequest contains all parameters needed to create a checkout session
type CheckoutRequest struct {
	Purpose     CheckoutPurpose
	Processor   string // stripe, mollie or whish
	OrderID     string
	OrganizerID string
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	Description string
	BuyerEmail  string
}

// CheckoutResult contains the response from creating a checkout session
type CheckoutResult struct {
	CheckoutURL string
	ChargeRef   string // Processor's session/payment ID
	ExpiresAt   time.Time
}

// createCheckout creates a hosted checkout with the configured processor
func createCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	switch req.Processor {
	case models.ProcessorStripe:
		return createStripeCheckout(ctx, req)
	case models.ProcessorMollie:
		return createMollieCheckout(ctx, req)
	case models.ProcessorWhish:
		return createWhishCheckout(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported payment processor: %s", req.Processor)
	}
}

// createStripeCheckout creates a Stripe Checkout Session
func createStripeCheckout(_ context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	if stripe.Key == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY not configured")
	}

	// Metadata is the correlation channel for webhook dispatch
	metadata := map[string]string{
		"purpose":      string(req.Purpose),
		"order_id":     req.OrderID,
		"organizer_id": req.OrganizerID,
	}

	lineItems := []*stripe.CheckoutSessionLineItemParams{
		{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(req.AmountCents),
			},
			Quantity: stripe.Int64(1),
		},
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  lineItems,
		Metadata:   metadata,
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(req.BuyerEmail)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe checkout session: %w", err)
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if sess.ExpiresAt > 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0)
	}

	logger.WithFields(logging.Fields{
		"purpose":    req.Purpose,
		"order_id":   req.OrderID,
		"session_id": sess.ID,
	}).Info("Created Stripe checkout session")

	return &CheckoutResult{
		CheckoutURL: sess.URL,
		ChargeRef:   sess.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

// createMollieCheckout creates a one-off Mollie payment
func createMollieCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if mollieClient == nil {
		return nil, fmt.Errorf("Mollie not configured")
	}

	payment, err := mollieClient.CreateOrderPayment(ctx, mollie.OrderPaymentParams{
		OrderID:     req.OrderID,
		OrganizerID: req.OrganizerID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
		RedirectURL: req.SuccessURL,
		WebhookURL:  publicWebhookURL("mollie"),
	})
	if err != nil {
		return nil, err
	}

	checkoutURL := ""
	if payment.Links.Checkout != nil {
		checkoutURL = payment.Links.Checkout.Href
	}

	return &CheckoutResult{
		CheckoutURL: checkoutURL,
		ChargeRef:   payment.ID,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

// createWhishCheckout creates a Whish collect URL. Whish has no session
// id of its own; the order id doubles as the charge reference.
func createWhishCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if whishClient == nil {
		return nil, fmt.Errorf("Whish not configured")
	}

	collectURL, err := whishClient.CreateCollectURL(ctx, whish.CollectParams{
		OrderID:            req.OrderID,
		AmountCents:        req.AmountCents,
		Currency:           req.Currency,
		Invoice:            req.Description,
		SuccessCallbackURL: publicWebhookURL("whish"),
		FailureCallbackURL: publicWebhookURL("whish"),
		SuccessRedirectURL: req.SuccessURL,
		FailureRedirectURL: req.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		CheckoutURL: collectURL,
		ChargeRef:   req.OrderID,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func publicWebhookURL(processor string) string {
	base := strings.TrimSpace(os.Getenv("API_PUBLIC_URL"))
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/webhooks/" + processor
}
