package handlers

import "errors"

// Sentinel errors surfaced by the settlement operations. Callers match
// with errors.Is and map them to HTTP status codes at the edge.
var (
	// ErrInsufficientCredits means a prepay sale was attempted with fewer
	// remaining credits than tickets. The sale must fail closed.
	ErrInsufficientCredits = errors.New("insufficient prepaid credits")

	// ErrConfigurationMissing means an event has no active payment config,
	// so no fee can be quoted and no checkout can start.
	ErrConfigurationMissing = errors.New("no active payment configuration for event")

	// ErrUnknownOrder means a processor notification referenced an order
	// or charge we have no record of.
	ErrUnknownOrder = errors.New("unknown order reference")

	// ErrInvalidSignature means a webhook's signature check failed. The
	// request is rejected before any state is touched.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// MollieWebhookPayload represents a webhook payload from Mollie.
// Mollie only posts the payment id; status is fetched from their API.
type MollieWebhookPayload struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
}
