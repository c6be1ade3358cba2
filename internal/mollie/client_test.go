package mollie

import (
	"testing"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"
)

func TestExtractOrderMetadata(t *testing.T) {
	payment := &mollie.Payment{
		Metadata: map[string]interface{}{
			"purpose":      "ticket_order",
			"order_id":     "order-1",
			"organizer_id": "org-1",
		},
	}

	md := ExtractOrderMetadata(payment)
	if md.Purpose != "ticket_order" || md.OrderID != "order-1" || md.OrganizerID != "org-1" {
		t.Fatalf("unexpected metadata: %+v", md)
	}
}

func TestExtractOrderMetadataUncorrelatedPayment(t *testing.T) {
	md := ExtractOrderMetadata(&mollie.Payment{})
	if md.Purpose != "" || md.OrderID != "" || md.OrganizerID != "" {
		t.Fatalf("expected empty metadata for payment without correlation, got %+v", md)
	}

	md = ExtractOrderMetadata(&mollie.Payment{Metadata: map[string]interface{}{"order_id": 42}})
	if md.OrderID != "" {
		t.Fatalf("non-string order_id must be ignored, got %q", md.OrderID)
	}
}

func TestAmountFromCents(t *testing.T) {
	amount := AmountFromCents(3385, "USD")
	if amount.Value != "33.85" || amount.Currency != "USD" {
		t.Fatalf("AmountFromCents(3385) = %s %s", amount.Value, amount.Currency)
	}

	amount = AmountFromCents(5, "EUR")
	if amount.Value != "0.05" {
		t.Fatalf("AmountFromCents(5) = %s, want 0.05", amount.Value)
	}
}
