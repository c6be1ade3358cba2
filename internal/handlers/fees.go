package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"

	boxofficeapi "github.com/stepperslife/settlement/pkg/api/boxoffice"
	"github.com/stepperslife/settlement/pkg/logging"
	"github.com/stepperslife/settlement/pkg/middleware"
	"github.com/stepperslife/settlement/pkg/models"
)

// Platform default rates, used when the event config carries no override.
// Percentages are basis points (370 = 3.70%).
const (
	DefaultPlatformPctBps     = 370
	DefaultPlatformFixedCents = 179
	DefaultProcessingPctBps   = 290
)

// FeeRates are the resolved rates for one quote
type FeeRates struct {
	PlatformPctBps     int64
	PlatformFixedCents int64
	ProcessingPctBps   int64
}

// DefaultFeeRates returns the platform defaults
func DefaultFeeRates() FeeRates {
	return FeeRates{
		PlatformPctBps:     DefaultPlatformPctBps,
		PlatformFixedCents: DefaultPlatformFixedCents,
		ProcessingPctBps:   DefaultProcessingPctBps,
	}
}

// RatesFromConfig resolves an event config's overrides against the defaults
func RatesFromConfig(cfg *models.EventPaymentConfig) FeeRates {
	rates := DefaultFeeRates()
	if cfg == nil {
		return rates
	}
	if cfg.PlatformPctBps != nil {
		rates.PlatformPctBps = *cfg.PlatformPctBps
	}
	if cfg.PlatformFixedCents != nil {
		rates.PlatformFixedCents = *cfg.PlatformFixedCents
	}
	if cfg.ProcessingPctBps != nil {
		rates.ProcessingPctBps = *cfg.ProcessingPctBps
	}
	return rates
}

// DiscountFlags halve the pay-per-sale platform rates when set
type DiscountFlags struct {
	Charity  bool
	LowPrice bool
}

// Any reports whether at least one discount applies
func (f DiscountFlags) Any() bool {
	return f.Charity || f.LowPrice
}

// roundHalfUpBps applies a basis-point rate to an amount of cents,
// rounding half-up. Integer math only, no floats in the money path.
func roundHalfUpBps(amountCents, bps int64) int64 {
	return (amountCents*bps + 5000) / 10000
}

// halveHalfUp halves a cent amount with half-up rounding
func halveHalfUp(cents int64) int64 {
	return (cents + 1) / 2
}

// QuoteFee computes the full fee breakdown for one ticket at one price.
//
// Under pay-per-sale the organizer absorbs the platform fee and the buyer
// absorbs processing; processing is charged on the full captured amount
// (price + platform fee). Under prepay the platform fee was already paid
// via credits, so only processing applies and one credit is charged.
func QuoteFee(priceCents int64, model models.PaymentModel, flags DiscountFlags, rates FeeRates) models.FeeQuote {
	quote := models.FeeQuote{
		Model:      model,
		PriceCents: priceCents,
	}

	switch model {
	case models.ModelPrepay:
		quote.ProcessingFee = roundHalfUpBps(priceCents, rates.ProcessingPctBps)
		quote.BuyerTotal = priceCents + quote.ProcessingFee
		quote.OrganizerNet = priceCents
		quote.CreditsCharged = 1
	default:
		pctBps := rates.PlatformPctBps
		fixed := rates.PlatformFixedCents
		if flags.Any() {
			pctBps = pctBps / 2
			fixed = halveHalfUp(fixed)
		}
		quote.PlatformFee = roundHalfUpBps(priceCents, pctBps) + fixed
		quote.ProcessingFee = roundHalfUpBps(priceCents+quote.PlatformFee, rates.ProcessingPctBps)
		quote.BuyerTotal = priceCents + quote.PlatformFee + quote.ProcessingFee
		quote.OrganizerNet = priceCents - quote.PlatformFee
	}

	return quote
}

// CompareModels quotes both pricing models for a price and quantity. Each
// side is the per-unit quote scaled by quantity so the comparison never
// drifts from what per-ticket checkout would charge.
func CompareModels(priceCents int64, quantity int, flags DiscountFlags, rates FeeRates) boxofficeapi.FeeComparison {
	scale := func(q models.FeeQuote) models.FeeQuote {
		n := int64(quantity)
		q.PriceCents *= n
		q.PlatformFee *= n
		q.ProcessingFee *= n
		q.BuyerTotal *= n
		q.OrganizerNet *= n
		q.CreditsCharged *= n
		return q
	}

	return boxofficeapi.FeeComparison{
		PriceCents: priceCents,
		Quantity:   quantity,
		Prepay:     scale(QuoteFee(priceCents, models.ModelPrepay, flags, rates)),
		PayPerSale: scale(QuoteFee(priceCents, models.ModelPayPerSale, flags, rates)),
	}
}

// getEventPaymentConfig loads the active payment config for an event.
// Returns ErrConfigurationMissing when none exists or it is inactive.
func getEventPaymentConfig(ctx context.Context, eventID string) (*models.EventPaymentConfig, error) {
	if cfg, ok := cachedPaymentConfig(ctx, eventID); ok {
		return cfg, nil
	}

	var cfg models.EventPaymentConfig
	err := db.QueryRowContext(ctx, `
		SELECT event_id, organizer_id, payment_model, is_active, processor,
		       payment_methods, charity_discount, low_price_discount,
		       platform_pct_bps, platform_fixed_cents, processing_pct_bps,
		       created_at, updated_at
		FROM boxoffice.event_payment_configs
		WHERE event_id = $1
	`, eventID).Scan(
		&cfg.EventID, &cfg.OrganizerID, &cfg.Model, &cfg.IsActive, &cfg.Processor,
		&cfg.PaymentMethods, &cfg.CharityDiscount, &cfg.LowPriceDiscount,
		&cfg.PlatformPctBps, &cfg.PlatformFixedCents, &cfg.ProcessingPctBps,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConfigurationMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment config: %w", err)
	}
	if !cfg.IsActive {
		return nil, ErrConfigurationMissing
	}

	storePaymentConfig(ctx, &cfg)
	return &cfg, nil
}

// QuoteFeeForEvent resolves an event's config and quotes one ticket price
func QuoteFeeForEvent(ctx context.Context, eventID string, priceCents int64) (models.FeeQuote, error) {
	cfg, err := getEventPaymentConfig(ctx, eventID)
	if err != nil {
		return models.FeeQuote{}, err
	}
	flags := DiscountFlags{Charity: cfg.CharityDiscount, LowPrice: cfg.LowPriceDiscount}
	return QuoteFee(priceCents, cfg.Model, flags, RatesFromConfig(cfg)), nil
}

// GetFeeQuote handles GET /fees/quote?event_id=...&price_cents=...
func GetFeeQuote(c middleware.Context) {
	eventID := c.Query("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "event_id required"})
		return
	}
	priceCents, err := strconv.ParseInt(c.Query("price_cents"), 10, 64)
	if err != nil || priceCents < 0 {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "price_cents must be a non-negative integer"})
		return
	}

	quote, err := QuoteFeeForEvent(c.Request.Context(), eventID, priceCents)
	if err == ErrConfigurationMissing {
		c.JSON(http.StatusConflict, boxofficeapi.ErrorResponse{Error: "Event has no active payment configuration"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"event_id": eventID,
		}).Error("Failed to quote fee")
		c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to quote fee"})
		return
	}

	if metrics != nil {
		metrics.FeeQuotes.WithLabelValues(string(quote.Model)).Inc()
	}

	c.JSON(http.StatusOK, quote)
}

// GetFeeComparison handles GET /fees/compare?price_cents=...&quantity=...
// Rates come from the event config when event_id is given, platform
// defaults otherwise, so organizers can compare before configuring.
func GetFeeComparison(c middleware.Context) {
	priceCents, err := strconv.ParseInt(c.Query("price_cents"), 10, 64)
	if err != nil || priceCents < 0 {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "price_cents must be a non-negative integer"})
		return
	}
	quantity, err := strconv.Atoi(c.DefaultQuery("quantity", "1"))
	if err != nil || quantity < 1 {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "quantity must be a positive integer"})
		return
	}

	rates := DefaultFeeRates()
	flags := DiscountFlags{}
	if eventID := c.Query("event_id"); eventID != "" {
		cfg, err := getEventPaymentConfig(c.Request.Context(), eventID)
		if err == ErrConfigurationMissing {
			c.JSON(http.StatusConflict, boxofficeapi.ErrorResponse{Error: "Event has no active payment configuration"})
			return
		}
		if err != nil {
			logger.WithFields(logging.Fields{"error": err, "event_id": eventID}).Error("Failed to load payment config")
			c.JSON(http.StatusInternalServerError, boxofficeapi.ErrorResponse{Error: "Failed to compare fees"})
			return
		}
		rates = RatesFromConfig(cfg)
		flags = DiscountFlags{Charity: cfg.CharityDiscount, LowPrice: cfg.LowPriceDiscount}
	}

	c.JSON(http.StatusOK, CompareModels(priceCents, quantity, flags, rates))
}
