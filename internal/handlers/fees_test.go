package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stepperslife/settlement/pkg/models"
)

func TestQuoteFeePayPerSale(t *testing.T) {
	// 3000¢ ticket at 3.7% + 179¢ platform, 2.9% processing
	q := QuoteFee(3000, models.ModelPayPerSale, DiscountFlags{}, DefaultFeeRates())

	if q.PlatformFee != 290 {
		t.Errorf("platform fee = %d, want 290", q.PlatformFee)
	}
	if q.ProcessingFee != 95 {
		t.Errorf("processing fee = %d, want 95", q.ProcessingFee)
	}
	if q.BuyerTotal != 3385 {
		t.Errorf("buyer total = %d, want 3385", q.BuyerTotal)
	}
	if q.OrganizerNet != 2710 {
		t.Errorf("organizer net = %d, want 2710", q.OrganizerNet)
	}
	if q.CreditsCharged != 0 {
		t.Errorf("credits charged = %d, want 0", q.CreditsCharged)
	}
}

func TestQuoteFeePrepay(t *testing.T) {
	q := QuoteFee(3000, models.ModelPrepay, DiscountFlags{}, DefaultFeeRates())

	if q.PlatformFee != 0 {
		t.Errorf("platform fee = %d, want 0", q.PlatformFee)
	}
	if q.ProcessingFee != 87 { // round(3000 * 0.029)
		t.Errorf("processing fee = %d, want 87", q.ProcessingFee)
	}
	if q.BuyerTotal != 3087 {
		t.Errorf("buyer total = %d, want 3087", q.BuyerTotal)
	}
	if q.OrganizerNet != 3000 {
		t.Errorf("organizer net = %d, want 3000", q.OrganizerNet)
	}
	if q.CreditsCharged != 1 {
		t.Errorf("credits charged = %d, want 1", q.CreditsCharged)
	}
}

func TestQuoteFeeDiscountHalvesPlatformRates(t *testing.T) {
	q := QuoteFee(3000, models.ModelPayPerSale, DiscountFlags{Charity: true}, DefaultFeeRates())

	// 3.7% halves to 1.85% (185 bps) -> 56¢ rounded; 179¢ halves to 90¢
	if q.PlatformFee != 146 {
		t.Errorf("discounted platform fee = %d, want 146", q.PlatformFee)
	}
	// processing stays at full rate on the captured amount
	if q.ProcessingFee != roundHalfUpBps(3000+146, DefaultProcessingPctBps) {
		t.Errorf("processing fee = %d not charged on captured amount", q.ProcessingFee)
	}

	both := QuoteFee(3000, models.ModelPayPerSale, DiscountFlags{Charity: true, LowPrice: true}, DefaultFeeRates())
	if both.PlatformFee != q.PlatformFee {
		t.Errorf("stacked discounts changed platform fee: %d vs %d", both.PlatformFee, q.PlatformFee)
	}
}

func TestQuoteFeeIdentities(t *testing.T) {
	prices := []int64{0, 1, 99, 100, 2500, 3000, 9999, 123457}
	flagSets := []DiscountFlags{{}, {Charity: true}, {LowPrice: true}, {Charity: true, LowPrice: true}}

	for _, price := range prices {
		for _, flags := range flagSets {
			pps := QuoteFee(price, models.ModelPayPerSale, flags, DefaultFeeRates())
			if got := pps.BuyerTotal - pps.ProcessingFee - pps.PlatformFee; got != price {
				t.Errorf("pay_per_sale identity broken at price=%d flags=%+v: got %d", price, flags, got)
			}
			if pps.OrganizerNet != price-pps.PlatformFee {
				t.Errorf("organizer net mismatch at price=%d: %d", price, pps.OrganizerNet)
			}

			pre := QuoteFee(price, models.ModelPrepay, flags, DefaultFeeRates())
			if got := pre.BuyerTotal - pre.ProcessingFee; got != price {
				t.Errorf("prepay identity broken at price=%d: got %d", price, got)
			}
		}
	}
}

func TestQuoteFeeRateOverrides(t *testing.T) {
	rates := FeeRates{PlatformPctBps: 500, PlatformFixedCents: 100, ProcessingPctBps: 300}
	q := QuoteFee(2000, models.ModelPayPerSale, DiscountFlags{}, rates)

	if q.PlatformFee != 200 { // 5% of 2000 + 100
		t.Errorf("platform fee = %d, want 200", q.PlatformFee)
	}
	if q.ProcessingFee != 66 { // round(2200 * 3%)
		t.Errorf("processing fee = %d, want 66", q.ProcessingFee)
	}
}

func TestRoundHalfUpBps(t *testing.T) {
	cases := []struct {
		amount, bps, want int64
	}{
		{3290, 290, 95},   // 95.41 rounds down
		{100, 50, 1},      // 0.5 rounds up
		{100, 49, 0},      // 0.49 rounds down
		{0, 370, 0},
		{1, 10000, 1},
	}
	for _, tc := range cases {
		if got := roundHalfUpBps(tc.amount, tc.bps); got != tc.want {
			t.Errorf("roundHalfUpBps(%d, %d) = %d, want %d", tc.amount, tc.bps, got, tc.want)
		}
	}
}

func TestCompareModelsMatchesPerUnitQuotes(t *testing.T) {
	cmp := CompareModels(3000, 4, DiscountFlags{}, DefaultFeeRates())

	unit := QuoteFee(3000, models.ModelPayPerSale, DiscountFlags{}, DefaultFeeRates())
	if cmp.PayPerSale.BuyerTotal != unit.BuyerTotal*4 {
		t.Errorf("pay_per_sale total = %d, want %d", cmp.PayPerSale.BuyerTotal, unit.BuyerTotal*4)
	}
	if cmp.PayPerSale.PlatformFee != unit.PlatformFee*4 {
		t.Errorf("pay_per_sale platform = %d, want %d", cmp.PayPerSale.PlatformFee, unit.PlatformFee*4)
	}

	preUnit := QuoteFee(3000, models.ModelPrepay, DiscountFlags{}, DefaultFeeRates())
	if cmp.Prepay.CreditsCharged != preUnit.CreditsCharged*4 {
		t.Errorf("prepay credits = %d, want %d", cmp.Prepay.CreditsCharged, preUnit.CreditsCharged*4)
	}
}

func TestQuoteFeeForEventLoadsConfigWithoutCache(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectQuery("SELECT event_id, organizer_id, payment_model").
		WithArgs("event-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "organizer_id", "payment_model", "is_active", "processor",
			"payment_methods", "charity_discount", "low_price_discount",
			"platform_pct_bps", "platform_fixed_cents", "processing_pct_bps",
			"created_at", "updated_at",
		}).AddRow("event-1", "org-1", "pay_per_sale", true, "stripe",
			"{card}", false, false, nil, nil, nil,
			time.Now(), time.Now()))

	q, err := QuoteFeeForEvent(context.Background(), "event-1", 3000)
	if err != nil {
		t.Fatalf("QuoteFeeForEvent returned error: %v", err)
	}
	if q.BuyerTotal != 3385 {
		t.Errorf("buyer total = %d, want 3385", q.BuyerTotal)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuoteFeeForEventInactiveConfig(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectQuery("SELECT event_id, organizer_id, payment_model").
		WithArgs("event-2").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "organizer_id", "payment_model", "is_active", "processor",
			"payment_methods", "charity_discount", "low_price_discount",
			"platform_pct_bps", "platform_fixed_cents", "processing_pct_bps",
			"created_at", "updated_at",
		}).AddRow("event-2", "org-1", "prepay", false, "stripe",
			"{card}", false, false, nil, nil, nil,
			time.Now(), time.Now()))

	if _, err := QuoteFeeForEvent(context.Background(), "event-2", 3000); !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing for inactive config, got %v", err)
	}
}

func TestRatesFromConfig(t *testing.T) {
	pct := int64(200)
	cfg := &models.EventPaymentConfig{PlatformPctBps: &pct}
	rates := RatesFromConfig(cfg)

	if rates.PlatformPctBps != 200 {
		t.Errorf("platform pct = %d, want override 200", rates.PlatformPctBps)
	}
	if rates.PlatformFixedCents != DefaultPlatformFixedCents {
		t.Errorf("platform fixed = %d, want default", rates.PlatformFixedCents)
	}
	if rates.ProcessingPctBps != DefaultProcessingPctBps {
		t.Errorf("processing pct = %d, want default", rates.ProcessingPctBps)
	}
}
