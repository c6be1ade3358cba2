package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	boxofficeapi "github.com/stepperslife/settlement/pkg/api/boxoffice"
	"github.com/stepperslife/settlement/pkg/logging"
	"github.com/stepperslife/settlement/pkg/middleware"
	"github.com/stepperslife/settlement/pkg/models"
)

// Payment configs change rarely and are read on every quote and checkout,
// so they sit in Redis with a short TTL. Cache errors degrade to the DB.
const (
	paymentConfigKeyPrefix = "boxoffice:payment_config:"
	paymentConfigTTL       = 5 * time.Minute
)

func cachedPaymentConfig(ctx context.Context, eventID string) (*models.EventPaymentConfig, bool) {
	if redisClient == nil {
		return nil, false
	}

	raw, err := redisClient.Get(ctx, paymentConfigKeyPrefix+eventID).Bytes()
	if err != nil {
		return nil, false
	}

	var cfg models.EventPaymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"event_id": eventID,
		}).Warn("Discarding corrupt cached payment config")
		redisClient.Del(ctx, paymentConfigKeyPrefix+eventID)
		return nil, false
	}
	if !cfg.IsActive {
		return nil, false
	}
	return &cfg, true
}

func storePaymentConfig(ctx context.Context, cfg *models.EventPaymentConfig) {
	if redisClient == nil || cfg == nil {
		return
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := redisClient.Set(ctx, paymentConfigKeyPrefix+cfg.EventID, raw, paymentConfigTTL).Err(); err != nil {
		logger.WithFields(logging.Fields{
			"error":    err,
			"event_id": cfg.EventID,
		}).Warn("Failed to cache payment config")
	}
}

// InvalidatePaymentConfig drops an event's cached config. Called by the
// service endpoint event management hits after editing a config.
func InvalidatePaymentConfig(ctx context.Context, eventID string) {
	if redisClient == nil {
		return
	}
	redisClient.Del(ctx, paymentConfigKeyPrefix+eventID)
}

// PostInvalidatePaymentConfig handles POST /events/:event_id/payment-config/invalidate
func PostInvalidatePaymentConfig(c middleware.Context) {
	eventID := c.Param("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, boxofficeapi.ErrorResponse{Error: "event_id required"})
		return
	}
	InvalidatePaymentConfig(c.Request.Context(), eventID)
	c.JSON(http.StatusOK, boxofficeapi.SuccessResponse{Success: true, Message: "Payment config cache invalidated"})
}
