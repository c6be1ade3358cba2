package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/stepperslife/settlement/internal/whish"
	"github.com/stepperslife/settlement/pkg/config"
	"github.com/stepperslife/settlement/pkg/logging"
)

// JobManager runs background reconciliation. Whish callbacks are less
// reliable than Stripe/Mollie webhooks, so stale PENDING whish orders
// get their collect status polled and pushed through the same
// transitions the callback would have driven.
type JobManager struct {
	db           *sql.DB
	logger       logging.Logger
	whish        *whish.Client
	pollInterval time.Duration
	staleAfter   time.Duration
	stopCh       chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, whishClient *whish.Client) *JobManager {
	return &JobManager{
		db:           database,
		logger:       log,
		whish:        whishClient,
		pollInterval: config.GetEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		staleAfter:   config.GetEnvDuration("RECONCILE_STALE_AFTER", 10*time.Minute),
		stopCh:       make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting settlement job manager")
	go jm.runWhishReconciliation(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping settlement job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runWhishReconciliation(ctx context.Context) {
	if jm.whish == nil {
		jm.logger.Info("Whish not configured, reconciliation job disabled")
		return
	}

	ticker := time.NewTicker(jm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.reconcileStaleWhishOrders(ctx)
		}
	}
}

// reconcileStaleWhishOrders polls collect status for whish orders that
// have sat in PENDING past the stale threshold and applies the matching
// transition. The transitions carry their own state guards, so racing a
// late callback is harmless.
func (jm *JobManager) reconcileStaleWhishOrders(ctx context.Context) {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, currency FROM boxoffice.orders
		WHERE processor = 'whish' AND status = 'pending'
		  AND created_at < NOW() - make_interval(secs => $1)
		ORDER BY created_at ASC
		LIMIT 100
	`, jm.staleAfter.Seconds())
	if err != nil {
		jm.logger.WithError(err).Error("Failed to load stale whish orders")
		return
	}
	defer rows.Close()

	type staleOrder struct {
		id, currency string
	}
	var stale []staleOrder
	for rows.Next() {
		var o staleOrder
		if err := rows.Scan(&o.id, &o.currency); err != nil {
			jm.logger.WithError(err).Error("Failed to scan stale order")
			continue
		}
		stale = append(stale, o)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Failed to iterate stale orders")
		return
	}

	for _, o := range stale {
		status, err := jm.whish.GetCollectStatus(ctx, o.currency, o.id)
		if err != nil {
			jm.logger.WithError(err).WithField("order_id", o.id).Warn("Failed to poll whish collect status")
			continue
		}

		switch status {
		case whish.StatusSuccess:
			if err := MarkOrderPaid(ctx, o.id, ""); err != nil {
				jm.logger.WithError(err).WithField("order_id", o.id).Error("Reconciliation failed to mark order paid")
			}
		case whish.StatusFailed:
			if err := MarkOrderFailed(ctx, o.id, "whish collect failed (reconciled)"); err != nil {
				jm.logger.WithError(err).WithField("order_id", o.id).Error("Reconciliation failed to mark order failed")
			}
		default:
			// still pending at the processor, leave it alone
		}
	}

	if len(stale) > 0 {
		jm.logger.WithFields(logging.Fields{
			"checked": len(stale),
		}).Info("Reconciled stale whish orders")
	}
}
