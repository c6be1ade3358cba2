package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/stepperslife/settlement/internal/mollie"
	"github.com/stepperslife/settlement/internal/whish"
	"github.com/stepperslife/settlement/pkg/kafka"
	"github.com/stepperslife/settlement/pkg/logging"
)

var (
	db           *sql.DB
	logger       logging.Logger
	metrics      *BoxofficeMetrics
	producer     *kafka.Producer
	redisClient  *redis.Client
	mollieClient *mollie.Client
	whishClient  *whish.Client
)

// BoxofficeMetrics holds all Prometheus metrics for the settlement core
type BoxofficeMetrics struct {
	FeeQuotes         *prometheus.CounterVec
	OrderTransitions  *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	SignatureFailures *prometheus.CounterVec
	CreditOperations  *prometheus.CounterVec
	CommissionEntries *prometheus.CounterVec
	DBQueries         *prometheus.CounterVec
	DBDuration        *prometheus.HistogramVec
	DBConnections     *prometheus.GaugeVec
}

// Clients groups the optional external dependencies handed to Init.
// Nil members disable the corresponding integration.
type Clients struct {
	Producer *kafka.Producer
	Redis    *redis.Client
	Mollie   *mollie.Client
	Whish    *whish.Client
}

// Init initializes the handlers with database, logger, metrics and clients
func Init(database *sql.DB, log logging.Logger, m *BoxofficeMetrics, c Clients) {
	db = database
	logger = log
	metrics = m
	producer = c.Producer
	redisClient = c.Redis
	mollieClient = c.Mollie
	whishClient = c.Whish
}
