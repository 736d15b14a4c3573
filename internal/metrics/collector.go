package metrics

import (
	"github.com/leozw/shopcore/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	config   *config.MimirConfig
	gatherer prometheus.Gatherer

	// Registry
	connectionsOpened  *prometheus.CounterVec
	connectionsEvicted *prometheus.CounterVec
	connectionFailures *prometheus.CounterVec
	connectionsCached  prometheus.Gauge

	// Ledger automation
	automationRuns        *prometheus.CounterVec
	automationConversions *prometheus.CounterVec
	automationOrderErrors *prometheus.CounterVec
	automationDuration    *prometheus.HistogramVec
	automationRejected    *prometheus.CounterVec

	// Balance reconciliation
	balanceVerifications *prometheus.CounterVec
	balanceDrift         *prometheus.GaugeVec
}

// NewCollector registers every series on reg. Pass a fresh
// prometheus.NewRegistry() per collector in tests. A nil *Collector is
// valid and records nothing.
func NewCollector(reg *prometheus.Registry, cfg config.MimirConfig) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		config:   &cfg,
		gatherer: reg,

		connectionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_connections_opened_total",
				Help: "Tenant database handles opened by the registry",
			},
			[]string{"tenant_id"},
		),

		connectionsEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_connections_evicted_total",
				Help: "Tenant database handles evicted after a disconnect",
			},
			[]string{"tenant_id"},
		),

		connectionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenant_connection_failures_total",
				Help: "Failed attempts to open a tenant database handle",
			},
			[]string{"tenant_id"},
		),

		connectionsCached: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenant_connections_cached",
				Help: "Tenant database handles currently cached",
			},
		),

		automationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_automation_runs_total",
				Help: "Ledger automation runs by outcome (committed, aborted)",
			},
			[]string{"tenant_id", "outcome"},
		),

		automationConversions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_automation_conversions_total",
				Help: "Orders converted into invoices",
			},
			[]string{"tenant_id", "kind"},
		),

		automationOrderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_automation_order_errors_total",
				Help: "Orders that failed conversion and were skipped",
			},
			[]string{"tenant_id", "stage"},
		),

		automationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_automation_run_duration_seconds",
				Help:    "Duration of a ledger automation run",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tenant_id"},
		),

		automationRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_automation_busy_rejections_total",
				Help: "Runs rejected because another run was in progress",
			},
			[]string{"tenant_id"},
		),

		balanceVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_verifications_total",
				Help: "Balance snapshot verifications by result (match, mismatch)",
			},
			[]string{"tenant_id", "party", "result"},
		),

		balanceDrift: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balance_drift_parties",
				Help: "Parties whose snapshot drifted in the last bulk verification",
			},
			[]string{"tenant_id", "party"},
		),
	}
}

func (c *Collector) RecordConnectionOpened(tenantID string, cached int) {
	if c == nil {
		return
	}
	c.connectionsOpened.WithLabelValues(tenantID).Inc()
	c.connectionsCached.Set(float64(cached))
}

func (c *Collector) RecordConnectionEvicted(tenantID string, cached int) {
	if c == nil {
		return
	}
	c.connectionsEvicted.WithLabelValues(tenantID).Inc()
	c.connectionsCached.Set(float64(cached))
}

func (c *Collector) RecordConnectionFailure(tenantID string) {
	if c == nil {
		return
	}
	c.connectionFailures.WithLabelValues(tenantID).Inc()
}

func (c *Collector) RecordConnectionsCached(cached int) {
	if c == nil {
		return
	}
	c.connectionsCached.Set(float64(cached))
}

func (c *Collector) RecordAutomationRun(tenantID string, committed bool, seconds float64, sales, purchases int) {
	if c == nil {
		return
	}
	outcome := "committed"
	if !committed {
		outcome = "aborted"
	}

	c.automationRuns.WithLabelValues(tenantID, outcome).Inc()
	c.automationDuration.WithLabelValues(tenantID).Observe(seconds)

	if !committed {
		return
	}
	c.automationConversions.WithLabelValues(tenantID, "sales").Add(float64(sales))
	c.automationConversions.WithLabelValues(tenantID, "purchase").Add(float64(purchases))
}

func (c *Collector) RecordOrderError(tenantID, stage string) {
	if c == nil {
		return
	}
	c.automationOrderErrors.WithLabelValues(tenantID, stage).Inc()
}

func (c *Collector) RecordAutomationRejected(tenantID string) {
	if c == nil {
		return
	}
	c.automationRejected.WithLabelValues(tenantID).Inc()
}

func (c *Collector) RecordBalanceVerification(tenantID, party string, match bool) {
	if c == nil {
		return
	}
	result := "match"
	if !match {
		result = "mismatch"
	}
	c.balanceVerifications.WithLabelValues(tenantID, party, result).Inc()
}

func (c *Collector) RecordBalanceDrift(tenantID, party string, mismatches int) {
	if c == nil {
		return
	}
	c.balanceDrift.WithLabelValues(tenantID, party).Set(float64(mismatches))
}
