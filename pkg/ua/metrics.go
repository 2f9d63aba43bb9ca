package ua

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics метрики одного движка. Каждый движок регистрирует их в своем
// реестре, поэтому в одном процессе может работать несколько движков.
type metrics struct {
	registry *prometheus.Registry

	transactions        *prometheus.CounterVec
	activeTransactions  prometheus.Gauge
	harvested           *prometheus.CounterVec
	transactionDuration prometheus.Histogram
	dialogs             prometheus.Gauge
	calls               prometheus.Gauge
	events              *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	registrations       prometheus.Gauge
	authAttempts        *prometheus.CounterVec
}

func newMetrics(namespace string, reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of SIP transactions by kind",
		}, []string{"kind"}),
		activeTransactions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Number of transactions not yet released",
		}),
		harvested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_harvested_total",
			Help:      "Transactions released by the sweep",
		}, []string{"reason"}),
		transactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Lifetime of SIP transactions until release",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 32, 64, 180},
		}),
		dialogs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dialogs_active",
			Help:      "Number of live dialogs",
		}),
		calls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of live calls",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered to the application",
		}, []string{"type"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events lost because the application queue was full",
		}, []string{"type"}),
		registrations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registrations_active",
			Help:      "Registrations confirmed by the registrar",
		}),
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Digest credential attachments by result",
		}, []string{"result"}),
	}
}
