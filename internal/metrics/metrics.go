package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookUpdates      *prometheus.CounterVec
	TelegramOutgoing    *prometheus.CounterVec
	TelegramLatency     *prometheus.HistogramVec
	PaymentRequests     *prometheus.CounterVec
	PaymentLatency      *prometheus.HistogramVec
	IPNOutcomes         *prometheus.CounterVec
	Purchases           *prometheus.CounterVec
	CreditedAmount      prometheus.Counter
	CatalogCacheLookups *prometheus.CounterVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_updates_total",
				Help:      "Inbound webhook payloads by kind and result.",
			}, []string{"kind", "result"}),
			TelegramOutgoing: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_outgoing_total",
				Help:      "Telegram Bot API calls by method and status.",
			}, []string{"method", "status"}),
			TelegramLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "telegram_request_duration_seconds",
				Help:      "Latency distribution for Telegram Bot API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			PaymentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nowpayments_requests_total",
				Help:      "Total NOWPayments API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			PaymentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "nowpayments_request_duration_seconds",
				Help:      "Latency distribution for NOWPayments API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			IPNOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipn_outcomes_total",
				Help:      "Payment notifications by reconciliation result.",
			}, []string{"result"}),
			Purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_total",
				Help:      "Purchase attempts by outcome.",
			}, []string{"outcome"}),
			CreditedAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credited_amount_total",
				Help:      "Credits added to user balances by deposits.",
			}),
			CatalogCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_cache_lookups_total",
				Help:      "Catalog cache lookups by result.",
			}, []string{"result"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookUpdates,
			metricsInstance.TelegramOutgoing,
			metricsInstance.TelegramLatency,
			metricsInstance.PaymentRequests,
			metricsInstance.PaymentLatency,
			metricsInstance.IPNOutcomes,
			metricsInstance.Purchases,
			metricsInstance.CreditedAmount,
			metricsInstance.CatalogCacheLookups,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
