package metrics

import (
	"net/http"
	"time"

	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SharingMetrics интерфейс для метрик групп и платежей
type SharingMetrics interface {
	IncJoin(result string)
	IncWebhookEvent(kind, outcome string)
	IncGroupTransition(to string)
	ObserveRefund(amount int64, currency string)
	IncSweep(action string, n int)
	IncOrphanedPayment()
	ObserveGatewayCall(op, outcome string, d time.Duration)
}

type sharingMetrics struct {
	log           *logger.Logger
	joins         *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	groups        *prometheus.CounterVec
	refunds       *prometheus.HistogramVec
	sweeps        *prometheus.CounterVec
	orphaned      prometheus.Counter
	gatewayCalls  *prometheus.HistogramVec
}

// NewRegistry создает реестр с метриками рантайма Go и процесса
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler отдает метрики реестра в формате Prometheus
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// NewSharingMetrics регистрирует метрики в registry
func NewSharingMetrics(registry *prometheus.Registry, log *logger.Logger) SharingMetrics {
	factory := promauto.With(registry)

	return &sharingMetrics{
		log: log,
		joins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharing_join_attempts_total",
				Help: "Join attempts by result",
			},
			[]string{"result"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharing_webhook_events_total",
				Help: "Processed payment webhook events by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		groups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharing_group_transitions_total",
				Help: "Group status transitions by target status",
			},
			[]string{"to"},
		),
		refunds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sharing_refund_amount",
				Help:    "Prorated refund amounts in minor units",
				Buckets: prometheus.ExponentialBuckets(10, 10, 5), // 10, 100, 1000, 10000, 100000
			},
			[]string{"currency"},
		),
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharing_sweeper_actions_total",
				Help: "Records changed by the background sweeper",
			},
			[]string{"action"},
		),
		orphaned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sharing_orphaned_payments_total",
				Help: "Payments that succeeded after their slot was released",
			},
		),
		gatewayCalls: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sharing_gateway_call_duration_seconds",
				Help:    "Payment gateway call duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "outcome"},
		),
	}
}

func (m *sharingMetrics) IncJoin(result string) {
	m.joins.WithLabelValues(result).Inc()
}

func (m *sharingMetrics) IncWebhookEvent(kind, outcome string) {
	m.webhookEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *sharingMetrics) IncGroupTransition(to string) {
	m.groups.WithLabelValues(to).Inc()
}

func (m *sharingMetrics) ObserveRefund(amount int64, currency string) {
	m.refunds.WithLabelValues(currency).Observe(float64(amount))
}

func (m *sharingMetrics) IncSweep(action string, n int) {
	if n <= 0 {
		return
	}
	m.sweeps.WithLabelValues(action).Add(float64(n))
}

func (m *sharingMetrics) IncOrphanedPayment() {
	m.orphaned.Inc()
}

func (m *sharingMetrics) ObserveGatewayCall(op, outcome string, d time.Duration) {
	m.gatewayCalls.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// Nop - заглушка для тестов и запуска без метрик
type Nop struct{}

var _ SharingMetrics = Nop{}

func (Nop) IncJoin(string)                                  {}
func (Nop) IncWebhookEvent(string, string)                  {}
func (Nop) IncGroupTransition(string)                       {}
func (Nop) ObserveRefund(int64, string)                     {}
func (Nop) IncSweep(string, int)                            {}
func (Nop) IncOrphanedPayment()                             {}
func (Nop) ObserveGatewayCall(string, string, time.Duration) {}
