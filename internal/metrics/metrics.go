package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics собирает счетчики конвертаций, квот, платежей и сессий
type Metrics struct {
	conversions     *prometheus.CounterVec
	quotaDecisions  *prometheus.CounterVec
	orders          *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	sessionsExpired prometheus.Counter
	sessionsLive    prometheus.Gauge
}

// New регистрирует метрики в registerer. nil означает prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxpdf_conversions_total",
			Help: "Converted documents by outcome.",
		}, []string{"result"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxpdf_quota_decisions_total",
			Help: "Free tier decisions per accepted batch.",
		}, []string{"decision"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxpdf_payment_orders_total",
			Help: "Payment orders requested from the provider.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxpdf_payment_verifications_total",
			Help: "Payment verification attempts by outcome.",
		}, []string{"result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxpdf_downloads_total",
			Help: "Archive downloads, first delivery or retry.",
		}, []string{"kind"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docxpdf_sessions_expired_total",
			Help: "Sessions whose temporary storage was reclaimed.",
		}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docxpdf_sessions_live",
			Help: "Sessions currently holding temporary storage.",
		}),
	}

	registerer.MustRegister(
		m.conversions,
		m.quotaDecisions,
		m.orders,
		m.verifications,
		m.downloads,
		m.sessionsExpired,
		m.sessionsLive,
	)
	return m
}

// Nop возвращает метрики, не привязанные к глобальному реестру (для тестов)
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Conversion(result string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(result).Inc()
}

func (m *Metrics) QuotaDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.quotaDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Order(result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(result).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Download(kind string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsLive.Inc()
}

func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
	m.sessionsLive.Dec()
}
