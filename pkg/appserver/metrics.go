package appserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics prometheus метрики движка. Все методы допускают nil получателя,
// тогда метрики не собираются.
type Metrics struct {
	transactionsTotal   *prometheus.CounterVec
	transactionsActive  prometheus.Gauge
	transactionDuration prometheus.Histogram
	forksTotal          prometheus.Counter
	forkOutcomes        *prometheus.CounterVec
	responsesRelayed    *prometheus.CounterVec
	synthesized         *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	timersFired         prometheus.Counter
	errorsTotal         *prometheus.CounterVec
	handleMisuse        *prometheus.CounterVec
	handleLeaks         prometheus.Counter
	panicsTotal         prometheus.Counter
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns, sub = "sip", "appserver"

	return &Metrics{
		transactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transactions_total",
			Help: "Входящие транзакции по типу запроса",
		}, []string{"kind", "service"}),
		transactionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transactions_active",
			Help: "Транзакции в обработке",
		}),
		transactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "transaction_duration_seconds",
			Help:    "Время жизни транзакции",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180},
		}),
		forksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "forks_total",
			Help: "Созданные форки",
		}),
		forkOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "fork_outcomes_total",
			Help: "Терминальные состояния форков",
		}, []string{"outcome"}),
		responsesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "responses_relayed_total",
			Help: "Ответы, отправленные наверх, по классу",
		}, []string{"class"}),
		synthesized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "synthesized_responses_total",
			Help: "Ответы, сформированные движком",
		}, []string{"status", "cause"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "state_transitions_total",
			Help: "Переходы фаз транзакций",
		}, []string{"from", "to"}),
		timersFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "timers_fired_total",
			Help: "Сработавшие таймеры сервисов",
		}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "errors_total",
			Help: "Ошибки операций сервисов",
		}, []string{"kind"}),
		handleMisuse: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "handle_misuse_total",
			Help: "Использование освобожденных хендлов",
		}, []string{"op"}),
		handleLeaks: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "handle_leaks_total",
			Help: "Хендлы, не использованные до выхода из колбэка",
		}),
		panicsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "panics_total",
			Help: "Паники в колбэках сервисов",
		}),
	}
}

func (m *Metrics) TransactionStarted(kind, service string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(kind, service).Inc()
	m.transactionsActive.Inc()
}

func (m *Metrics) TransactionDestroyed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.transactionsActive.Dec()
	m.transactionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) ForkCreated() {
	if m == nil {
		return
	}
	m.forksTotal.Inc()
}

func (m *Metrics) ForkOutcome(outcome string) {
	if m == nil {
		return
	}
	m.forkOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ResponseRelayed(status int) {
	if m == nil {
		return
	}
	m.responsesRelayed.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

func (m *Metrics) Synthesized(status int, cause string) {
	if m == nil {
		return
	}
	m.synthesized.WithLabelValues(strconv.Itoa(status), cause).Inc()
}

func (m *Metrics) StateTransition(from, to Phase) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) TimerFired() {
	if m == nil {
		return
	}
	m.timersFired.Inc()
}

func (m *Metrics) Error(kind ErrorKind) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) HandleMisuse(op string) {
	if m == nil {
		return
	}
	m.handleMisuse.WithLabelValues(op).Inc()
}

func (m *Metrics) HandleLeaks(n int) {
	if m == nil {
		return
	}
	m.handleLeaks.Add(float64(n))
}

func (m *Metrics) Panic() {
	if m == nil {
		return
	}
	m.panicsTotal.Inc()
}
