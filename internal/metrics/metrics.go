package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	// Signal intake
	SignalsTotal  *prometheus.CounterVec // labels: category, result
	KafkaMessages *prometheus.CounterVec // labels: type, result

	// Fan-out
	OutcomesTotal    *prometheus.CounterVec   // labels: broker, status, error_kind
	DispatchDuration *prometheus.HistogramVec // labels: category
	LedgerWriteFails prometheus.Counter

	// Broker calls
	BrokerLatency *prometheus.HistogramVec // labels: broker, result
	BrokerRetries *prometheus.CounterVec   // labels: broker
	BreakerState  *prometheus.GaugeVec     // labels: name (0=closed, 1=open, 2=half-open)
	BreakerTrips  *prometheus.CounterVec   // labels: name

	// Exit monitor
	ExitsTriggered *prometheus.CounterVec // labels: reason
	OpenOrders     prometheus.Gauge
	MonitorPassDur prometheus.Histogram

	// Ticks
	TicksTotal     prometheus.Counter
	FeedReconnects prometheus.Counter
	FanoutDrops    *prometheus.CounterVec // labels: subscriber
	BufferedTicks  prometheus.Counter

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates the relay metrics on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_signals_total",
			Help: "Signals received by category and result (accepted, duplicate, error)",
		}, []string{"category", "result"}),
		KafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_kafka_messages_total",
			Help: "Kafka signal messages handled by type and result",
		}, []string{"type", "result"}),

		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_outcomes_total",
			Help: "Per-trader dispatch outcomes",
		}, []string{"broker", "status", "error_kind"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Wall time of one signal fan-out",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"category"}),
		LedgerWriteFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ledger_write_failures_total",
			Help: "Ledger writes that failed after the broker accepted the order",
		}),

		BrokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_broker_call_duration_seconds",
			Help:    "Broker order placement latency per attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"broker", "result"}),
		BrokerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broker_retries_total",
			Help: "Broker order placement retries",
		}, []string{"broker"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		ExitsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_exits_triggered_total",
			Help: "Exits triggered by the exit monitor by reason",
		}, []string{"reason"}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_open_orders",
			Help: "OPEN orders seen by the last exit monitor pass",
		}),
		MonitorPassDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_exit_monitor_pass_duration_seconds",
			Help:    "Duration of one exit monitor pass",
			Buckets: prometheus.DefBuckets,
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ticks_total",
			Help: "Ticks received from the market data feed",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_feed_reconnects_total",
			Help: "Market data websocket reconnection attempts",
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tick_fanout_drops_total",
			Help: "Ticks dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		BufferedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_redis_buffered_ticks_total",
			Help: "Ticks buffered locally while the Redis circuit breaker was open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignalsTotal,
		m.KafkaMessages,
		m.OutcomesTotal,
		m.DispatchDuration,
		m.LedgerWriteFails,
		m.BrokerLatency,
		m.BrokerRetries,
		m.BreakerState,
		m.BreakerTrips,
		m.ExitsTriggered,
		m.OpenOrders,
		m.MonitorPassDur,
		m.TicksTotal,
		m.FeedReconnects,
		m.FanoutDrops,
		m.BufferedTicks,
		m.MarketState,
	)
	return m
}

// Registry returns the registry metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ── nil-safe recorders ──

func (m *Metrics) Signal(category, result string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(category, result).Inc()
}

func (m *Metrics) Kafka(msgType, result string) {
	if m == nil {
		return
	}
	m.KafkaMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) Outcome(broker, status, errorKind string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(broker, status, errorKind).Inc()
}

func (m *Metrics) Dispatched(category string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(category).Observe(d.Seconds())
}

func (m *Metrics) LedgerWriteFailed() {
	if m == nil {
		return
	}
	m.LedgerWriteFails.Inc()
}

func (m *Metrics) BrokerCall(broker, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.BrokerLatency.WithLabelValues(broker, result).Observe(d.Seconds())
}

func (m *Metrics) BrokerRetry(broker string) {
	if m == nil {
		return
	}
	m.BrokerRetries.WithLabelValues(broker).Inc()
}

// Breaker records a circuit breaker transition; state uses the breaker's
// numeric encoding.
func (m *Metrics) Breaker(name string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	if tripped {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ExitTriggered(reason string) {
	if m == nil {
		return
	}
	m.ExitsTriggered.WithLabelValues(reason).Inc()
}

func (m *Metrics) MonitorPass(open int, d time.Duration) {
	if m == nil {
		return
	}
	m.OpenOrders.Set(float64(open))
	m.MonitorPassDur.Observe(d.Seconds())
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.FeedReconnects.Inc()
}

func (m *Metrics) FanoutDrop(subscriber string) {
	if m == nil {
		return
	}
	m.FanoutDrops.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) BufferedTick() {
	if m == nil {
		return
	}
	m.BufferedTicks.Inc()
}

func (m *Metrics) Market(open bool) {
	if m == nil {
		return
	}
	if open {
		m.MarketState.Set(1)
	} else {
		m.MarketState.Set(0)
	}
}
