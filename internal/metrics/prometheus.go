package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "risk_sentinel"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry

	breakerTriggers prometheus.Counter
	emergencyCloses prometheus.Counter
	partialCloses   prometheus.Counter
	recoveries      prometheus.Counter
	riskTriggers    prometheus.Counter
	tradingHalts    prometheus.Counter
	ordersBlocked   prometheus.Counter

	breakerLevel   prometheus.Gauge
	fleetRiskLevel prometheus.Gauge
	globalDrawdown prometheus.Gauge
	globalLeverage prometheus.Gauge
	totalEquity    prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}

	p := &Prometheus{
		registry:        registry,
		breakerTriggers: counter("breaker_triggers_total", "Total number of circuit breaker escalations."),
		emergencyCloses: counter("emergency_closes_total", "Total number of full position closes."),
		partialCloses:   counter("partial_closes_total", "Total number of partial position reductions."),
		recoveries:      counter("breaker_recoveries_total", "Total number of breaker recoveries to normal."),
		riskTriggers:    counter("risk_triggers_total", "Total number of account risk rule triggers."),
		tradingHalts:    counter("trading_halts_total", "Total number of global trading halts."),
		ordersBlocked:   counter("orders_blocked_total", "Total number of orders rejected by pre-trade checks."),

		breakerLevel:   gauge("breaker_level", "Current circuit breaker level (0=NORMAL..4=EMERGENCY)."),
		fleetRiskLevel: gauge("fleet_risk_level", "Current fleet risk level (0=LOW..4=CRITICAL)."),
		globalDrawdown: gauge("global_drawdown", "Fleet drawdown against peak equity."),
		globalLeverage: gauge("global_leverage", "Fleet position value over equity."),
		totalEquity:    gauge("total_equity", "Fleet total equity."),
	}

	registry.MustRegister(
		p.breakerTriggers, p.emergencyCloses, p.partialCloses, p.recoveries,
		p.riskTriggers, p.tradingHalts, p.ordersBlocked,
		p.breakerLevel, p.fleetRiskLevel, p.globalDrawdown, p.globalLeverage, p.totalEquity,
	)

	p.Metrics = &Metrics{
		BreakerTriggers: promCounter{p.breakerTriggers},
		EmergencyCloses: promCounter{p.emergencyCloses},
		PartialCloses:   promCounter{p.partialCloses},
		Recoveries:      promCounter{p.recoveries},
		RiskTriggers:    promCounter{p.riskTriggers},
		TradingHalts:    promCounter{p.tradingHalts},
		OrdersBlocked:   promCounter{p.ordersBlocked},

		BreakerLevel:   promGauge{p.breakerLevel},
		FleetRiskLevel: promGauge{p.fleetRiskLevel},
		GlobalDrawdown: promGauge{p.globalDrawdown},
		GlobalLeverage: promGauge{p.globalLeverage},
		TotalEquity:    promGauge{p.totalEquity},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
