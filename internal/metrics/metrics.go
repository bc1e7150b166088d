package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	BreakerTriggers Counter
	EmergencyCloses Counter
	PartialCloses   Counter
	Recoveries      Counter
	RiskTriggers    Counter
	TradingHalts    Counter
	OrdersBlocked   Counter

	BreakerLevel   Gauge
	FleetRiskLevel Gauge
	GlobalDrawdown Gauge
	GlobalLeverage Gauge
	TotalEquity    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		BreakerTriggers: c,
		EmergencyCloses: c,
		PartialCloses:   c,
		Recoveries:      c,
		RiskTriggers:    c,
		TradingHalts:    c,
		OrdersBlocked:   c,

		BreakerLevel:   g,
		FleetRiskLevel: g,
		GlobalDrawdown: g,
		GlobalLeverage: g,
		TotalEquity:    g,
	}
}
