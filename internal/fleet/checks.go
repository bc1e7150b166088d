package fleet

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"risk-sentinel/internal/events"
	"risk-sentinel/internal/stats"

	"go.uber.org/zap"
)

type severity int

const (
	sevWarning severity = iota + 1
	sevHigh
	sevCritical
)

type checkResult struct {
	name      string
	severity  severity
	detail    string
	accountID string
}

// Exposure breaks total position value into shares per grouping.
type Exposure struct {
	ByExchange map[string]float64
	ByCurrency map[string]float64
	BySymbol   map[string]float64
}

// Correlation pairs need this many matched samples before they count.
const minCorrelationSamples = 20

// RunChecks drives the periodic fleet evaluation until the context is
// cancelled.
func (a *Aggregator) RunChecks(ctx context.Context) {
	interval := a.cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Tick runs one full evaluation pass: day boundary, stale accounts,
// the eight limit checks and the risk-level reduction.
func (a *Aggregator) Tick() {
	now := a.now()
	var emits []events.Event
	var disable []AccountController
	var enable []AccountController
	var reset []AccountController

	a.mu.Lock()
	if day := now.YearDay(); day != a.currentDay {
		a.currentDay = day
		a.dailyStartEquity = a.totalEquity
		a.peakEquity = a.totalEquity
		a.globalDrawdown = 0
		for _, acct := range a.accounts {
			acct.DailyPnL = 0
		}
		reset = a.managersLocked()
		emits = append(emits, events.Event{Name: events.DailyReset})
		if !a.tradingAllowed && strings.Contains(strings.ToLower(a.pauseReason), "daily loss") {
			a.tradingAllowed = true
			a.pauseReason = ""
			enable = a.managersLocked()
			emits = append(emits, events.Event{Name: events.TradingResumed})
		}
	}

	for _, acct := range a.accounts {
		if acct.Status != StatusActive && acct.Status != StatusWarning {
			continue
		}
		if a.cfg.AccountTimeout > 0 && now.Sub(acct.LastUpdate) > a.cfg.AccountTimeout {
			change := StatusChange{AccountID: acct.ID, From: acct.Status, To: StatusInactive, Reason: "snapshot timeout"}
			acct.Status = StatusInactive
			emits = append(emits,
				events.Event{Name: events.AccountTimeout, Payload: acct.ID},
				events.Event{Name: events.AccountStatusChanged, Payload: change})
		}
	}

	results := a.evaluateLocked(now)
	level := reduceLevel(results)
	if level == RiskNormal && a.nearLimitsLocked() {
		level = RiskElevated
	}
	if level != a.riskLevel {
		change := LevelChange{From: a.riskLevel, To: level}
		a.riskLevel = level
		emits = append(emits, events.Event{Name: events.RiskLevelChanged, Payload: change})
	}
	for _, r := range results {
		if r.severity != sevCritical {
			continue
		}
		if a.tradingAllowed {
			a.tradingAllowed = false
			a.pauseReason = r.detail
			disable = a.managersLocked()
			emits = append(emits, events.Event{Name: events.GlobalEmergency, Payload: r.detail})
		}
		break
	}
	a.mu.Unlock()

	// Managers reset before the re-enable pass so a per-account daily
	// loss halt lifts on the same tick as the fleet-level one.
	for _, m := range reset {
		m.ResetDaily()
	}
	for _, m := range enable {
		m.EnableTrading()
	}
	for _, m := range disable {
		m.DisableTrading("fleet emergency halt")
	}
	for _, r := range results {
		if r.accountID != "" && r.severity == sevWarning {
			a.markAccount(r.accountID, StatusWarning, r.detail)
		}
	}
	for _, ev := range emits {
		if ev.Name == events.GlobalEmergency {
			a.log.Error("fleet emergency halt", zap.Any("reason", ev.Payload))
		}
		a.bus.Emit(ev.Name, ev.Payload)
	}
}

// evaluateLocked runs the eight independent checks. Each check only
// reads the shared aggregates, so their order does not matter.
func (a *Aggregator) evaluateLocked(now time.Time) []checkResult {
	var results []checkResult
	fail := func(name string, sev severity, format string, args ...any) {
		results = append(results, checkResult{name: name, severity: sev, detail: fmt.Sprintf(format, args...)})
	}

	if max := a.cfg.MaxTotalEquity; max > 0 && a.totalEquity > max {
		fail("equityLimit", sevWarning, "total equity %.2f exceeds %.2f", a.totalEquity, max)
	}
	if max := a.cfg.MaxTotalPositionValue; max > 0 && a.totalPositionValue > max {
		fail("positionLimit", sevHigh, "total position value %.2f exceeds %.2f", a.totalPositionValue, max)
	}
	if max := a.cfg.MaxGlobalLeverage; max > 0 && a.globalLeverage > max {
		fail("leverage", sevHigh, "global leverage %.2f exceeds %.2f", a.globalLeverage, max)
	}
	if max := a.cfg.MaxGlobalDrawdown; max > 0 && a.globalDrawdown > max {
		fail("drawdown", sevCritical, "global drawdown %.2f%% exceeds %.2f%%", a.globalDrawdown*100, max*100)
	}
	if max := a.cfg.MaxDailyLossPct; max > 0 {
		if _, pct := a.dailyPnLLocked(); pct < -max {
			fail("dailyLoss", sevCritical, "daily loss %.2f%% exceeds %.2f%%", -pct*100, max*100)
		}
	}
	// A single account trivially holds all equity, so concentration
	// only means anything once there is something to diversify across.
	if max := a.cfg.MaxAccountConcentration; max > 0 && a.totalEquity > 0 && len(a.accounts) > 1 {
		for _, acct := range a.accounts {
			if share := acct.Equity / a.totalEquity; share > max {
				results = append(results, checkResult{
					name:      "accountConcentration",
					severity:  sevWarning,
					detail:    fmt.Sprintf("account %s holds %.0f%% of equity", acct.ID, share*100),
					accountID: acct.ID,
				})
			}
		}
	}
	if exp := a.exposureLocked(now); exp != nil {
		if name, share, ok := overShare(exp.ByExchange, a.cfg.MaxExchangeConcentration); ok {
			fail("exposureConcentration", sevWarning, "exchange %s at %.0f%% of position value", name, share*100)
		} else if name, share, ok := overShare(exp.ByCurrency, a.cfg.MaxCurrencyConcentration); ok {
			fail("exposureConcentration", sevWarning, "currency %s at %.0f%% of position value", name, share*100)
		} else if name, share, ok := overShare(exp.BySymbol, a.cfg.MaxSymbolConcentration); ok {
			fail("exposureConcentration", sevWarning, "symbol %s at %.0f%% of position value", name, share*100)
		}
	}
	if a.cfg.CorrelationThreshold > 0 {
		if pairs := a.correlatedPairsLocked(); pairs > a.cfg.MaxCorrelatedPairs {
			fail("accountCorrelation", sevWarning, "%d highly correlated account pairs (max %d)", pairs, a.cfg.MaxCorrelatedPairs)
		}
	}
	return results
}

func reduceLevel(results []checkResult) RiskLevel {
	level := RiskNormal
	for _, r := range results {
		switch r.severity {
		case sevCritical:
			return RiskCritical
		case sevHigh:
			if level < RiskHigh {
				level = RiskHigh
			}
		case sevWarning:
			if level < RiskElevated {
				level = RiskElevated
			}
		}
	}
	return level
}

// nearLimitsLocked reports whether drawdown or leverage sit close
// enough to their ceilings that the fleet should read as elevated even
// with every hard check passing.
func (a *Aggregator) nearLimitsLocked() bool {
	if max := a.cfg.MaxGlobalDrawdown; max > 0 && a.globalDrawdown >= 0.7*max {
		return true
	}
	if max := a.cfg.MaxGlobalLeverage; max > 0 && a.globalLeverage >= 0.8*max {
		return true
	}
	return false
}

// exposureLocked returns position-value shares per exchange, currency
// and symbol, recomputing at most once per cache interval.
func (a *Aggregator) exposureLocked(now time.Time) *Exposure {
	if a.exposure != nil && a.cfg.ExposureCacheTTL > 0 && now.Sub(a.exposureAt) < a.cfg.ExposureCacheTTL {
		return a.exposure
	}
	if a.totalPositionValue <= 0 {
		return nil
	}
	exp := &Exposure{
		ByExchange: make(map[string]float64),
		ByCurrency: make(map[string]float64),
		BySymbol:   make(map[string]float64),
	}
	for _, acct := range a.accounts {
		for _, p := range acct.positions {
			size := p.Size
			if size < 0 {
				size = -size
			}
			value := size * p.MarkPrice
			exp.ByExchange[acct.Exchange] += value
			exp.BySymbol[p.Symbol] += value
			cur := p.Currency
			if cur == "" {
				cur = baseCurrency(p.Symbol)
			}
			exp.ByCurrency[cur] += value
		}
	}
	for _, m := range []map[string]float64{exp.ByExchange, exp.ByCurrency, exp.BySymbol} {
		for k := range m {
			m[k] /= a.totalPositionValue
		}
	}
	a.exposure = exp
	a.exposureAt = now
	return exp
}

func overShare(shares map[string]float64, max float64) (string, float64, bool) {
	if max <= 0 {
		return "", 0, false
	}
	for name, share := range shares {
		if share > max {
			return name, share, true
		}
	}
	return "", 0, false
}

// correlatedPairsLocked counts account pairs whose matched return tails
// correlate past the configured threshold.
func (a *Aggregator) correlatedPairsLocked() int {
	ids := make([]string, 0, len(a.accounts))
	for id := range a.accounts {
		ids = append(ids, id)
	}
	pairs := 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			x := a.accounts[ids[i]].returns
			y := a.accounts[ids[j]].returns
			n := len(x)
			if len(y) < n {
				n = len(y)
			}
			if n < minCorrelationSamples {
				continue
			}
			if corr := stats.Pearson(x, y); math.Abs(corr) >= a.cfg.CorrelationThreshold {
				pairs++
			}
		}
	}
	return pairs
}
