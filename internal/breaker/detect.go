package breaker

import (
	"fmt"
	"math"

	"risk-sentinel/internal/stats"
)

type anomaly struct {
	level     Level
	eventType EventType
	reason    string
}

// annualization factor for hourly-scale tick volatility.
var annualize = math.Sqrt(365 * 24)

// detect runs the four checks in fixed order and returns the single
// most severe firing result; earlier checks win ties. A missing
// baseline is no signal, never an error.
func (p *Protector) detect(bl *baseline, price float64, book *OrderBook) *anomaly {
	var best *anomaly
	consider := func(a *anomaly) {
		if a != nil && (best == nil || a.level > best.level) {
			best = a
		}
	}
	consider(p.checkPrice(bl, price))
	consider(p.checkVolatility(bl))
	consider(p.checkSpread(bl, book))
	consider(p.checkDepth(bl, book))
	return best
}

func (p *Protector) checkPrice(bl *baseline, price float64) *anomaly {
	change := func(base float64) float64 {
		if base <= 0 {
			return 0
		}
		return (price - base) / base
	}
	c1 := change(bl.price1m)
	c5 := change(bl.price5m)
	c15 := change(bl.price15m)

	direction := c1
	if direction == 0 {
		direction = c5
	}
	et := EventFlashRally
	if direction < 0 {
		et = EventFlashCrash
	}

	switch {
	case math.Abs(c15) >= p.cfg.Change15mEmergency:
		return &anomaly{LevelEmergency, et, fmt.Sprintf("15m price change %.2f%%", c15*100)}
	case math.Abs(c5) >= p.cfg.Change5mLevel3:
		return &anomaly{Level3, et, fmt.Sprintf("5m price change %.2f%%", c5*100)}
	case math.Abs(c5) >= p.cfg.Change5mLevel2:
		return &anomaly{Level2, et, fmt.Sprintf("5m price change %.2f%%", c5*100)}
	case math.Abs(c1) >= p.cfg.Change1mLevel2:
		return &anomaly{Level2, et, fmt.Sprintf("1m price change %.2f%%", c1*100)}
	case math.Abs(c1) >= p.cfg.Change1mLevel1:
		return &anomaly{Level1, et, fmt.Sprintf("1m price change %.2f%%", c1*100)}
	}
	return nil
}

// checkVolatility compares recent return volatility against its EMA
// baseline. The EMA is only fed on calm readings so a spike cannot
// normalize itself away.
func (p *Protector) checkVolatility(bl *baseline) *anomaly {
	prices := bl.recentPrices(p.cfg.VolatilityWindow)
	if len(prices) < 2 {
		return nil
	}
	recent := stats.ReturnVolatility(prices)
	if bl.historicalVol == 0 {
		bl.historicalVol = recent
		return nil
	}
	ratio := recent / bl.historicalVol
	if ratio >= p.cfg.VolSpikeRatio {
		level := Level1
		annual := recent * annualize
		switch {
		case annual >= p.cfg.AnnualizedVolSevere:
			level = Level3
		case ratio >= p.cfg.VolSpikeSevereRatio:
			level = Level2
		}
		return &anomaly{level, EventVolatilitySpike,
			fmt.Sprintf("volatility %.1fx baseline, annualized %.0f%%", ratio, annual*100)}
	}
	bl.historicalVol = stats.EMA(bl.historicalVol, recent, p.cfg.VolatilityAlpha)
	return nil
}

func (p *Protector) checkSpread(bl *baseline, book *OrderBook) *anomaly {
	spread, ok := book.spread()
	if !ok {
		return nil
	}
	if spread >= p.cfg.SpreadAbsoluteLimit {
		return &anomaly{Level2, EventSpreadBlowout, fmt.Sprintf("spread %.2f%% absolute", spread*100)}
	}
	if bl.baselineSpread <= 0 {
		return nil
	}
	ratio := spread / bl.baselineSpread
	switch {
	case ratio >= p.cfg.SpreadRatioLevel3:
		return &anomaly{Level3, EventSpreadBlowout, fmt.Sprintf("spread %.1fx baseline", ratio)}
	case ratio >= p.cfg.SpreadRatioLevel1:
		return &anomaly{Level1, EventSpreadBlowout, fmt.Sprintf("spread %.1fx baseline", ratio)}
	}
	return nil
}

func (p *Protector) checkDepth(bl *baseline, book *OrderBook) *anomaly {
	if book == nil {
		return nil
	}
	bid, ask := book.depth(10)
	drop := func(current, base float64) float64 {
		if base <= 0 {
			return 0
		}
		return 1 - current/base
	}
	worst := math.Max(drop(bid, bl.baselineBidDepth), drop(ask, bl.baselineAskDepth))
	switch {
	case worst >= p.cfg.DepthDropLevel3:
		return &anomaly{Level3, EventLiquidityCrisis, fmt.Sprintf("top-10 depth down %.0f%%", worst*100)}
	case worst >= p.cfg.DepthDropLevel1:
		return &anomaly{Level1, EventLiquidityCrisis, fmt.Sprintf("top-10 depth down %.0f%%", worst*100)}
	}
	return nil
}
