package breaker

import (
	"time"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/stats"
)

type pricePoint struct {
	price  float64
	time   time.Time
	volume float64
}

// baseline is the per-symbol reference state. Entries are created
// lazily on first tick and never deleted while the symbol is active.
type baseline struct {
	price1m  float64
	at1m     time.Time
	price5m  float64
	at5m     time.Time
	price15m float64
	at15m    time.Time

	history []pricePoint

	historicalVol    float64
	baselineSpread   float64
	baselineBidDepth float64
	baselineAskDepth float64
	lastSpread       float64

	lastTick     time.Time
	timeoutFired bool
}

func newBaseline() *baseline {
	return &baseline{}
}

func (b *baseline) record(price, volume float64, now time.Time, maxHistory int) {
	b.history = append(b.history, pricePoint{price: price, time: now, volume: volume})
	if maxHistory > 0 && len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.lastTick = now
	b.timeoutFired = false
}

// refresh advances the trailing baselines. Each reference price is
// replaced only once its full interval has elapsed; a zero timestamp
// means unset and seeds immediately.
func (b *baseline) refresh(price float64, book *OrderBook, now time.Time, cfg config.BreakerConfig) {
	if b.at1m.IsZero() || now.Sub(b.at1m) >= time.Minute {
		b.price1m, b.at1m = price, now
	}
	if b.at5m.IsZero() || now.Sub(b.at5m) >= 5*time.Minute {
		b.price5m, b.at5m = price, now
	}
	if b.at15m.IsZero() || now.Sub(b.at15m) >= 15*time.Minute {
		b.price15m, b.at15m = price, now
	}
	if book == nil {
		return
	}
	if spread, ok := book.spread(); ok {
		b.lastSpread = spread
		b.baselineSpread = stats.EMA(b.baselineSpread, spread, cfg.BaselineAlpha)
	}
	bid, ask := book.depth(10)
	if bid > 0 {
		b.baselineBidDepth = stats.EMA(b.baselineBidDepth, bid, cfg.BaselineAlpha)
	}
	if ask > 0 {
		b.baselineAskDepth = stats.EMA(b.baselineAskDepth, ask, cfg.BaselineAlpha)
	}
}

// recentPrices returns the last n history prices, newest last.
func (b *baseline) recentPrices(n int) []float64 {
	if n <= 0 || len(b.history) == 0 {
		return nil
	}
	start := len(b.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(b.history)-start)
	for _, pt := range b.history[start:] {
		out = append(out, pt.price)
	}
	return out
}

func (o *OrderBook) spread() (float64, bool) {
	if o == nil || len(o.Bids) == 0 || len(o.Asks) == 0 {
		return 0, false
	}
	bid := o.Bids[0][0]
	ask := o.Asks[0][0]
	mid := (bid + ask) / 2
	if mid <= 0 || ask < bid {
		return 0, false
	}
	return (ask - bid) / mid, true
}

// depth sums quantity over the top n levels on each side.
func (o *OrderBook) depth(n int) (bid, ask float64) {
	if o == nil {
		return 0, 0
	}
	for i, lvl := range o.Bids {
		if i >= n {
			break
		}
		bid += lvl[1]
	}
	for i, lvl := range o.Asks {
		if i >= n {
			break
		}
		ask += lvl[1]
	}
	return bid, ask
}
