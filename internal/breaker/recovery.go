package breaker

import (
	"context"
	"time"

	"risk-sentinel/internal/events"
	"risk-sentinel/internal/stats"

	"go.uber.org/zap"
)

// RunRecovery drives the periodic stability check until ctx is done.
func (p *Protector) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckRecovery()
		}
	}
}

// CheckRecovery evaluates market stability once. The breaker recovers
// only after stability has held for the full confirmation window; a
// single stable reading merely starts the timer and any unstable
// reading resets it.
func (p *Protector) CheckRecovery() {
	now := p.now()

	p.mu.Lock()
	if p.state.Level == LevelNormal {
		p.stableSince = time.Time{}
		p.mu.Unlock()
		return
	}
	if now.Before(p.state.CooldownUntil) {
		p.mu.Unlock()
		return
	}
	if !p.marketStableLocked() {
		p.stableSince = time.Time{}
		p.mu.Unlock()
		return
	}
	if p.stableSince.IsZero() {
		p.stableSince = now
		p.mu.Unlock()
		return
	}
	if now.Sub(p.stableSince) < p.cfg.StabilityWindow {
		p.mu.Unlock()
		return
	}
	prev := p.recoverLocked("market stability confirmed")
	p.mu.Unlock()

	p.afterRecovery(prev)
}

// marketStableLocked requires every affected symbol to show enough
// history with calm return volatility. The spread branch is optional
// and off by default: the source behavior gates recovery on price
// volatility alone.
func (p *Protector) marketStableLocked() bool {
	if len(p.state.AffectedSymbols) == 0 {
		return true
	}
	for _, symbol := range p.state.AffectedSymbols {
		bl := p.baselines[symbol]
		if bl == nil || len(bl.history) < p.cfg.MinStablePoints {
			return false
		}
		prices := bl.recentPrices(p.cfg.MinStablePoints)
		if stats.ReturnVolatility(prices) > p.cfg.StableStdDev {
			return false
		}
		if p.cfg.RecoveryCheckSpread && bl.baselineSpread > 0 && bl.lastSpread > 2*bl.baselineSpread {
			return false
		}
	}
	return true
}

func (p *Protector) recoverLocked(reason string) Level {
	prev := p.state.Level
	p.state = State{}
	p.stableSince = time.Time{}
	p.eventLog = append(p.eventLog, TriggerRecord{
		Time:          p.now(),
		PreviousLevel: prev,
		CurrentLevel:  LevelNormal,
		EventType:     EventRecovery,
		Reason:        reason,
	})
	if len(p.eventLog) > eventLogSize {
		p.eventLog = p.eventLog[len(p.eventLog)-eventLogSize:]
	}
	return prev
}

func (p *Protector) afterRecovery(prev Level) {
	p.log.Info("circuit breaker recovered", zap.String("from", prev.String()))
	if p.portfolio != nil {
		p.portfolio.ResumeTrading()
	}
	p.bus.Emit(events.Recovered, RecoveredPayload{PreviousLevel: prev})
}

// RunWatch emits priceUpdateTimeout for symbols whose feed has gone
// quiet. The flag re-arms on the next tick for that symbol.
func (p *Protector) RunWatch(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckStaleFeeds()
		}
	}
}

func (p *Protector) CheckStaleFeeds() {
	now := p.now()
	var stale []TimeoutPayload

	p.mu.Lock()
	for symbol, bl := range p.baselines {
		if bl.timeoutFired || bl.lastTick.IsZero() {
			continue
		}
		if now.Sub(bl.lastTick) > p.cfg.PriceTimeout {
			bl.timeoutFired = true
			stale = append(stale, TimeoutPayload{Symbol: symbol, LastTick: bl.lastTick})
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.log.Warn("price feed stale", zap.String("symbol", s.Symbol), zap.Time("last_tick", s.LastTick))
		p.bus.Emit(events.PriceUpdateTimeout, s)
	}
}
