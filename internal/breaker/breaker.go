// Package breaker implements the per-instrument black swan protector:
// it watches price, volatility, spread and order-book depth per symbol,
// escalates a single circuit-breaker state through severity levels and
// drives mitigation and recovery.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/events"

	"go.uber.org/zap"
)

type Level int

const (
	LevelNormal Level = iota
	Level1
	Level2
	Level3
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case Level1:
		return "LEVEL_1"
	case Level2:
		return "LEVEL_2"
	case Level3:
		return "LEVEL_3"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

type EventType string

const (
	EventFlashCrash      EventType = "FLASH_CRASH"
	EventFlashRally      EventType = "FLASH_RALLY"
	EventVolatilitySpike EventType = "VOLATILITY_SPIKE"
	EventSpreadBlowout   EventType = "SPREAD_BLOWOUT"
	EventLiquidityCrisis EventType = "LIQUIDITY_CRISIS"
	EventManual          EventType = "MANUAL"
	EventRecovery        EventType = "RECOVERY"
)

// OrderBook carries best-first [price, qty] levels.
type OrderBook struct {
	Bids [][2]float64
	Asks [][2]float64
}

// State is the single breaker state shared by all symbols.
type State struct {
	Level           Level
	TriggeredAt     time.Time
	Reason          string
	EventType       EventType
	AffectedSymbols []string
	CooldownUntil   time.Time
}

// TriggerRecord is one entry of the bounded event log kept for Status.
type TriggerRecord struct {
	Time          time.Time
	PreviousLevel Level
	CurrentLevel  Level
	Symbol        string
	EventType     EventType
	Reason        string
}

// Status is a read-only snapshot of the breaker.
type Status struct {
	State  State
	Events []TriggerRecord
}

// TriggerPayload is emitted as events.CircuitBreakerTriggered.
type TriggerPayload struct {
	PreviousLevel Level
	CurrentLevel  Level
	Symbol        string
	EventType     EventType
	Reason        string
}

// RecoveredPayload is emitted as events.Recovered.
type RecoveredPayload struct {
	PreviousLevel Level
}

// TimeoutPayload is emitted as events.PriceUpdateTimeout.
type TimeoutPayload struct {
	Symbol   string
	LastTick time.Time
}

// Executor closes or shrinks positions on escalation. Both calls are
// best-effort: failures are logged and the state transition stands.
type Executor interface {
	EmergencyCloseAll(ctx context.Context, actionID, reason string) error
	ReduceAllPositions(ctx context.Context, actionID string, ratio float64) error
}

// PortfolioController is the account/portfolio collaborator the breaker
// pauses on LEVEL_2 and above and resumes on recovery.
type PortfolioController interface {
	PauseTrading(reason string)
	ResumeTrading()
}

const eventLogSize = 20

type Protector struct {
	cfg       config.BreakerConfig
	log       *zap.Logger
	bus       *events.Bus
	executor  Executor
	portfolio PortfolioController
	now       func() time.Time

	mu          sync.Mutex
	baselines   map[string]*baseline
	state       State
	eventLog    []TriggerRecord
	stableSince time.Time
}

// New builds a protector. executor and portfolio are optional; a nil
// collaborator simply skips that mitigation step.
func New(cfg config.BreakerConfig, bus *events.Bus, executor Executor, portfolio PortfolioController, log *zap.Logger) *Protector {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	return &Protector{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		executor:  executor,
		portfolio: portfolio,
		now:       time.Now,
		baselines: make(map[string]*baseline),
	}
}

// UpdatePrice feeds one tick. Baselines are always updated; anomaly
// detection is suppressed while inside the cooldown window.
func (p *Protector) UpdatePrice(symbol string, price, volume float64, book *OrderBook) {
	if symbol == "" || price <= 0 {
		return
	}
	now := p.now()

	p.mu.Lock()
	bl := p.baselines[symbol]
	if bl == nil {
		bl = newBaseline()
		p.baselines[symbol] = bl
	}
	bl.record(price, volume, now, p.cfg.PriceHistorySize)

	var found *anomaly
	if !now.Before(p.state.CooldownUntil) {
		found = p.detect(bl, price, book)
	}
	bl.refresh(price, book, now, p.cfg)

	var act *actions
	if found != nil && found.level > p.state.Level {
		act = p.escalateLocked(symbol, *found, now)
	}
	p.mu.Unlock()

	if act != nil {
		p.perform(act)
	}
}

// ManualTrigger is an operator override that bypasses detection. The
// level still only moves up; recovery is the only way down.
func (p *Protector) ManualTrigger(level Level, reason string) error {
	if level <= LevelNormal || level > LevelEmergency {
		return fmt.Errorf("invalid manual trigger level %d", int(level))
	}
	now := p.now()
	p.mu.Lock()
	if level <= p.state.Level {
		cur := p.state.Level
		p.mu.Unlock()
		return fmt.Errorf("breaker already at %s, refusing manual downgrade to %s", cur, level)
	}
	act := p.escalateLocked("", anomaly{level: level, eventType: EventManual, reason: reason}, now)
	p.mu.Unlock()
	p.perform(act)
	return nil
}

// ManualRecover resets the breaker to NORMAL immediately.
func (p *Protector) ManualRecover() {
	p.mu.Lock()
	if p.state.Level == LevelNormal {
		p.mu.Unlock()
		return
	}
	prev := p.recoverLocked("manual recovery")
	p.mu.Unlock()
	p.afterRecovery(prev)
}

// Status returns the breaker state and the last recorded triggers.
func (p *Protector) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state
	st.AffectedSymbols = append([]string(nil), p.state.AffectedSymbols...)
	evs := append([]TriggerRecord(nil), p.eventLog...)
	return Status{State: st, Events: evs}
}

// RestoreState reinstates a persisted breaker state, used at startup so
// a restart does not silently drop an active halt.
func (p *Protector) RestoreState(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st
	p.stableSince = time.Time{}
}

func (p *Protector) escalateLocked(symbol string, a anomaly, now time.Time) *actions {
	prev := p.state.Level
	p.state.Level = a.level
	p.state.TriggeredAt = now
	p.state.Reason = a.reason
	p.state.EventType = a.eventType
	p.state.CooldownUntil = now.Add(p.cooldown(a.level))
	if symbol != "" && !contains(p.state.AffectedSymbols, symbol) {
		p.state.AffectedSymbols = append(p.state.AffectedSymbols, symbol)
	}
	p.stableSince = time.Time{}

	rec := TriggerRecord{
		Time:          now,
		PreviousLevel: prev,
		CurrentLevel:  a.level,
		Symbol:        symbol,
		EventType:     a.eventType,
		Reason:        a.reason,
	}
	p.eventLog = append(p.eventLog, rec)
	if len(p.eventLog) > eventLogSize {
		p.eventLog = p.eventLog[len(p.eventLog)-eventLogSize:]
	}

	return &actions{
		// One id per escalation: the executor uses it to dedupe a
		// replayed trigger without suppressing the next one.
		actionID: fmt.Sprintf("%s:%s:%d", a.level, a.eventType, now.UnixMilli()),
		trigger: TriggerPayload{
			PreviousLevel: prev,
			CurrentLevel:  a.level,
			Symbol:        symbol,
			EventType:     a.eventType,
			Reason:        a.reason,
		},
	}
}

type actions struct {
	actionID string
	trigger  TriggerPayload
}

// perform runs mitigation outside the state lock so collaborator
// callbacks cannot deadlock against UpdatePrice.
func (p *Protector) perform(act *actions) {
	t := act.trigger
	p.log.Warn("circuit breaker escalated",
		zap.String("from", t.PreviousLevel.String()),
		zap.String("to", t.CurrentLevel.String()),
		zap.String("symbol", t.Symbol),
		zap.String("type", string(t.EventType)),
		zap.String("reason", t.Reason),
	)
	p.bus.Emit(events.CircuitBreakerTriggered, t)

	ctx := context.Background()
	switch t.CurrentLevel {
	case LevelEmergency:
		p.closeAll(ctx, act.actionID, t.Reason)
	case Level3:
		if p.cfg.CloseAllOnLevel3 {
			p.closeAll(ctx, act.actionID, t.Reason)
		} else {
			p.reduce(ctx, act.actionID, 0.5)
		}
	case Level2:
		p.reduce(ctx, act.actionID, 0.5)
	case Level1:
		p.reduce(ctx, act.actionID, 0.25)
	}
	if t.CurrentLevel >= Level2 && p.portfolio != nil {
		p.portfolio.PauseTrading(t.Reason)
	}
}

// closeAll and reduce always emit their mitigation event; a nil
// executor only skips the venue call, so subscribers still learn what
// the breaker decided.
func (p *Protector) closeAll(ctx context.Context, actionID, reason string) {
	if p.executor != nil {
		if err := p.executor.EmergencyCloseAll(ctx, actionID, reason); err != nil {
			p.log.Error("emergency close failed", zap.Error(err))
		}
	}
	p.bus.Emit(events.EmergencyClose, reason)
}

func (p *Protector) reduce(ctx context.Context, actionID string, ratio float64) {
	if p.executor != nil {
		if err := p.executor.ReduceAllPositions(ctx, actionID, ratio); err != nil {
			p.log.Error("position reduction failed", zap.Float64("ratio", ratio), zap.Error(err))
		}
	}
	p.bus.Emit(events.PartialClose, ratio)
}

func (p *Protector) cooldown(level Level) time.Duration {
	switch level {
	case Level1:
		return p.cfg.CooldownLevel1
	case Level2:
		return p.cfg.CooldownLevel2
	case Level3:
		return p.cfg.CooldownLevel3
	case LevelEmergency:
		return p.cfg.CooldownEmergency
	default:
		return 0
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
