// Package riskmgr enforces position risk for a single trading account:
// pre-trade admission, risk-budget sizing, stop/target/trailing
// management and daily loss bookkeeping.
package riskmgr

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/events"

	"go.uber.org/zap"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

type OpenRequest struct {
	Symbol   string
	Side     Side
	Amount   float64
	Price    float64
	Leverage float64
}

type Decision struct {
	Allowed        bool
	Reasons        []string
	AdjustedAmount float64
}

type SizingRequest struct {
	Capital       float64
	Price         float64
	StopLossPrice float64
	RiskPercent   float64
}

type Sizing struct {
	RiskAmount       float64
	StopLossDistance float64
	Size             float64
	Clamped          bool
}

// Trigger records one tripped risk rule for the status report and for
// fleet-level subscribers.
type Trigger struct {
	Time   time.Time
	Kind   string
	Detail string
}

// Status is a read-only account snapshot.
type Status struct {
	TradingAllowed    bool
	DisableReason     string
	DailyPnL          float64
	DailyTradeCount   int
	OpenPositions     int
	ConsecutiveLosses int
	Triggers          []Trigger
	Positions         []Position
}

const maxTriggerLog = 50

type Manager struct {
	cfg config.AccountConfig
	log *zap.Logger
	bus *events.Bus
	now func() time.Time

	mu                sync.Mutex
	tradingAllowed    bool
	disableReason     string
	dailyPnL          float64
	dailyTradeCount   int
	lastTradeTime     time.Time
	consecutiveLosses int
	positions         map[string]*Position
	triggers          []Trigger
}

func New(cfg config.AccountConfig, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	return &Manager{
		cfg:            cfg,
		log:            log,
		bus:            bus,
		now:            time.Now,
		tradingAllowed: true,
		positions:      make(map[string]*Position),
	}
}

// Bus exposes the manager's event surface for subscribers.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Persisted is the durable slice of manager state: daily counters and
// the halt flag. Open positions come from the venue, not from disk.
type Persisted struct {
	TradingAllowed    bool
	DisableReason     string
	DailyPnL          float64
	DailyTradeCount   int
	ConsecutiveLosses int
}

// Restore reinstates persisted counters at startup so a restart does
// not reset the daily loss budget or silently lift a halt.
func (m *Manager) Restore(p Persisted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradingAllowed = p.TradingAllowed
	m.disableReason = p.DisableReason
	m.dailyPnL = p.DailyPnL
	m.dailyTradeCount = p.DailyTradeCount
	m.consecutiveLosses = p.ConsecutiveLosses
}

// CheckOpenPosition runs the admission chain in fixed order and stops
// at the first failing rule.
func (m *Manager) CheckOpenPosition(req OpenRequest) Decision {
	now := m.now()
	var tripped *Trigger

	m.mu.Lock()
	dec := func() Decision {
		deny := func(reason string) Decision {
			return Decision{Allowed: false, Reasons: []string{reason}}
		}
		if !m.tradingAllowed {
			return deny(fmt.Sprintf("trading disabled: %s", m.disableReason))
		}
		if m.cfg.TradeCooldown > 0 && !m.lastTradeTime.IsZero() && now.Sub(m.lastTradeTime) < m.cfg.TradeCooldown {
			return deny("trade cooldown active")
		}
		if len(m.positions) >= m.cfg.MaxPositions {
			return deny(fmt.Sprintf("max concurrent positions reached (%d)", m.cfg.MaxPositions))
		}
		if req.Leverage > m.cfg.MaxLeverage {
			return deny(fmt.Sprintf("leverage %.1f exceeds maximum %.1f", req.Leverage, m.cfg.MaxLeverage))
		}
		if m.dailyPnL <= -m.cfg.MaxDailyLoss*m.cfg.Capital {
			tripped = m.recordTriggerLocked("dailyLoss", fmt.Sprintf("daily PnL %.2f breached limit", m.dailyPnL))
			return deny("daily loss limit reached")
		}
		if m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
			return deny(fmt.Sprintf("%d consecutive losses", m.consecutiveLosses))
		}

		adjusted := req.Amount
		if req.Price > 0 {
			maxAmount := m.cfg.Capital * m.cfg.MaxPositionSize / req.Price
			if adjusted > maxAmount {
				adjusted = maxAmount
			}
		}
		return Decision{Allowed: true, AdjustedAmount: adjusted}
	}()
	m.mu.Unlock()

	if tripped != nil {
		m.bus.Emit(events.RiskTriggered, *tripped)
	}
	return dec
}

// CalculatePositionSize sizes a position so that exactly the risk
// budget is lost if the stop is hit, then clamps position value to the
// account's size ceiling.
func (m *Manager) CalculatePositionSize(req SizingRequest) Sizing {
	riskPct := req.RiskPercent
	if riskPct == 0 {
		riskPct = m.cfg.RiskPerTrade
	}
	riskAmount := req.Capital * riskPct

	distance := math.Abs(req.Price - req.StopLossPrice)
	if req.StopLossPrice == 0 || distance == 0 {
		distance = req.Price * m.cfg.DefaultStopLossPct
	}
	if distance == 0 {
		return Sizing{RiskAmount: riskAmount}
	}
	size := riskAmount / distance

	out := Sizing{RiskAmount: riskAmount, StopLossDistance: distance, Size: size}
	maxValue := req.Capital * m.cfg.MaxPositionSize
	if size*req.Price > maxValue && req.Price > 0 {
		out.Size = maxValue / req.Price
		out.Clamped = true
	}
	return out
}

// ResetDaily clears the calendar-day counters. Trading disabled by the
// daily-loss rule is automatically re-enabled.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.dailyPnL = 0
	m.dailyTradeCount = 0
	m.consecutiveLosses = 0
	m.triggers = nil
	reenable := !m.tradingAllowed && isDailyLossReason(m.disableReason)
	if reenable {
		m.tradingAllowed = true
		m.disableReason = ""
	}
	m.mu.Unlock()

	m.bus.Emit(events.DailyReset, nil)
	if reenable {
		m.bus.Emit(events.TradingEnabled, nil)
	}
}

func (m *Manager) DisableTrading(reason string) {
	m.mu.Lock()
	already := !m.tradingAllowed
	m.tradingAllowed = false
	m.disableReason = reason
	if !already {
		m.recordTriggerLocked("tradingDisabled", reason)
	}
	m.mu.Unlock()

	if already {
		return
	}
	m.log.Warn("trading disabled", zap.String("reason", reason))
	m.bus.Emit(events.TradingDisabled, reason)
}

func (m *Manager) EnableTrading() {
	m.mu.Lock()
	already := m.tradingAllowed
	m.tradingAllowed = true
	m.disableReason = ""
	m.mu.Unlock()

	if already {
		return
	}
	m.log.Info("trading enabled")
	m.bus.Emit(events.TradingEnabled, nil)
}

// PauseTrading and ResumeTrading satisfy the breaker's portfolio
// collaborator surface.
func (m *Manager) PauseTrading(reason string) { m.DisableTrading(reason) }
func (m *Manager) ResumeTrading()             { m.EnableTrading() }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		TradingAllowed:    m.tradingAllowed,
		DisableReason:     m.disableReason,
		DailyPnL:          m.dailyPnL,
		DailyTradeCount:   m.dailyTradeCount,
		OpenPositions:     len(m.positions),
		ConsecutiveLosses: m.consecutiveLosses,
		Triggers:          append([]Trigger(nil), m.triggers...),
	}
	for _, pos := range m.positions {
		st.Positions = append(st.Positions, *pos)
	}
	return st
}

func (m *Manager) recordTriggerLocked(kind, detail string) *Trigger {
	trig := Trigger{Time: m.now(), Kind: kind, Detail: detail}
	m.triggers = append(m.triggers, trig)
	if len(m.triggers) > maxTriggerLog {
		m.triggers = m.triggers[len(m.triggers)-maxTriggerLog:]
	}
	return &trig
}

func isDailyLossReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "daily loss")
}
