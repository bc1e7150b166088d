package riskmgr

import (
	"fmt"
	"time"

	"risk-sentinel/internal/events"

	"go.uber.org/zap"
)

// Position is one open position tracked by the manager. One position
// per symbol per account.
type Position struct {
	Symbol        string
	Side          Side
	Amount        float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	HighestPrice  float64
	LowestPrice   float64
	OpenTime      time.Time
	UnrealizedPnL float64
}

type ExitType string

const (
	ExitStopLoss   ExitType = "stopLoss"
	ExitTakeProfit ExitType = "takeProfit"
)

// Exit describes a stop or target crossing detected on a price update.
// The caller decides how to execute the close.
type Exit struct {
	Type     ExitType
	Symbol   string
	Side     Side
	Price    float64
	Boundary float64
}

type ClosedPayload struct {
	Symbol      string
	Side        Side
	ExitPrice   float64
	RealizedPnL float64
	Reason      string
}

type TrailingPayload struct {
	Symbol  string
	OldStop float64
	NewStop float64
}

// RegisterPosition records a freshly opened position. Missing stop or
// target levels are derived from the account defaults, on the correct
// side of the entry for the position's direction.
func (m *Manager) RegisterPosition(symbol string, side Side, amount, price, stopLoss, takeProfit float64) (*Position, error) {
	now := m.now()

	m.mu.Lock()
	if _, ok := m.positions[symbol]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("position already open for %s", symbol)
	}
	if stopLoss == 0 {
		if side == SideLong {
			stopLoss = price * (1 - m.cfg.DefaultStopLossPct)
		} else {
			stopLoss = price * (1 + m.cfg.DefaultStopLossPct)
		}
	}
	if takeProfit == 0 {
		if side == SideLong {
			takeProfit = price * (1 + m.cfg.DefaultTakeProfitPct)
		} else {
			takeProfit = price * (1 - m.cfg.DefaultTakeProfitPct)
		}
	}
	pos := &Position{
		Symbol:       symbol,
		Side:         side,
		Amount:       amount,
		EntryPrice:   price,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		HighestPrice: price,
		LowestPrice:  price,
		OpenTime:     now,
	}
	m.positions[symbol] = pos
	m.dailyTradeCount++
	m.lastTradeTime = now
	snapshot := *pos
	m.mu.Unlock()

	m.log.Info("position registered",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
		zap.Float64("entry", price))
	m.bus.Emit(events.PositionRegistered, snapshot)
	return &snapshot, nil
}

// UpdatePrice refreshes one position's mark, ratchets the trailing stop
// when enabled and reports a stop or target crossing. A nil return
// means the position stays open.
func (m *Manager) UpdatePrice(symbol string, price float64) *Exit {
	var trailed *TrailingPayload
	var exit *Exit

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}
	if price < pos.LowestPrice {
		pos.LowestPrice = price
	}
	if pos.Side == SideLong {
		pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Amount
	} else {
		pos.UnrealizedPnL = (pos.EntryPrice - price) * pos.Amount
	}

	if m.cfg.TrailingStop {
		if pos.Side == SideLong {
			candidate := pos.HighestPrice * (1 - m.cfg.TrailingDistancePct)
			if candidate > pos.StopLoss {
				trailed = &TrailingPayload{Symbol: symbol, OldStop: pos.StopLoss, NewStop: candidate}
				pos.StopLoss = candidate
			}
		} else {
			candidate := pos.LowestPrice * (1 + m.cfg.TrailingDistancePct)
			if candidate < pos.StopLoss {
				trailed = &TrailingPayload{Symbol: symbol, OldStop: pos.StopLoss, NewStop: candidate}
				pos.StopLoss = candidate
			}
		}
	}

	switch pos.Side {
	case SideLong:
		if price <= pos.StopLoss {
			exit = &Exit{Type: ExitStopLoss, Symbol: symbol, Side: pos.Side, Price: price, Boundary: pos.StopLoss}
		} else if price >= pos.TakeProfit {
			exit = &Exit{Type: ExitTakeProfit, Symbol: symbol, Side: pos.Side, Price: price, Boundary: pos.TakeProfit}
		}
	case SideShort:
		if price >= pos.StopLoss {
			exit = &Exit{Type: ExitStopLoss, Symbol: symbol, Side: pos.Side, Price: price, Boundary: pos.StopLoss}
		} else if price <= pos.TakeProfit {
			exit = &Exit{Type: ExitTakeProfit, Symbol: symbol, Side: pos.Side, Price: price, Boundary: pos.TakeProfit}
		}
	}
	m.mu.Unlock()

	if trailed != nil {
		m.bus.Emit(events.TrailingStopUpdated, *trailed)
	}
	return exit
}

// ClosePosition settles a position at the given price and returns the
// realized PnL. Crossing the daily loss limit halts the account.
func (m *Manager) ClosePosition(symbol string, exitPrice float64, reason string) (float64, error) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("no open position for %s", symbol)
	}
	var pnl float64
	if pos.Side == SideLong {
		pnl = (exitPrice - pos.EntryPrice) * pos.Amount
	} else {
		pnl = (pos.EntryPrice - exitPrice) * pos.Amount
	}
	delete(m.positions, symbol)
	m.dailyPnL += pnl
	switch {
	case pnl < 0:
		m.consecutiveLosses++
	case pnl > 0:
		m.consecutiveLosses = 0
	}
	halt := m.tradingAllowed && m.dailyPnL <= -m.cfg.MaxDailyLoss*m.cfg.Capital
	var tripped *Trigger
	if halt {
		m.tradingAllowed = false
		m.disableReason = fmt.Sprintf("daily loss limit reached (%.2f)", m.dailyPnL)
		tripped = m.recordTriggerLocked("dailyLoss", m.disableReason)
	}
	payload := ClosedPayload{Symbol: symbol, Side: pos.Side, ExitPrice: exitPrice, RealizedPnL: pnl, Reason: reason}
	m.mu.Unlock()

	m.log.Info("position closed",
		zap.String("symbol", symbol),
		zap.Float64("pnl", pnl),
		zap.String("reason", reason))
	m.bus.Emit(events.PositionClosed, payload)
	if halt {
		m.log.Warn("trading disabled", zap.String("reason", tripped.Detail))
		m.bus.Emit(events.RiskTriggered, *tripped)
		m.bus.Emit(events.TradingDisabled, tripped.Detail)
	}
	return pnl, nil
}
