// Package events provides the synchronous fan-out used by the risk
// layers to broadcast state transitions to subscribers.
package events

import (
	"sync"

	"go.uber.org/zap"
)

type Name string

// Instrument breaker events.
const (
	CircuitBreakerTriggered Name = "circuitBreakerTriggered"
	EmergencyClose          Name = "emergencyClose"
	PartialClose            Name = "partialClose"
	Recovered               Name = "recovered"
	PriceUpdateTimeout      Name = "priceUpdateTimeout"
)

// Position risk manager events.
const (
	PositionRegistered  Name = "positionRegistered"
	PositionClosed      Name = "positionClosed"
	RiskTriggered       Name = "riskTriggered"
	TradingDisabled     Name = "tradingDisabled"
	TradingEnabled      Name = "tradingEnabled"
	DailyReset          Name = "dailyReset"
	TrailingStopUpdated Name = "trailingStopUpdated"
)

// Fleet aggregator events.
const (
	AccountRegistered    Name = "accountRegistered"
	AccountUnregistered  Name = "accountUnregistered"
	AccountWarning       Name = "accountWarning"
	AccountTimeout       Name = "accountTimeout"
	AccountStatusChanged Name = "accountStatusChanged"
	RiskLevelChanged     Name = "riskLevelChanged"
	GlobalEmergency      Name = "globalEmergency"
	TradingResumed       Name = "tradingResumed"
)

type Event struct {
	Name    Name
	Payload any
}

type Handler func(Event)

// Bus invokes handlers synchronously in registration order. Handler
// panics are recovered and logged so one subscriber cannot take down
// the emitting layer.
type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[Name][]Handler
	catchAll []Handler
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:      log,
		handlers: make(map[Name][]Handler),
	}
}

func (b *Bus) Subscribe(name Name, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], h)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event regardless of name.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.catchAll = append(b.catchAll, h)
	b.mu.Unlock()
}

func (b *Bus) Emit(name Name, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[name])+len(b.catchAll))
	handlers = append(handlers, b.handlers[name]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("event", string(ev.Name)),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}
