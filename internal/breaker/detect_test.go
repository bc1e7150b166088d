package breaker

import (
	"testing"
	"time"

	"risk-sentinel/internal/events"
)

func calmBook(depth float64) *OrderBook {
	return &OrderBook{
		Bids: [][2]float64{{99.95, depth}},
		Asks: [][2]float64{{100.05, depth}},
	}
}

func TestVolatilitySpikeDetection(t *testing.T) {
	p, _, _, bus, ck := newTestProtector(t)
	var got TriggerPayload
	bus.Subscribe(events.CircuitBreakerTriggered, func(ev events.Event) {
		got = ev.Payload.(TriggerPayload)
	})

	// Calm phase: tiny oscillation builds a low volatility baseline.
	price := 100.0
	for i := 0; i < 70; i++ {
		if i%2 == 0 {
			price = 100.0
		} else {
			price = 100.05
		}
		p.UpdatePrice("BTC", price, 1, nil)
		ck.advance(time.Second)
	}
	if p.Status().State.Level != LevelNormal {
		t.Fatalf("calm phase should not trigger, got %s", p.Status().State.Level)
	}

	// Spike phase: 1% oscillation stays under the price ladder but
	// blows past the volatility ratio.
	for i := 0; i < 30 && p.Status().State.Level == LevelNormal; i++ {
		if i%2 == 0 {
			price = 100.0
		} else {
			price = 101.0
		}
		p.UpdatePrice("BTC", price, 1, nil)
		ck.advance(time.Second)
	}

	st := p.Status().State
	if st.Level == LevelNormal {
		t.Fatalf("expected volatility spike to trigger")
	}
	if got.EventType != EventVolatilitySpike {
		t.Fatalf("expected VOLATILITY_SPIKE, got %s", got.EventType)
	}
}

func TestCalmReadingUpdatesVolBaselineSpikeDoesNot(t *testing.T) {
	p, _, _, _, _ := newTestProtector(t)
	bl := newBaseline()
	now := time.Unix(1700000000, 0)

	// Calm series seeds and then smooths the EMA.
	for i := 0; i < 61; i++ {
		price := 100.0
		if i%2 == 1 {
			price = 100.05
		}
		bl.record(price, 1, now, 1000)
		now = now.Add(time.Second)
	}
	if a := p.checkVolatility(bl); a != nil {
		t.Fatalf("calm series should not spike: %+v", a)
	}
	calmVol := bl.historicalVol
	if calmVol <= 0 {
		t.Fatalf("expected calm reading to seed the volatility EMA")
	}

	// Wild series: the spike check must fire without touching the EMA.
	for i := 0; i < 61; i++ {
		price := 100.0
		if i%2 == 1 {
			price = 101.0
		}
		bl.record(price, 1, now, 1000)
		now = now.Add(time.Second)
	}
	a := p.checkVolatility(bl)
	if a == nil || a.eventType != EventVolatilitySpike {
		t.Fatalf("expected volatility spike, got %+v", a)
	}
	if bl.historicalVol != calmVol {
		t.Fatalf("spike reading must not feed the volatility EMA: %f -> %f", calmVol, bl.historicalVol)
	}
}

func TestAbsoluteSpreadBlowout(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	p.UpdatePrice("BTC", 100, 1, calmBook(1000))
	ck.advance(time.Second)
	wide := &OrderBook{
		Bids: [][2]float64{{98.5, 1000}},
		Asks: [][2]float64{{101.5, 1000}},
	}
	p.UpdatePrice("BTC", 100, 1, wide)

	st := p.Status().State
	if st.Level != Level2 || st.EventType != EventSpreadBlowout {
		t.Fatalf("expected LEVEL_2 SPREAD_BLOWOUT, got %s %s", st.Level, st.EventType)
	}
}

func TestRelativeSpreadBlowout(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	for i := 0; i < 20; i++ {
		p.UpdatePrice("BTC", 100, 1, calmBook(1000)) // spread 0.1%
		ck.advance(time.Second)
	}
	// 0.55% spread: under the absolute limit, 5.5x the EMA baseline.
	blown := &OrderBook{
		Bids: [][2]float64{{99.725, 1000}},
		Asks: [][2]float64{{100.275, 1000}},
	}
	p.UpdatePrice("BTC", 100, 1, blown)

	st := p.Status().State
	if st.Level != Level3 || st.EventType != EventSpreadBlowout {
		t.Fatalf("expected LEVEL_3 relative spread blowout, got %s %s", st.Level, st.EventType)
	}
}

func TestLiquidityCrisis(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	for i := 0; i < 20; i++ {
		p.UpdatePrice("BTC", 100, 1, calmBook(1000))
		ck.advance(time.Second)
	}
	p.UpdatePrice("BTC", 100, 1, calmBook(100)) // 90% depth drop

	st := p.Status().State
	if st.Level != Level3 || st.EventType != EventLiquidityCrisis {
		t.Fatalf("expected LEVEL_3 LIQUIDITY_CRISIS, got %s %s", st.Level, st.EventType)
	}
}

func TestPartialDepthDropLevel1(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	for i := 0; i < 20; i++ {
		p.UpdatePrice("BTC", 100, 1, calmBook(1000))
		ck.advance(time.Second)
	}
	p.UpdatePrice("BTC", 100, 1, calmBook(400)) // 60% drop

	st := p.Status().State
	if st.Level != Level1 || st.EventType != EventLiquidityCrisis {
		t.Fatalf("expected LEVEL_1 depth warning, got %s %s", st.Level, st.EventType)
	}
}

func TestMissingBookIsNoSignal(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)
	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("BTC", 100.5, 1, nil)
	if p.Status().State.Level != LevelNormal {
		t.Fatalf("missing order book must not trigger spread/depth checks")
	}
}
