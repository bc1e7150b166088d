package breaker

import (
	"testing"
	"time"

	"risk-sentinel/internal/events"
)

// driveToLevel3 pushes one symbol through a 5m crash.
func driveToLevel3(t *testing.T, p *Protector, ck *clock) {
	t.Helper()
	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("BTC", 91, 1, nil)
	if p.Status().State.Level != Level3 {
		t.Fatalf("setup failed: expected LEVEL_3, got %s", p.Status().State.Level)
	}
}

func feedFlat(p *Protector, ck *clock, price float64, n int) {
	for i := 0; i < n; i++ {
		p.UpdatePrice("BTC", price, 1, nil)
		ck.advance(time.Second)
	}
}

func TestRecoveryRequiresSustainedStability(t *testing.T) {
	p, _, pf, bus, ck := newTestProtector(t)
	var recovered *RecoveredPayload
	bus.Subscribe(events.Recovered, func(ev events.Event) {
		pl := ev.Payload.(RecoveredPayload)
		recovered = &pl
	})

	driveToLevel3(t, p, ck)

	// Inside cooldown nothing recovers, stable or not.
	feedFlat(p, ck, 91, 12)
	p.CheckRecovery()
	if p.Status().State.Level != Level3 {
		t.Fatalf("recovery must not run inside cooldown")
	}

	ck.advance(2 * time.Hour)
	feedFlat(p, ck, 91, 12)

	// First stable reading only starts the timer.
	p.CheckRecovery()
	if p.Status().State.Level != Level3 {
		t.Fatalf("a single stable reading must not recover the breaker")
	}

	ck.advance(p.cfg.StabilityWindow)
	p.CheckRecovery()
	if p.Status().State.Level != LevelNormal {
		t.Fatalf("expected recovery after sustained stability, got %s", p.Status().State.Level)
	}
	if recovered == nil || recovered.PreviousLevel != Level3 {
		t.Fatalf("expected recovered event from LEVEL_3, got %+v", recovered)
	}
	if pf.resumes != 1 {
		t.Fatalf("expected portfolio resume on recovery, got %d", pf.resumes)
	}
}

func TestUnstableReadingResetsStabilityTimer(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	driveToLevel3(t, p, ck)
	ck.advance(2 * time.Hour)
	feedFlat(p, ck, 91, 12)
	p.CheckRecovery() // starts the stability timer

	// Churn the tape before the confirmation window elapses.
	ck.advance(5 * time.Minute)
	for i := 0; i < 12; i++ {
		price := 91.0
		if i%2 == 1 {
			price = 92.4
		}
		p.UpdatePrice("BTC", price, 1, nil)
		ck.advance(time.Second)
	}
	p.CheckRecovery()
	if p.Status().State.Level != Level3 {
		t.Fatalf("unstable reading should keep the breaker tripped")
	}

	// Stability must be re-accumulated from scratch.
	feedFlat(p, ck, 92, 12)
	p.CheckRecovery()
	ck.advance(p.cfg.StabilityWindow / 2)
	p.CheckRecovery()
	if p.Status().State.Level != Level3 {
		t.Fatalf("timer reset was not honored: recovered too early")
	}
	ck.advance(p.cfg.StabilityWindow)
	p.CheckRecovery()
	if p.Status().State.Level != LevelNormal {
		t.Fatalf("expected eventual recovery, got %s", p.Status().State.Level)
	}
}

func TestRecoveryNeedsEnoughHistory(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	if err := p.ManualTrigger(Level2, "halt"); err != nil {
		t.Fatalf("manual trigger failed: %v", err)
	}
	p.mu.Lock()
	p.state.AffectedSymbols = []string{"NEW"}
	p.mu.Unlock()

	ck.advance(time.Hour)
	p.CheckRecovery()
	p.CheckRecovery()
	if p.Status().State.Level != Level2 {
		t.Fatalf("symbol without history must not count as stable")
	}
}

func TestRecoveryCheckSpreadBranch(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryCheckSpread = true
	p := New(cfg, events.NewBus(nil), nil, nil, nil)
	ck := &clock{t: time.Unix(1700000000, 0)}
	p.now = ck.now

	driveToLevel3(t, p, ck)
	ck.advance(2 * time.Hour)
	feedFlat(p, ck, 91, 12)

	// Price is calm but the spread sits far above its baseline.
	p.mu.Lock()
	bl := p.baselines["BTC"]
	bl.baselineSpread = 0.001
	bl.lastSpread = 0.01
	p.mu.Unlock()

	p.CheckRecovery()
	ck.advance(cfg.StabilityWindow * 2)
	p.CheckRecovery()
	if p.Status().State.Level != Level3 {
		t.Fatalf("wide spread should block recovery when the spread branch is enabled")
	}
}
