package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/events"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		PriceHistorySize:    1000,
		VolatilityWindow:    60,
		VolatilityAlpha:     0.05,
		BaselineAlpha:       0.1,
		Change1mLevel1:      0.03,
		Change1mLevel2:      0.05,
		Change5mLevel2:      0.05,
		Change5mLevel3:      0.08,
		Change15mEmergency:  0.15,
		VolSpikeRatio:       3.0,
		VolSpikeSevereRatio: 6.0,
		AnnualizedVolSevere: 2.0,
		SpreadAbsoluteLimit: 0.02,
		SpreadRatioLevel3:   5.0,
		SpreadRatioLevel1:   3.0,
		DepthDropLevel3:     0.8,
		DepthDropLevel1:     0.5,
		CooldownLevel1:      5 * time.Minute,
		CooldownLevel2:      15 * time.Minute,
		CooldownLevel3:      time.Hour,
		CooldownEmergency:   4 * time.Hour,
		RecoveryInterval:    time.Minute,
		StabilityWindow:     10 * time.Minute,
		StableStdDev:        0.01,
		MinStablePoints:     10,
		PriceTimeout:        30 * time.Second,
		CheckInterval:       time.Second,
	}
}

type fakeExecutor struct {
	mu         sync.Mutex
	closedWith []string
	actionIDs  []string
	reductions []float64
	fail       bool
}

func (f *fakeExecutor) EmergencyCloseAll(ctx context.Context, actionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedWith = append(f.closedWith, reason)
	f.actionIDs = append(f.actionIDs, actionID)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeExecutor) ReduceAllPositions(ctx context.Context, actionID string, ratio float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reductions = append(f.reductions, ratio)
	f.actionIDs = append(f.actionIDs, actionID)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

type fakePortfolio struct {
	pauses  []string
	resumes int
}

func (f *fakePortfolio) PauseTrading(reason string) { f.pauses = append(f.pauses, reason) }
func (f *fakePortfolio) ResumeTrading()             { f.resumes++ }

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestProtector(t *testing.T) (*Protector, *fakeExecutor, *fakePortfolio, *events.Bus, *clock) {
	t.Helper()
	bus := events.NewBus(nil)
	ex := &fakeExecutor{}
	pf := &fakePortfolio{}
	p := New(testConfig(), bus, ex, pf, nil)
	ck := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	p.now = ck.now
	return p, ex, pf, bus, ck
}

func TestFlashCrashLevel1(t *testing.T) {
	p, ex, _, bus, ck := newTestProtector(t)
	var got TriggerPayload
	bus.Subscribe(events.CircuitBreakerTriggered, func(ev events.Event) {
		got = ev.Payload.(TriggerPayload)
	})

	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(10 * time.Second)
	p.UpdatePrice("BTC", 96, 1, nil)

	st := p.Status()
	if st.State.Level != Level1 {
		t.Fatalf("expected LEVEL_1, got %s", st.State.Level)
	}
	if got.EventType != EventFlashCrash {
		t.Fatalf("expected FLASH_CRASH, got %s", got.EventType)
	}
	if got.PreviousLevel != LevelNormal || got.CurrentLevel != Level1 {
		t.Fatalf("unexpected transition %s -> %s", got.PreviousLevel, got.CurrentLevel)
	}
	if len(ex.reductions) != 1 || ex.reductions[0] != 0.25 {
		t.Fatalf("expected 25%% reduction, got %v", ex.reductions)
	}
}

func TestFiveMinuteMoveLevel3(t *testing.T) {
	p, ex, pf, _, ck := newTestProtector(t)

	p.UpdatePrice("ETH", 100, 1, nil)
	ck.advance(30 * time.Second)
	p.UpdatePrice("ETH", 91, 1, nil)

	st := p.Status()
	if st.State.Level != Level3 {
		t.Fatalf("expected LEVEL_3, got %s", st.State.Level)
	}
	if len(ex.reductions) != 1 || ex.reductions[0] != 0.5 {
		t.Fatalf("expected 50%% reduction on LEVEL_3, got %v", ex.reductions)
	}
	if len(pf.pauses) != 1 {
		t.Fatalf("expected trading pause at LEVEL_2+, got %d", len(pf.pauses))
	}
}

func TestEmergencyClosesEverything(t *testing.T) {
	p, ex, pf, bus, ck := newTestProtector(t)
	emergencies := 0
	bus.Subscribe(events.EmergencyClose, func(ev events.Event) { emergencies++ })

	p.UpdatePrice("SOL", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("SOL", 82, 1, nil)

	st := p.Status()
	if st.State.Level != LevelEmergency {
		t.Fatalf("expected EMERGENCY, got %s", st.State.Level)
	}
	if len(ex.closedWith) != 1 {
		t.Fatalf("expected emergency close, got %v", ex.closedWith)
	}
	if emergencies != 1 {
		t.Fatalf("expected emergencyClose event, got %d", emergencies)
	}
	if len(pf.pauses) != 1 {
		t.Fatalf("expected trading pause, got %d", len(pf.pauses))
	}
}

func TestCloseAllOnLevel3Config(t *testing.T) {
	cfg := testConfig()
	cfg.CloseAllOnLevel3 = true
	ex := &fakeExecutor{}
	p := New(cfg, events.NewBus(nil), ex, nil, nil)
	ck := &clock{t: time.Unix(1700000000, 0)}
	p.now = ck.now

	p.UpdatePrice("ETH", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("ETH", 91, 1, nil)

	if len(ex.closedWith) != 1 {
		t.Fatalf("expected close-all on LEVEL_3 when configured, got %v", ex.closedWith)
	}
	if len(ex.reductions) != 0 {
		t.Fatalf("expected no partial reduction, got %v", ex.reductions)
	}
}

func TestCooldownSuppressesDetection(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("BTC", 96, 1, nil) // LEVEL_1, cooldown 5m
	if p.Status().State.Level != Level1 {
		t.Fatalf("setup failed: expected LEVEL_1")
	}

	// More severe input inside cooldown must not retrigger.
	ck.advance(time.Minute)
	p.UpdatePrice("BTC", 80, 1, nil)
	if got := p.Status().State.Level; got != Level1 {
		t.Fatalf("expected cooldown to suppress escalation, got %s", got)
	}
}

func TestLevelNeverDeescalatesOnTrigger(t *testing.T) {
	p, _, _, _, ck := newTestProtector(t)

	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("BTC", 91, 1, nil) // LEVEL_3
	st := p.Status().State
	if st.Level != Level3 {
		t.Fatalf("setup failed: expected LEVEL_3, got %s", st.Level)
	}

	// Past cooldown a milder anomaly fires but must not lower the level.
	ck.advance(2 * time.Hour)
	p.UpdatePrice("BTC", 91, 1, nil) // refresh trailing baselines
	ck.advance(time.Second)
	p.UpdatePrice("BTC", 87.5, 1, nil) // ~-3.8% on 1m: LEVEL_1 grade
	if got := p.Status().State.Level; got != Level3 {
		t.Fatalf("expected level to stay LEVEL_3, got %s", got)
	}
}

func TestManualTriggerAndRecover(t *testing.T) {
	p, _, pf, bus, _ := newTestProtector(t)
	var recovered *RecoveredPayload
	bus.Subscribe(events.Recovered, func(ev events.Event) {
		pl := ev.Payload.(RecoveredPayload)
		recovered = &pl
	})

	if err := p.ManualTrigger(Level2, "operator halt"); err != nil {
		t.Fatalf("manual trigger failed: %v", err)
	}
	if p.Status().State.Level != Level2 {
		t.Fatalf("expected LEVEL_2 after manual trigger")
	}
	if err := p.ManualTrigger(Level1, "downgrade"); err == nil {
		t.Fatalf("expected manual downgrade to be refused")
	}

	p.ManualRecover()
	if p.Status().State.Level != LevelNormal {
		t.Fatalf("expected NORMAL after manual recovery")
	}
	if recovered == nil || recovered.PreviousLevel != Level2 {
		t.Fatalf("expected recovered event from LEVEL_2, got %+v", recovered)
	}
	if pf.resumes != 1 {
		t.Fatalf("expected trading resume, got %d", pf.resumes)
	}
}

func TestExecutorFailureKeepsState(t *testing.T) {
	p, ex, _, _, ck := newTestProtector(t)
	ex.fail = true

	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Second)
	p.UpdatePrice("BTC", 82, 1, nil)

	// Mitigation failed but the halt stands: fail-closed on the halt side.
	if p.Status().State.Level != LevelEmergency {
		t.Fatalf("expected EMERGENCY to stick despite executor failure")
	}
}

func TestStatusEventLogBounded(t *testing.T) {
	p, _, _, _, _ := newTestProtector(t)
	for i := 0; i < eventLogSize+10; i++ {
		p.mu.Lock()
		p.eventLog = append(p.eventLog, TriggerRecord{})
		if len(p.eventLog) > eventLogSize {
			p.eventLog = p.eventLog[len(p.eventLog)-eventLogSize:]
		}
		p.mu.Unlock()
	}
	if got := len(p.Status().Events); got != eventLogSize {
		t.Fatalf("expected event log capped at %d, got %d", eventLogSize, got)
	}
}

func TestStaleFeedEmitsTimeout(t *testing.T) {
	p, _, _, bus, ck := newTestProtector(t)
	var timeouts []TimeoutPayload
	bus.Subscribe(events.PriceUpdateTimeout, func(ev events.Event) {
		timeouts = append(timeouts, ev.Payload.(TimeoutPayload))
	})

	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Minute)
	p.CheckStaleFeeds()
	if len(timeouts) != 1 || timeouts[0].Symbol != "BTC" {
		t.Fatalf("expected one timeout for BTC, got %v", timeouts)
	}

	// Fires once until the feed resumes.
	p.CheckStaleFeeds()
	if len(timeouts) != 1 {
		t.Fatalf("expected timeout to fire once, got %d", len(timeouts))
	}

	p.UpdatePrice("BTC", 100, 1, nil)
	ck.advance(time.Minute)
	p.CheckStaleFeeds()
	if len(timeouts) != 2 {
		t.Fatalf("expected timeout to re-arm after tick, got %d", len(timeouts))
	}
}

func TestNilExecutorStillEmitsMitigationEvents(t *testing.T) {
	bus := events.NewBus(nil)
	p := New(testConfig(), bus, nil, nil, nil)
	ck := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	p.now = ck.now

	var closes, reductions int
	bus.Subscribe(events.EmergencyClose, func(events.Event) { closes++ })
	bus.Subscribe(events.PartialClose, func(events.Event) { reductions++ })

	if err := p.ManualTrigger(Level2, "operator drill"); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if reductions != 1 {
		t.Fatalf("expected partial close event without executor, got %d", reductions)
	}

	p.ManualRecover()
	if err := p.ManualTrigger(LevelEmergency, "operator drill"); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if closes != 1 {
		t.Fatalf("expected emergency close event without executor, got %d", closes)
	}
}

func TestEachEscalationCarriesFreshActionID(t *testing.T) {
	p, ex, _, _, ck := newTestProtector(t)

	if err := p.ManualTrigger(Level2, "first"); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	p.ManualRecover()
	ck.advance(time.Second)
	if err := p.ManualTrigger(Level2, "second"); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.actionIDs) != 2 {
		t.Fatalf("expected two actions, got %d", len(ex.actionIDs))
	}
	if ex.actionIDs[0] == "" || ex.actionIDs[0] == ex.actionIDs[1] {
		t.Fatalf("expected distinct non-empty action ids, got %q and %q", ex.actionIDs[0], ex.actionIDs[1])
	}
}
