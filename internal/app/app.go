// Package app wires the risk layers together: the market feed into the
// instrument breaker, account snapshots into per-account risk managers
// and the fleet aggregator, and every state transition out to
// persistence, telemetry and operator alerts.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"risk-sentinel/internal/alerts"
	"risk-sentinel/internal/breaker"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/events"
	"risk-sentinel/internal/exec"
	"risk-sentinel/internal/feed"
	"risk-sentinel/internal/fleet"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/riskmgr"
	"risk-sentinel/internal/state"
	"risk-sentinel/internal/state/sqlite"
	"risk-sentinel/internal/timescale"

	"go.uber.org/zap"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	bus       *events.Bus
	store     *sqlite.Store
	feed      *feed.Client
	protector *breaker.Protector
	fleet     *fleet.Aggregator
	executor  *exec.Executor
	writer    *timescale.Writer
	metrics   *metrics.Metrics
	promSrv   *http.Server
	alerts    *alerts.Telegram

	mu       sync.Mutex
	managers map[string]*riskmgr.Manager
}

// New assembles the daemon. A nil venue runs the breaker in monitor
// mode: escalations still emit events and halt trading, but no close
// orders are sent anywhere.
func New(cfg *config.Config, log *zap.Logger, venue exec.Venue) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		bus:      events.NewBus(log),
		store:    store,
		writer:   writer,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		managers: make(map[string]*riskmgr.Manager),
	}

	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		a.metrics = prom.Metrics
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		a.promSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	} else {
		a.metrics = metrics.NewNoop()
	}

	if venue == nil {
		venue = monitorVenue{log: log}
	}
	a.executor = exec.New(venue, a.store, log)
	a.fleet = fleet.New(cfg.Fleet, a.bus, log)
	a.protector = breaker.New(cfg.Breaker, a.bus, a.executor, a.fleet, log)
	a.feed = feed.New(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, cfg.Feed.Symbols, log)

	a.wireTelemetry()
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.writer.Close()

	a.restoreBreaker(ctx)
	a.writer.Start(ctx)
	if a.promSrv != nil {
		go func() {
			if err := a.promSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = a.promSrv.Shutdown(shutdownCtx)
		}()
	}

	go a.protector.RunRecovery(ctx)
	go a.protector.RunWatch(ctx)
	go a.fleet.RunChecks(ctx)
	go a.telemetryLoop(ctx)
	a.startOperator(ctx)

	a.log.Info("risk sentinel started",
		zap.String("feed", a.cfg.Feed.URL),
		zap.Strings("symbols", a.cfg.Feed.Symbols))
	err := a.feed.Run(ctx, feed.Handlers{
		OnTick:    a.handleTick,
		OnAccount: a.handleAccount,
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) handleTick(tick feed.Tick) {
	var book *breaker.OrderBook
	if tick.Book != nil {
		book = &breaker.OrderBook{Bids: tick.Book.Bids, Asks: tick.Book.Asks}
	}
	a.protector.UpdatePrice(tick.Symbol, tick.Price, tick.Volume, book)

	a.mu.Lock()
	mgrs := make([]*riskmgr.Manager, 0, len(a.managers))
	for _, m := range a.managers {
		mgrs = append(mgrs, m)
	}
	a.mu.Unlock()

	for _, mgr := range mgrs {
		exit := mgr.UpdatePrice(tick.Symbol, tick.Price)
		if exit == nil {
			continue
		}
		pnl, err := mgr.ClosePosition(exit.Symbol, exit.Price, string(exit.Type))
		if err != nil {
			a.log.Warn("exit close failed", zap.String("symbol", exit.Symbol), zap.Error(err))
			continue
		}
		a.log.Info("exit executed",
			zap.String("symbol", exit.Symbol),
			zap.String("type", string(exit.Type)),
			zap.Float64("pnl", pnl))
	}
}

func (a *App) handleAccount(snap feed.AccountSnapshot) {
	if snap.AccountID == "" {
		return
	}
	mgr := a.ensureManager(snap)

	positions := make([]fleet.AccountPosition, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, fleet.AccountPosition{
			Symbol:     p.Symbol,
			Size:       p.Size,
			MarkPrice:  p.MarkPrice,
			EntryPrice: p.EntryPrice,
		})
	}
	err := a.fleet.UpdateAccount(snap.AccountID, fleet.AccountUpdate{
		Exchange:  snap.Exchange,
		Equity:    snap.Equity,
		DailyPnL:  snap.DailyPnL,
		Positions: positions,
	})
	if err != nil {
		a.log.Warn("account update failed", zap.String("account", snap.AccountID), zap.Error(err))
	}
	a.persistAccount(snap.AccountID, mgr)
}

// CheckOrder is the pre-trade gate callers consult before submitting
// an order: fleet-level checks first, then the account's own manager.
// Every rejection counts toward the blocked-orders metric.
func (a *App) CheckOrder(accountID string, order fleet.Order) fleet.OrderDecision {
	dec := a.fleet.CheckOrder(accountID, order)
	if dec.Allowed {
		a.mu.Lock()
		mgr := a.managers[accountID]
		a.mu.Unlock()
		if mgr != nil {
			if st := mgr.Status(); !st.TradingAllowed {
				dec = fleet.OrderDecision{Reason: fmt.Sprintf("trading disabled: %s", st.DisableReason)}
			}
		}
	}
	if !dec.Allowed {
		a.metrics.OrdersBlocked.Inc()
		a.log.Warn("order blocked",
			zap.String("account", accountID),
			zap.String("symbol", order.Symbol),
			zap.String("reason", dec.Reason))
	}
	return dec
}

// ensureManager lazily creates the per-account risk manager on the
// first snapshot, restoring persisted daily counters and wiring it to
// the fleet aggregator.
func (a *App) ensureManager(snap feed.AccountSnapshot) *riskmgr.Manager {
	a.mu.Lock()
	if mgr, ok := a.managers[snap.AccountID]; ok {
		a.mu.Unlock()
		return mgr
	}
	mgr := riskmgr.New(a.cfg.Account, events.NewBus(a.log), a.log.With(zap.String("account", snap.AccountID)))
	a.managers[snap.AccountID] = mgr
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if persisted, ok, err := state.LoadAccountSnapshot(ctx, a.store, snap.AccountID); err != nil {
		a.log.Warn("account restore failed", zap.String("account", snap.AccountID), zap.Error(err))
	} else if ok {
		mgr.Restore(riskmgr.Persisted{
			TradingAllowed:    persisted.TradingAllowed,
			DisableReason:     persisted.DisableReason,
			DailyPnL:          persisted.DailyPnL,
			DailyTradeCount:   persisted.DailyTradeCount,
			ConsecutiveLosses: persisted.ConsecutiveLosses,
		})
	}

	exchange := snap.Exchange
	if exchange == "" {
		exchange = "unknown"
	}
	if err := a.fleet.RegisterAccount(snap.AccountID, exchange, snap.Equity, 0); err != nil {
		a.log.Warn("account registration failed", zap.String("account", snap.AccountID), zap.Error(err))
	}
	if err := a.fleet.SetAccountRiskManager(snap.AccountID, mgr); err != nil {
		a.log.Warn("risk manager wiring failed", zap.String("account", snap.AccountID), zap.Error(err))
	}

	id := snap.AccountID
	mgr.Bus().Subscribe(events.RiskTriggered, func(events.Event) {
		a.metrics.RiskTriggers.Inc()
	})
	mgr.Bus().Subscribe(events.TradingDisabled, func(ev events.Event) {
		a.notify(fmt.Sprintf("account %s: trading disabled: %v", id, ev.Payload))
	})
	a.log.Info("account manager created", zap.String("account", id))
	return mgr
}

func (a *App) persistAccount(id string, mgr *riskmgr.Manager) {
	st := mgr.Status()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := state.SaveAccountSnapshot(ctx, a.store, id, state.AccountSnapshot{
		TradingAllowed:    st.TradingAllowed,
		DisableReason:     st.DisableReason,
		DailyPnL:          st.DailyPnL,
		DailyTradeCount:   st.DailyTradeCount,
		ConsecutiveLosses: st.ConsecutiveLosses,
		UpdatedAtMS:       time.Now().UnixMilli(),
	})
	if err != nil {
		a.log.Warn("account persist failed", zap.String("account", id), zap.Error(err))
	}
}

func (a *App) restoreBreaker(ctx context.Context) {
	snap, ok, err := state.LoadBreakerSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("breaker restore failed", zap.Error(err))
		return
	}
	if !ok || snap.Level == 0 {
		return
	}
	a.protector.RestoreState(breaker.State{
		Level:           breaker.Level(snap.Level),
		TriggeredAt:     time.UnixMilli(snap.TriggeredAtMS),
		Reason:          snap.Reason,
		EventType:       breaker.EventType(snap.EventType),
		AffectedSymbols: snap.AffectedSymbols,
		CooldownUntil:   time.UnixMilli(snap.CooldownUntilMS),
	})
	a.log.Warn("breaker state restored",
		zap.String("level", breaker.Level(snap.Level).String()),
		zap.String("reason", snap.Reason))
}

func (a *App) persistBreaker() {
	st := a.protector.Status().State
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := state.SaveBreakerSnapshot(ctx, a.store, state.BreakerSnapshot{
		Level:           int(st.Level),
		EventType:       string(st.EventType),
		Reason:          st.Reason,
		AffectedSymbols: st.AffectedSymbols,
		TriggeredAtMS:   st.TriggeredAt.UnixMilli(),
		CooldownUntilMS: st.CooldownUntil.UnixMilli(),
	})
	if err != nil {
		a.log.Warn("breaker persist failed", zap.Error(err))
	}
}

// wireTelemetry fans risk transitions out to metrics, the telemetry
// writer, persistence and operator alerts.
func (a *App) wireTelemetry() {
	a.bus.Subscribe(events.CircuitBreakerTriggered, func(ev events.Event) {
		a.metrics.BreakerTriggers.Inc()
		a.persistBreaker()
		if p, ok := ev.Payload.(breaker.TriggerPayload); ok {
			a.metrics.BreakerLevel.Set(float64(p.CurrentLevel))
			a.writer.EnqueueBreakerEvent(timescale.BreakerEvent{
				Time:      time.Now(),
				Level:     p.CurrentLevel.String(),
				EventType: string(p.EventType),
				Reason:    p.Reason,
				Symbols:   []string{p.Symbol},
			})
			a.notify(fmt.Sprintf("breaker %s: %s %s: %s",
				p.CurrentLevel, p.Symbol, p.EventType, p.Reason))
		}
	})
	a.bus.Subscribe(events.Recovered, func(ev events.Event) {
		a.metrics.Recoveries.Inc()
		a.metrics.BreakerLevel.Set(0)
		a.persistBreaker()
		a.notify("breaker recovered, trading resumed")
	})
	a.bus.Subscribe(events.EmergencyClose, func(ev events.Event) {
		a.metrics.EmergencyCloses.Inc()
	})
	a.bus.Subscribe(events.PartialClose, func(ev events.Event) {
		a.metrics.PartialCloses.Inc()
	})
	a.bus.Subscribe(events.PriceUpdateTimeout, func(ev events.Event) {
		if p, ok := ev.Payload.(breaker.TimeoutPayload); ok {
			a.notify(fmt.Sprintf("price feed stale for %s (last tick %s)",
				p.Symbol, p.LastTick.Format(time.RFC3339)))
		}
	})
	a.bus.Subscribe(events.GlobalEmergency, func(ev events.Event) {
		a.metrics.TradingHalts.Inc()
		a.notify(fmt.Sprintf("FLEET HALT: %v", ev.Payload))
	})
	a.bus.Subscribe(events.RiskLevelChanged, func(ev events.Event) {
		if c, ok := ev.Payload.(fleet.LevelChange); ok {
			a.metrics.FleetRiskLevel.Set(float64(c.To))
			a.notify(fmt.Sprintf("fleet risk level %s -> %s", c.From, c.To))
		}
	})
}

// telemetryLoop samples the fleet state for the gauge and snapshot
// streams.
func (a *App) telemetryLoop(ctx context.Context) {
	interval := a.cfg.Fleet.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.fleet.Status()
			a.metrics.TotalEquity.Set(st.TotalEquity)
			a.metrics.GlobalDrawdown.Set(st.GlobalDrawdown)
			a.metrics.GlobalLeverage.Set(st.GlobalLeverage)
			a.metrics.FleetRiskLevel.Set(float64(st.RiskLevel))
			a.metrics.BreakerLevel.Set(float64(a.protector.Status().State.Level))
			a.writer.EnqueueSnapshot(timescale.RiskSnapshot{
				Time:               time.Now(),
				TotalEquity:        st.TotalEquity,
				TotalPositionValue: st.TotalPositionValue,
				GlobalLeverage:     st.GlobalLeverage,
				GlobalDrawdown:     st.GlobalDrawdown,
				DailyPnL:           st.DailyPnL,
				DailyPnLPct:        st.DailyPnLPct,
				RiskLevel:          st.RiskLevel.String(),
				TradingAllowed:     st.TradingAllowed,
			})
		}
	}
}

// notify delivers an operator alert without blocking the caller.
func (a *App) notify(message string) {
	if !a.alerts.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.alerts.Send(ctx, message); err != nil {
			a.log.Warn("alert delivery failed", zap.Error(err))
		}
	}()
}

// monitorVenue is the no-execution stand-in used when no venue is
// wired: mitigation is reduced to events and halts.
type monitorVenue struct {
	log *zap.Logger
}

func (v monitorVenue) OpenPositions(context.Context) ([]exec.VenuePosition, error) {
	return nil, nil
}

func (v monitorVenue) ClosePosition(_ context.Context, symbol string, size float64) error {
	v.log.Warn("monitor mode: close suppressed",
		zap.String("symbol", symbol), zap.Float64("size", size))
	return nil
}
