// Package fleet aggregates per-account risk into a single global view:
// it keeps the account registry, reduces eight independent limit checks
// to one fleet risk level and can halt every registered account at once.
package fleet

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/events"

	"go.uber.org/zap"
)

type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskNormal
	RiskElevated
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "LOW"
	case RiskNormal:
		return "NORMAL"
	case RiskElevated:
		return "ELEVATED"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
}

type AccountStatus string

const (
	StatusActive    AccountStatus = "ACTIVE"
	StatusInactive  AccountStatus = "INACTIVE"
	StatusWarning   AccountStatus = "WARNING"
	StatusSuspended AccountStatus = "SUSPENDED"
	StatusError     AccountStatus = "ERROR"
)

// AccountController is the reverse channel into one account's risk
// manager. *riskmgr.Manager satisfies it.
type AccountController interface {
	DisableTrading(reason string)
	EnableTrading()
	ResetDaily()
	Bus() *events.Bus
}

type AccountPosition struct {
	Symbol     string
	Size       float64
	MarkPrice  float64
	EntryPrice float64
	Currency   string
}

type AccountUpdate struct {
	Exchange  string
	Equity    float64
	DailyPnL  float64
	Positions []AccountPosition
}

// Account is the fleet-side record for one registered account.
type Account struct {
	ID            string
	Exchange      string
	Equity        float64
	PositionValue float64
	DailyPnL      float64
	Leverage      float64
	Status        AccountStatus
	LastUpdate    time.Time
	RiskBudget    float64
}

type account struct {
	Account
	positions  []AccountPosition
	returns    []float64
	lastEquity float64
	mgr        AccountController
}

type Order struct {
	Symbol string
	Amount float64
	Price  float64
}

type OrderDecision struct {
	Allowed bool
	Reason  string
}

type StatusChange struct {
	AccountID string
	From      AccountStatus
	To        AccountStatus
	Reason    string
}

type LevelChange struct {
	From RiskLevel
	To   RiskLevel
}

// GlobalStatus is a read-only snapshot of the fleet state.
type GlobalStatus struct {
	TotalEquity        float64
	TotalPositionValue float64
	GlobalLeverage     float64
	GlobalDrawdown     float64
	PeakEquity         float64
	DailyStartEquity   float64
	DailyPnL           float64
	DailyPnLPct        float64
	RiskLevel          RiskLevel
	TradingAllowed     bool
	PauseReason        string
	Accounts           []Account
}

type Aggregator struct {
	cfg config.FleetConfig
	log *zap.Logger
	bus *events.Bus
	now func() time.Time

	mu       sync.Mutex
	accounts map[string]*account

	totalEquity        float64
	totalPositionValue float64
	globalLeverage     float64
	globalDrawdown     float64
	peakEquity         float64
	dailyStartEquity   float64
	riskLevel          RiskLevel
	tradingAllowed     bool
	pauseReason        string
	currentDay         int

	exposureAt time.Time
	exposure   *Exposure
}

func New(cfg config.FleetConfig, bus *events.Bus, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	a := &Aggregator{
		cfg:            cfg,
		log:            log,
		bus:            bus,
		now:            time.Now,
		accounts:       make(map[string]*account),
		riskLevel:      RiskNormal,
		tradingAllowed: true,
	}
	a.currentDay = a.now().YearDay()
	return a
}

func (a *Aggregator) Bus() *events.Bus { return a.bus }

// RegisterAccount adds an account to the registry. Missing identifiers
// are programmer errors and rejected outright.
func (a *Aggregator) RegisterAccount(id, exchange string, equity, riskBudget float64) error {
	if id == "" {
		return fmt.Errorf("account id is required")
	}
	if exchange == "" {
		return fmt.Errorf("account %s: exchange is required", id)
	}

	a.mu.Lock()
	if _, ok := a.accounts[id]; ok {
		a.mu.Unlock()
		return fmt.Errorf("account %s already registered", id)
	}
	a.accounts[id] = &account{
		Account: Account{
			ID:         id,
			Exchange:   exchange,
			Equity:     equity,
			Status:     StatusActive,
			LastUpdate: a.now(),
			RiskBudget: riskBudget,
		},
		lastEquity: equity,
	}
	a.recomputeLocked()
	a.mu.Unlock()

	a.log.Info("account registered", zap.String("account", id), zap.String("exchange", exchange))
	a.bus.Emit(events.AccountRegistered, id)
	return nil
}

func (a *Aggregator) UnregisterAccount(id string) error {
	a.mu.Lock()
	if _, ok := a.accounts[id]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("account %s not registered", id)
	}
	delete(a.accounts, id)
	a.recomputeLocked()
	a.mu.Unlock()

	a.bus.Emit(events.AccountUnregistered, id)
	return nil
}

// SetAccountRiskManager wires the reverse channel: the aggregator
// listens for the account's own risk triggers and halts, and can
// command the manager during a global emergency.
func (a *Aggregator) SetAccountRiskManager(id string, mgr AccountController) error {
	if mgr == nil {
		return fmt.Errorf("account %s: risk manager is required", id)
	}
	a.mu.Lock()
	acct, ok := a.accounts[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("account %s not registered", id)
	}
	acct.mgr = mgr
	a.mu.Unlock()

	mgr.Bus().Subscribe(events.RiskTriggered, func(ev events.Event) {
		a.markAccount(id, StatusWarning, fmt.Sprintf("risk trigger: %v", ev.Payload))
	})
	mgr.Bus().Subscribe(events.TradingDisabled, func(ev events.Event) {
		a.markAccount(id, StatusSuspended, fmt.Sprintf("trading disabled: %v", ev.Payload))
	})
	mgr.Bus().Subscribe(events.TradingEnabled, func(ev events.Event) {
		a.restoreAccount(id)
	})
	return nil
}

// UpdateAccount ingests one account snapshot, recomputing the account's
// derived figures and the global aggregates.
func (a *Aggregator) UpdateAccount(id string, upd AccountUpdate) error {
	now := a.now()
	var change *StatusChange

	a.mu.Lock()
	acct, ok := a.accounts[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("account %s not registered", id)
	}
	if upd.Exchange != "" {
		acct.Exchange = upd.Exchange
	}

	var posValue float64
	for _, p := range upd.Positions {
		size := p.Size
		if size < 0 {
			size = -size
		}
		posValue += size * p.MarkPrice
	}
	acct.positions = append(acct.positions[:0], upd.Positions...)
	acct.PositionValue = posValue
	acct.DailyPnL = upd.DailyPnL
	if acct.lastEquity > 0 && upd.Equity > 0 {
		acct.returns = append(acct.returns, (upd.Equity-acct.lastEquity)/acct.lastEquity)
		if window := a.cfg.ReturnWindow; window > 0 && len(acct.returns) > window {
			acct.returns = acct.returns[len(acct.returns)-window:]
		}
	}
	acct.lastEquity = upd.Equity
	acct.Equity = upd.Equity
	if upd.Equity > 0 {
		acct.Leverage = posValue / upd.Equity
	} else {
		acct.Leverage = 0
	}
	acct.LastUpdate = now
	if acct.Status == StatusInactive {
		change = &StatusChange{AccountID: id, From: StatusInactive, To: StatusActive, Reason: "snapshot received"}
		acct.Status = StatusActive
	}
	a.recomputeLocked()
	a.mu.Unlock()

	if change != nil {
		a.bus.Emit(events.AccountStatusChanged, *change)
	}
	return nil
}

// CheckOrder is the fleet-level pre-trade gate. It combines the global
// halt flag, the account's status, the current risk level and a
// projected symbol-concentration check.
func (a *Aggregator) CheckOrder(accountID string, order Order) OrderDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.tradingAllowed {
		return OrderDecision{Reason: fmt.Sprintf("trading halted: %s", a.pauseReason)}
	}
	acct, ok := a.accounts[accountID]
	if !ok {
		return OrderDecision{Reason: fmt.Sprintf("account %s not registered", accountID)}
	}
	switch acct.Status {
	case StatusSuspended, StatusError:
		return OrderDecision{Reason: fmt.Sprintf("account status %s", acct.Status)}
	case StatusInactive:
		return OrderDecision{Reason: "account inactive (stale snapshots)"}
	}
	if a.riskLevel >= RiskHigh {
		return OrderDecision{Reason: fmt.Sprintf("global risk level %s", a.riskLevel)}
	}

	if a.cfg.MaxSymbolConcentration > 0 && order.Price > 0 {
		added := order.Amount * order.Price
		if added < 0 {
			added = -added
		}
		current := a.symbolExposureLocked(order.Symbol)
		total := a.totalPositionValue + added
		if total > 0 && (current+added)/total > a.cfg.MaxSymbolConcentration {
			return OrderDecision{Reason: fmt.Sprintf("symbol concentration for %s would exceed %.0f%%",
				order.Symbol, a.cfg.MaxSymbolConcentration*100)}
		}
	}
	return OrderDecision{Allowed: true}
}

// HaltTrading stops the whole fleet: the global gate closes and every
// wired account manager is disabled.
func (a *Aggregator) HaltTrading(reason string) {
	a.mu.Lock()
	if !a.tradingAllowed {
		a.mu.Unlock()
		return
	}
	a.tradingAllowed = false
	a.pauseReason = reason
	mgrs := a.managersLocked()
	a.mu.Unlock()

	for _, m := range mgrs {
		m.DisableTrading(reason)
	}
	a.log.Error("fleet trading halted", zap.String("reason", reason))
	a.bus.Emit(events.GlobalEmergency, reason)
}

// PauseTrading satisfies the breaker's portfolio collaborator surface.
func (a *Aggregator) PauseTrading(reason string) { a.HaltTrading(reason) }

// ResumeTrading lifts a global halt and re-enables every wired account
// manager.
func (a *Aggregator) ResumeTrading() {
	a.mu.Lock()
	if a.tradingAllowed {
		a.mu.Unlock()
		return
	}
	a.tradingAllowed = true
	a.pauseReason = ""
	mgrs := a.managersLocked()
	a.mu.Unlock()

	for _, m := range mgrs {
		m.EnableTrading()
	}
	a.log.Info("fleet trading resumed")
	a.bus.Emit(events.TradingResumed, nil)
}

func (a *Aggregator) Status() GlobalStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := GlobalStatus{
		TotalEquity:        a.totalEquity,
		TotalPositionValue: a.totalPositionValue,
		GlobalLeverage:     a.globalLeverage,
		GlobalDrawdown:     a.globalDrawdown,
		PeakEquity:         a.peakEquity,
		DailyStartEquity:   a.dailyStartEquity,
		RiskLevel:          a.riskLevel,
		TradingAllowed:     a.tradingAllowed,
		PauseReason:        a.pauseReason,
	}
	st.DailyPnL, st.DailyPnLPct = a.dailyPnLLocked()
	for _, acct := range a.accounts {
		st.Accounts = append(st.Accounts, acct.Account)
	}
	return st
}

func (a *Aggregator) markAccount(id string, status AccountStatus, reason string) {
	a.mu.Lock()
	acct, ok := a.accounts[id]
	if !ok || acct.Status == status {
		a.mu.Unlock()
		return
	}
	// A warning never downgrades a stronger status: a suspended or
	// errored account stays that way until explicitly restored.
	if status == StatusWarning && acct.Status != StatusActive {
		a.mu.Unlock()
		return
	}
	change := StatusChange{AccountID: id, From: acct.Status, To: status, Reason: reason}
	acct.Status = status
	a.mu.Unlock()

	a.log.Warn("account status changed",
		zap.String("account", id),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("reason", reason))
	if status == StatusWarning {
		a.bus.Emit(events.AccountWarning, change)
	}
	a.bus.Emit(events.AccountStatusChanged, change)
}

// restoreAccount lifts a suspension once the account's manager
// re-enables trading. Only SUSPENDED flips back to ACTIVE: an
// INACTIVE or ERROR account has its own path out.
func (a *Aggregator) restoreAccount(id string) {
	a.mu.Lock()
	acct, ok := a.accounts[id]
	if !ok || acct.Status != StatusSuspended {
		a.mu.Unlock()
		return
	}
	change := StatusChange{AccountID: id, From: acct.Status, To: StatusActive, Reason: "trading re-enabled"}
	acct.Status = StatusActive
	a.mu.Unlock()

	a.log.Info("account restored", zap.String("account", id))
	a.bus.Emit(events.AccountStatusChanged, change)
}

// recomputeLocked refreshes the global aggregates after any registry or
// snapshot change. Peak equity only ratchets up between day resets.
func (a *Aggregator) recomputeLocked() {
	var equity, posValue float64
	for _, acct := range a.accounts {
		equity += acct.Equity
		posValue += acct.PositionValue
	}
	a.totalEquity = equity
	a.totalPositionValue = posValue
	if equity > 0 {
		a.globalLeverage = posValue / equity
	} else {
		a.globalLeverage = 0
	}
	if a.dailyStartEquity == 0 {
		a.dailyStartEquity = equity
	}
	if equity > a.peakEquity {
		a.peakEquity = equity
	}
	if a.peakEquity > 0 {
		a.globalDrawdown = (a.peakEquity - equity) / a.peakEquity
	} else {
		a.globalDrawdown = 0
	}
	a.exposure = nil
}

func (a *Aggregator) dailyPnLLocked() (pnl, pct float64) {
	for _, acct := range a.accounts {
		pnl += acct.DailyPnL
	}
	if a.dailyStartEquity > 0 {
		pct = pnl / a.dailyStartEquity
	}
	return pnl, pct
}

func (a *Aggregator) managersLocked() []AccountController {
	mgrs := make([]AccountController, 0, len(a.accounts))
	for _, acct := range a.accounts {
		if acct.mgr != nil {
			mgrs = append(mgrs, acct.mgr)
		}
	}
	return mgrs
}

func (a *Aggregator) symbolExposureLocked(symbol string) float64 {
	var v float64
	for _, acct := range a.accounts {
		for _, p := range acct.positions {
			if p.Symbol != symbol {
				continue
			}
			size := p.Size
			if size < 0 {
				size = -size
			}
			v += size * p.MarkPrice
		}
	}
	return v
}

// baseCurrency strips common quote suffixes so exposure can be grouped
// by the traded asset.
func baseCurrency(symbol string) string {
	s := symbol
	if i := strings.IndexAny(s, "-/"); i > 0 {
		return s[:i]
	}
	for _, suffix := range []string{"USDT", "USDC", "USD", "PERP"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}
