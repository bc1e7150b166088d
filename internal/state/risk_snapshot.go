package state

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	BreakerSnapshotKey = "breaker:last_snapshot"
	accountKeyPrefix   = "account:"
	accountKeySuffix   = ":risk_state"
)

// BreakerSnapshot is the persisted circuit-breaker state. A non-NORMAL
// level survives a restart so a crash during an incident cannot
// silently re-enable trading.
type BreakerSnapshot struct {
	Level           int      `json:"level"`
	EventType       string   `json:"event_type"`
	Reason          string   `json:"reason"`
	AffectedSymbols []string `json:"affected_symbols"`
	TriggeredAtMS   int64    `json:"triggered_at_ms"`
	CooldownUntilMS int64    `json:"cooldown_until_ms"`
}

// AccountSnapshot carries one account's daily risk counters across a
// restart.
type AccountSnapshot struct {
	TradingAllowed    bool    `json:"trading_allowed"`
	DisableReason     string  `json:"disable_reason,omitempty"`
	DailyPnL          float64 `json:"daily_pnl"`
	DailyTradeCount   int     `json:"daily_trade_count"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	UpdatedAtMS       int64   `json:"updated_at_ms"`
}

func LoadBreakerSnapshot(ctx context.Context, store Store) (BreakerSnapshot, bool, error) {
	var snapshot BreakerSnapshot
	ok, err := loadJSON(ctx, store, BreakerSnapshotKey, &snapshot)
	return snapshot, ok, err
}

func SaveBreakerSnapshot(ctx context.Context, store Store, snapshot BreakerSnapshot) error {
	return saveJSON(ctx, store, BreakerSnapshotKey, snapshot)
}

func accountKey(id string) string {
	return accountKeyPrefix + id + accountKeySuffix
}

func LoadAccountSnapshot(ctx context.Context, store Store, id string) (AccountSnapshot, bool, error) {
	var snapshot AccountSnapshot
	ok, err := loadJSON(ctx, store, accountKey(id), &snapshot)
	return snapshot, ok, err
}

func SaveAccountSnapshot(ctx context.Context, store Store, id string, snapshot AccountSnapshot) error {
	return saveJSON(ctx, store, accountKey(id), snapshot)
}

// AccountIDs lists every account with a persisted snapshot.
func AccountIDs(ctx context.Context, store Store) ([]string, error) {
	if store == nil {
		return nil, nil
	}
	keys, err := store.Keys(ctx, accountKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, accountKeyPrefix)
		id = strings.TrimSuffix(id, accountKeySuffix)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
