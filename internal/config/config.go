package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Account   AccountConfig   `yaml:"account"`
	Fleet     FleetConfig     `yaml:"fleet"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Symbols        []string      `yaml:"symbols"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	Schema        string        `yaml:"schema"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

// BreakerConfig holds the per-instrument circuit breaker thresholds.
// Change thresholds are fractional (0.03 == 3%).
type BreakerConfig struct {
	PriceHistorySize int     `yaml:"price_history_size"`
	VolatilityWindow int     `yaml:"volatility_window"`
	VolatilityAlpha  float64 `yaml:"volatility_alpha"`
	BaselineAlpha    float64 `yaml:"baseline_alpha"`

	Change1mLevel1      float64 `yaml:"change_1m_level1"`
	Change1mLevel2      float64 `yaml:"change_1m_level2"`
	Change5mLevel2      float64 `yaml:"change_5m_level2"`
	Change5mLevel3      float64 `yaml:"change_5m_level3"`
	Change15mEmergency  float64 `yaml:"change_15m_emergency"`
	VolSpikeRatio       float64 `yaml:"vol_spike_ratio"`
	VolSpikeSevereRatio float64 `yaml:"vol_spike_severe_ratio"`
	AnnualizedVolSevere float64 `yaml:"annualized_vol_severe"`
	SpreadAbsoluteLimit float64 `yaml:"spread_absolute_limit"`
	SpreadRatioLevel3   float64 `yaml:"spread_ratio_level3"`
	SpreadRatioLevel1   float64 `yaml:"spread_ratio_level1"`
	DepthDropLevel3     float64 `yaml:"depth_drop_level3"`
	DepthDropLevel1     float64 `yaml:"depth_drop_level1"`

	CooldownLevel1    time.Duration `yaml:"cooldown_level1"`
	CooldownLevel2    time.Duration `yaml:"cooldown_level2"`
	CooldownLevel3    time.Duration `yaml:"cooldown_level3"`
	CooldownEmergency time.Duration `yaml:"cooldown_emergency"`

	CloseAllOnLevel3 bool `yaml:"close_all_on_level3"`

	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	StabilityWindow     time.Duration `yaml:"stability_window"`
	StableStdDev        float64       `yaml:"stable_stddev"`
	MinStablePoints     int           `yaml:"min_stable_points"`
	RecoveryCheckSpread bool          `yaml:"recovery_check_spread"`

	PriceTimeout  time.Duration `yaml:"price_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// AccountConfig holds the per-account position risk limits.
type AccountConfig struct {
	Capital              float64       `yaml:"capital"`
	MaxPositions         int           `yaml:"max_positions"`
	MaxLeverage          float64       `yaml:"max_leverage"`
	TradeCooldown        time.Duration `yaml:"trade_cooldown"`
	MaxDailyLoss         float64       `yaml:"max_daily_loss"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	RiskPerTrade         float64       `yaml:"risk_per_trade"`
	MaxPositionSize      float64       `yaml:"max_position_size"`
	DefaultStopLossPct   float64       `yaml:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64       `yaml:"default_take_profit_pct"`
	TrailingStop         bool          `yaml:"trailing_stop"`
	TrailingDistancePct  float64       `yaml:"trailing_distance_pct"`
}

// FleetConfig holds the fleet-wide aggregation limits.
type FleetConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	AccountTimeout time.Duration `yaml:"account_timeout"`

	MaxTotalEquity        float64 `yaml:"max_total_equity"`
	MaxTotalPositionValue float64 `yaml:"max_total_position_value"`
	MaxGlobalLeverage     float64 `yaml:"max_global_leverage"`
	MaxGlobalDrawdown     float64 `yaml:"max_global_drawdown"`
	MaxDailyLossPct       float64 `yaml:"max_daily_loss_pct"`

	MaxAccountConcentration  float64 `yaml:"max_account_concentration"`
	MaxExchangeConcentration float64 `yaml:"max_exchange_concentration"`
	MaxCurrencyConcentration float64 `yaml:"max_currency_concentration"`
	MaxSymbolConcentration   float64 `yaml:"max_symbol_concentration"`

	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	MaxCorrelatedPairs   int     `yaml:"max_correlated_pairs"`
	ReturnWindow         int     `yaml:"return_window"`

	ExposureCacheTTL time.Duration `yaml:"exposure_cache_ttl"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides lets secrets come from the environment instead of
// the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RISK_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("RISK_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("RISK_TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/risk-sentinel.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.FlushInterval == 0 {
		cfg.Timescale.FlushInterval = 5 * time.Second
	}
	if cfg.Timescale.BufferSize == 0 {
		cfg.Timescale.BufferSize = 512
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9172"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	applyBreakerDefaults(&cfg.Breaker)
	applyAccountDefaults(&cfg.Account)
	applyFleetDefaults(&cfg.Fleet)
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.PriceHistorySize == 0 {
		b.PriceHistorySize = 1000
	}
	if b.VolatilityWindow == 0 {
		b.VolatilityWindow = 60
	}
	if b.VolatilityAlpha == 0 {
		b.VolatilityAlpha = 0.05
	}
	if b.BaselineAlpha == 0 {
		b.BaselineAlpha = 0.1
	}
	if b.Change1mLevel1 == 0 {
		b.Change1mLevel1 = 0.03
	}
	if b.Change1mLevel2 == 0 {
		b.Change1mLevel2 = 0.05
	}
	if b.Change5mLevel2 == 0 {
		b.Change5mLevel2 = 0.05
	}
	if b.Change5mLevel3 == 0 {
		b.Change5mLevel3 = 0.08
	}
	if b.Change15mEmergency == 0 {
		b.Change15mEmergency = 0.15
	}
	if b.VolSpikeRatio == 0 {
		b.VolSpikeRatio = 3.0
	}
	if b.VolSpikeSevereRatio == 0 {
		b.VolSpikeSevereRatio = 6.0
	}
	if b.AnnualizedVolSevere == 0 {
		b.AnnualizedVolSevere = 2.0
	}
	if b.SpreadAbsoluteLimit == 0 {
		b.SpreadAbsoluteLimit = 0.02
	}
	if b.SpreadRatioLevel3 == 0 {
		b.SpreadRatioLevel3 = 5.0
	}
	if b.SpreadRatioLevel1 == 0 {
		b.SpreadRatioLevel1 = 3.0
	}
	if b.DepthDropLevel3 == 0 {
		b.DepthDropLevel3 = 0.8
	}
	if b.DepthDropLevel1 == 0 {
		b.DepthDropLevel1 = 0.5
	}
	if b.CooldownLevel1 == 0 {
		b.CooldownLevel1 = 5 * time.Minute
	}
	if b.CooldownLevel2 == 0 {
		b.CooldownLevel2 = 15 * time.Minute
	}
	if b.CooldownLevel3 == 0 {
		b.CooldownLevel3 = time.Hour
	}
	if b.CooldownEmergency == 0 {
		b.CooldownEmergency = 4 * time.Hour
	}
	if b.RecoveryInterval == 0 {
		b.RecoveryInterval = time.Minute
	}
	if b.StabilityWindow == 0 {
		b.StabilityWindow = 10 * time.Minute
	}
	if b.StableStdDev == 0 {
		b.StableStdDev = 0.01
	}
	if b.MinStablePoints == 0 {
		b.MinStablePoints = 10
	}
	if b.PriceTimeout == 0 {
		b.PriceTimeout = 30 * time.Second
	}
	if b.CheckInterval == 0 {
		b.CheckInterval = time.Second
	}
}

func applyAccountDefaults(a *AccountConfig) {
	if a.MaxPositions == 0 {
		a.MaxPositions = 5
	}
	if a.MaxLeverage == 0 {
		a.MaxLeverage = 10
	}
	if a.TradeCooldown == 0 {
		a.TradeCooldown = time.Minute
	}
	if a.MaxDailyLoss == 0 {
		a.MaxDailyLoss = 0.05
	}
	if a.MaxConsecutiveLosses == 0 {
		a.MaxConsecutiveLosses = 5
	}
	if a.RiskPerTrade == 0 {
		a.RiskPerTrade = 0.02
	}
	if a.MaxPositionSize == 0 {
		a.MaxPositionSize = 0.3
	}
	if a.DefaultStopLossPct == 0 {
		a.DefaultStopLossPct = 0.02
	}
	if a.DefaultTakeProfitPct == 0 {
		a.DefaultTakeProfitPct = 0.04
	}
	if a.TrailingDistancePct == 0 {
		a.TrailingDistancePct = 0.015
	}
}

func applyFleetDefaults(f *FleetConfig) {
	if f.CheckInterval == 0 {
		f.CheckInterval = 10 * time.Second
	}
	if f.AccountTimeout == 0 {
		f.AccountTimeout = time.Minute
	}
	if f.MaxGlobalLeverage == 0 {
		f.MaxGlobalLeverage = 3
	}
	if f.MaxGlobalDrawdown == 0 {
		f.MaxGlobalDrawdown = 0.2
	}
	if f.MaxDailyLossPct == 0 {
		f.MaxDailyLossPct = 0.1
	}
	if f.MaxAccountConcentration == 0 {
		f.MaxAccountConcentration = 0.5
	}
	if f.MaxExchangeConcentration == 0 {
		f.MaxExchangeConcentration = 0.6
	}
	if f.MaxCurrencyConcentration == 0 {
		f.MaxCurrencyConcentration = 0.5
	}
	if f.MaxSymbolConcentration == 0 {
		f.MaxSymbolConcentration = 0.4
	}
	if f.CorrelationThreshold == 0 {
		f.CorrelationThreshold = 0.8
	}
	if f.MaxCorrelatedPairs == 0 {
		f.MaxCorrelatedPairs = 3
	}
	if f.ReturnWindow == 0 {
		f.ReturnWindow = 100
	}
	if f.ExposureCacheTTL == 0 {
		f.ExposureCacheTTL = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Account.Capital <= 0 {
		return errors.New("account.capital must be > 0")
	}
	if cfg.Account.MaxDailyLoss <= 0 || cfg.Account.MaxDailyLoss >= 1 {
		return errors.New("account.max_daily_loss must be in (0, 1)")
	}
	if cfg.Account.RiskPerTrade <= 0 || cfg.Account.RiskPerTrade >= 1 {
		return errors.New("account.risk_per_trade must be in (0, 1)")
	}
	if cfg.Fleet.MaxGlobalDrawdown <= 0 || cfg.Fleet.MaxGlobalDrawdown >= 1 {
		return errors.New("fleet.max_global_drawdown must be in (0, 1)")
	}
	if cfg.Breaker.VolSpikeSevereRatio < cfg.Breaker.VolSpikeRatio {
		return errors.New("breaker.vol_spike_severe_ratio must be >= breaker.vol_spike_ratio")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
