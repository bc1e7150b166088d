// verify loads a config file, checks the risk thresholds for internal
// consistency, and optionally replays a synthetic flash crash through
// the breaker to show which level the configured ladder trips.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"risk-sentinel/internal/breaker"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/events"
	"risk-sentinel/internal/logging"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	crashPct := flag.Float64("crash", 0, "simulate an instant price drop of this fraction (e.g. 0.08) and report the triggered level")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	problems := checkThresholds(cfg)
	if len(problems) == 0 {
		fmt.Println("config ok")
	} else {
		for _, p := range problems {
			fmt.Printf("problem: %s\n", p)
		}
	}

	if *crashPct > 0 {
		simulateCrash(cfg, *crashPct)
	}
	if len(problems) > 0 {
		os.Exit(1)
	}
}

func checkThresholds(cfg *config.Config) []string {
	var out []string
	b := cfg.Breaker

	if b.Change1mLevel1 >= b.Change1mLevel2 {
		out = append(out, fmt.Sprintf("1m ladder not ascending: level1 %.4f >= level2 %.4f", b.Change1mLevel1, b.Change1mLevel2))
	}
	if b.Change5mLevel2 >= b.Change5mLevel3 {
		out = append(out, fmt.Sprintf("5m ladder not ascending: level2 %.4f >= level3 %.4f", b.Change5mLevel2, b.Change5mLevel3))
	}
	if b.Change5mLevel3 >= b.Change15mEmergency {
		out = append(out, fmt.Sprintf("emergency threshold %.4f not above 5m level3 %.4f", b.Change15mEmergency, b.Change5mLevel3))
	}
	if b.CooldownLevel1 > b.CooldownLevel2 || b.CooldownLevel2 > b.CooldownLevel3 || b.CooldownLevel3 > b.CooldownEmergency {
		out = append(out, "cooldowns must be non-decreasing across levels")
	}
	if b.VolSpikeRatio >= b.VolSpikeSevereRatio {
		out = append(out, fmt.Sprintf("volatility ratios not ascending: %.2f >= %.2f", b.VolSpikeRatio, b.VolSpikeSevereRatio))
	}
	if b.DepthDropLevel1 >= b.DepthDropLevel3 {
		out = append(out, fmt.Sprintf("depth drop ladder not ascending: %.2f >= %.2f", b.DepthDropLevel1, b.DepthDropLevel3))
	}

	a := cfg.Account
	for name, v := range map[string]float64{
		"max_daily_loss":    a.MaxDailyLoss,
		"risk_per_trade":    a.RiskPerTrade,
		"max_position_size": a.MaxPositionSize,
		"default_stop_loss": a.DefaultStopLossPct,
		"trailing_distance": a.TrailingDistancePct,
	} {
		if v <= 0 || v >= 1 {
			out = append(out, fmt.Sprintf("account %s %.4f outside (0, 1)", name, v))
		}
	}
	if a.RiskPerTrade > a.MaxDailyLoss {
		out = append(out, fmt.Sprintf("risk_per_trade %.4f exceeds max_daily_loss %.4f: one stop-out burns the day", a.RiskPerTrade, a.MaxDailyLoss))
	}

	f := cfg.Fleet
	if f.MaxDailyLossPct >= f.MaxGlobalDrawdown {
		out = append(out, fmt.Sprintf("fleet daily loss %.4f should stay below max drawdown %.4f", f.MaxDailyLossPct, f.MaxGlobalDrawdown))
	}
	if f.CorrelationThreshold <= 0 || f.CorrelationThreshold > 1 {
		out = append(out, fmt.Sprintf("correlation threshold %.2f outside (0, 1]", f.CorrelationThreshold))
	}
	return out
}

// simulateCrash feeds a flat tape then an instant drop through a
// throwaway breaker and prints the resulting level. The executor and
// portfolio stand-ins only count calls.
func simulateCrash(cfg *config.Config, pct float64) {
	log := logging.New(config.LoggingConfig{Level: "error"})
	bus := events.NewBus(log)
	sink := &actionSink{}
	p := breaker.New(cfg.Breaker, bus, sink, sink, log)

	const base = 100.0
	for i := 0; i < 120; i++ {
		p.UpdatePrice("SIM", base, 1, nil)
	}
	p.UpdatePrice("SIM", base*(1-pct), 1, nil)

	st := p.Status().State
	fmt.Printf("crash %.2f%%: level %s", pct*100, st.Level)
	if st.Level != breaker.LevelNormal {
		fmt.Printf(" (%s: %s)", st.EventType, st.Reason)
	}
	fmt.Printf(", closes=%d reduces=%d pauses=%d\n", sink.closes, sink.reduces, sink.pauses)
}

type actionSink struct {
	closes  int
	reduces int
	pauses  int
}

func (s *actionSink) EmergencyCloseAll(context.Context, string, string) error {
	s.closes++
	return nil
}

func (s *actionSink) ReduceAllPositions(context.Context, string, float64) error {
	s.reduces++
	return nil
}

func (s *actionSink) PauseTrading(string) { s.pauses++ }
func (s *actionSink) ResumeTrading()      {}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify: %v\n", err)
	os.Exit(1)
}
