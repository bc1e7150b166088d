package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"risk-sentinel/internal/alerts"
	"risk-sentinel/internal/breaker"

	"go.uber.org/zap"
)

// operatorOffsetKey holds the last consumed Telegram update id so a
// restart does not replay old commands.
const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorCommand struct {
	name string
	args []string
}

// startOperator launches the Telegram command loop when both alerting
// and the operator channel are enabled.
func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	if !a.alerts.Enabled() {
		a.log.Warn("operator channel enabled but telegram is not configured")
		return
	}
	if len(a.cfg.Telegram.OperatorAllowedUserIDs) == 0 {
		a.log.Warn("operator channel enabled without allowed user ids, refusing to start")
		return
	}
	go a.operatorLoop(ctx)
}

func (a *App) operatorLoop(ctx context.Context) {
	interval := a.cfg.Telegram.OperatorPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	offset := a.loadOperatorOffset(ctx)
	a.log.Info("operator channel started", zap.Int64("offset", offset))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("operator poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			a.handleOperatorUpdate(ctx, upd)
		}
		if len(updates) > 0 {
			a.saveOperatorOffset(ctx, offset)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	if !a.operatorAllowed(msg.From.ID) {
		a.log.Warn("operator command from unauthorized user",
			zap.Int64("user_id", msg.From.ID),
			zap.String("username", msg.From.Username))
		return
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	a.log.Info("operator command",
		zap.String("command", cmd.name),
		zap.Strings("args", cmd.args),
		zap.String("username", msg.From.Username))

	reply := a.runOperatorCommand(cmd)
	if reply == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.alerts.Send(sendCtx, reply); err != nil {
		a.log.Warn("operator reply failed", zap.Error(err))
	}
}

func (a *App) operatorAllowed(userID int64) bool {
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// parseOperatorCommand accepts "/name arg..." and tolerates the
// "@botname" suffix Telegram appends in group chats.
func parseOperatorCommand(text string) (operatorCommand, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return operatorCommand{}, false
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return operatorCommand{}, false
	}
	return operatorCommand{name: strings.ToLower(name), args: fields[1:]}, true
}

func (a *App) runOperatorCommand(cmd operatorCommand) string {
	switch cmd.name {
	case "status":
		return a.statusText()
	case "pause":
		reason := "operator pause"
		if len(cmd.args) > 0 {
			reason = strings.Join(cmd.args, " ")
		}
		a.fleet.HaltTrading(reason)
		return fmt.Sprintf("fleet trading paused: %s", reason)
	case "resume":
		a.fleet.ResumeTrading()
		return "fleet trading resumed"
	case "trigger":
		if len(cmd.args) < 1 {
			return "usage: /trigger <level 1-4> [reason]"
		}
		level, err := parseBreakerLevel(cmd.args[0])
		if err != nil {
			return err.Error()
		}
		reason := "operator trigger"
		if len(cmd.args) > 1 {
			reason = strings.Join(cmd.args[1:], " ")
		}
		if err := a.protector.ManualTrigger(level, reason); err != nil {
			return fmt.Sprintf("trigger rejected: %v", err)
		}
		return fmt.Sprintf("breaker escalated to %s", level)
	case "recover":
		a.protector.ManualRecover()
		return "breaker reset, trading resumed"
	case "help":
		return "commands: /status /pause [reason] /resume /trigger <level> [reason] /recover"
	default:
		return fmt.Sprintf("unknown command /%s, try /help", cmd.name)
	}
}

func (a *App) statusText() string {
	fl := a.fleet.Status()
	br := a.protector.Status().State

	var b strings.Builder
	fmt.Fprintf(&b, "breaker: %s", br.Level)
	if br.Level != breaker.LevelNormal {
		fmt.Fprintf(&b, " (%s)", br.Reason)
	}
	fmt.Fprintf(&b, "\nfleet: %s, trading allowed: %v", fl.RiskLevel, fl.TradingAllowed)
	if !fl.TradingAllowed {
		fmt.Fprintf(&b, " (%s)", fl.PauseReason)
	}
	fmt.Fprintf(&b, "\nequity: %.2f, drawdown: %.2f%%, leverage: %.2fx",
		fl.TotalEquity, fl.GlobalDrawdown*100, fl.GlobalLeverage)
	fmt.Fprintf(&b, "\ndaily pnl: %.2f (%.2f%%)", fl.DailyPnL, fl.DailyPnLPct*100)
	fmt.Fprintf(&b, "\naccounts: %d", len(fl.Accounts))
	for _, acct := range fl.Accounts {
		fmt.Fprintf(&b, "\n  %s [%s] %s equity %.2f pnl %.2f",
			acct.ID, acct.Exchange, acct.Status, acct.Equity, acct.DailyPnL)
	}
	return b.String()
}

func parseBreakerLevel(arg string) (breaker.Level, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > 4 {
		return breaker.LevelNormal, fmt.Errorf("level must be 1-4, got %q", arg)
	}
	return breaker.Level(n), nil
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil {
		a.log.Warn("operator offset load failed", zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
	if err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}
