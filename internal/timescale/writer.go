// Package timescale streams risk telemetry into TimescaleDB: periodic
// fleet snapshots and every breaker state transition. Writes are
// asynchronous and lossy under backpressure; the risk engine never
// blocks on the database.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"risk-sentinel/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// RiskSnapshot is one point of the fleet-wide risk curve.
type RiskSnapshot struct {
	Time               time.Time
	TotalEquity        float64
	TotalPositionValue float64
	GlobalLeverage     float64
	GlobalDrawdown     float64
	DailyPnL           float64
	DailyPnLPct        float64
	RiskLevel          string
	TradingAllowed     bool
}

// BreakerEvent is one circuit-breaker transition.
type BreakerEvent struct {
	Time      time.Time
	Level     string
	EventType string
	Reason    string
	Symbols   []string
}

type Writer struct {
	db  *sql.DB
	log *zap.Logger

	schema    string
	flushIvl  time.Duration
	snapshots chan RiskSnapshot
	breaker   chan BreakerEvent
	started   atomic.Bool
	dropped   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 256
	}
	flushIvl := cfg.FlushInterval
	if flushIvl <= 0 {
		flushIvl = 5 * time.Second
	}
	w := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		flushIvl:  flushIvl,
		snapshots: make(chan RiskSnapshot, buffer),
		breaker:   make(chan BreakerEvent, buffer),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSnapshot(snap RiskSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale queue full, dropping telemetry")
		}
	}
}

func (w *Writer) EnqueueBreakerEvent(ev BreakerEvent) {
	if w == nil {
		return
	}
	select {
	case w.breaker <- ev:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale queue full, dropping telemetry")
		}
	}
}

// run drains both queues on a flush interval. Breaker events are rare
// and flushed with the same cadence as snapshots.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(w.flushIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	for {
		select {
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case ev := <-w.breaker:
			w.writeBreakerEvent(ctx, ev)
		default:
			return
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		total_equity DOUBLE PRECISION NOT NULL,
		total_position_value DOUBLE PRECISION NOT NULL,
		global_leverage DOUBLE PRECISION NOT NULL,
		global_drawdown DOUBLE PRECISION NOT NULL,
		daily_pnl DOUBLE PRECISION NOT NULL,
		daily_pnl_pct DOUBLE PRECISION NOT NULL,
		risk_level TEXT NOT NULL,
		trading_allowed BOOLEAN NOT NULL
	)`, w.table("risk_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		event_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		symbols TEXT NOT NULL
	)`, w.table("breaker_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"risk_snapshots", "breaker_events"} {
		query := fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))
		if err := w.exec(ctx, query); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed",
				zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap RiskSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, total_equity, total_position_value, global_leverage, global_drawdown,
		daily_pnl, daily_pnl_pct, risk_level, trading_allowed
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("risk_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.TotalEquity,
		snap.TotalPositionValue,
		snap.GlobalLeverage,
		snap.GlobalDrawdown,
		snap.DailyPnL,
		snap.DailyPnLPct,
		snap.RiskLevel,
		snap.TradingAllowed,
	); err != nil && w.log != nil {
		w.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBreakerEvent(ctx context.Context, ev BreakerEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, level, event_type, reason, symbols
	) VALUES ($1,$2,$3,$4,$5)`, w.table("breaker_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.Level,
		ev.EventType,
		ev.Reason,
		strings.Join(ev.Symbols, ","),
	); err != nil && w.log != nil {
		w.log.Warn("timescale breaker insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
