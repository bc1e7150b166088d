// Package exec turns breaker mitigation commands into venue orders,
// retrying transient failures with exponential backoff. Completed
// actions are recorded under their action id so a replayed trigger
// does not close positions twice.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"risk-sentinel/internal/state"

	"go.uber.org/zap"
)

const actionKeyPrefix = "exec:action:"

// VenuePosition is one open position as reported by the venue.
type VenuePosition struct {
	Symbol string
	Size   float64
}

// Venue is the minimal exchange surface the executor needs.
type Venue interface {
	OpenPositions(ctx context.Context) ([]VenuePosition, error)
	ClosePosition(ctx context.Context, symbol string, size float64) error
}

type Executor struct {
	venue   Venue
	store   state.Store
	log     *zap.Logger
	backoff time.Duration

	mu   sync.Mutex
	done map[string]bool
}

// New builds an executor. The store is optional; without it completed
// action ids are only remembered in memory.
func New(venue Venue, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		venue:   venue,
		store:   store,
		log:     log,
		backoff: 200 * time.Millisecond,
		done:    make(map[string]bool),
	}
}

// EmergencyCloseAll flattens every open position. Per-symbol failures
// are collected so one stuck symbol does not abort the rest. A
// non-empty actionID makes the call idempotent across retries and
// restarts.
func (e *Executor) EmergencyCloseAll(ctx context.Context, actionID, reason string) error {
	if e.completed(ctx, actionID) {
		e.log.Info("emergency close already executed", zap.String("action", actionID))
		return nil
	}
	e.log.Warn("emergency close requested", zap.String("reason", reason))
	if err := e.closeFraction(ctx, 1.0); err != nil {
		return err
	}
	e.markCompleted(ctx, actionID)
	return nil
}

// ReduceAllPositions closes the given fraction of every open position.
func (e *Executor) ReduceAllPositions(ctx context.Context, actionID string, ratio float64) error {
	if ratio <= 0 || ratio > 1 {
		return fmt.Errorf("invalid reduction ratio %v", ratio)
	}
	if e.completed(ctx, actionID) {
		e.log.Info("position reduction already executed", zap.String("action", actionID))
		return nil
	}
	e.log.Warn("position reduction requested", zap.Float64("ratio", ratio))
	if err := e.closeFraction(ctx, ratio); err != nil {
		return err
	}
	e.markCompleted(ctx, actionID)
	return nil
}

func (e *Executor) completed(ctx context.Context, actionID string) bool {
	if actionID == "" {
		return false
	}
	e.mu.Lock()
	if e.done[actionID] {
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()
	if e.store == nil {
		return false
	}
	_, ok, err := e.store.Get(ctx, actionKeyPrefix+actionID)
	if err != nil {
		e.log.Warn("action lookup failed", zap.String("action", actionID), zap.Error(err))
		return false
	}
	if ok {
		e.mu.Lock()
		e.done[actionID] = true
		e.mu.Unlock()
	}
	return ok
}

func (e *Executor) markCompleted(ctx context.Context, actionID string) {
	if actionID == "" {
		return
	}
	e.mu.Lock()
	e.done[actionID] = true
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Set(ctx, actionKeyPrefix+actionID, "done"); err != nil {
		e.log.Warn("action record failed", zap.String("action", actionID), zap.Error(err))
	}
}

func (e *Executor) closeFraction(ctx context.Context, ratio float64) error {
	var positions []VenuePosition
	err := e.retry(ctx, func() error {
		var err error
		positions, err = e.venue.OpenPositions(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	var errs []error
	for _, pos := range positions {
		size := pos.Size * ratio
		if size == 0 {
			continue
		}
		symbol := pos.Symbol
		if err := e.retry(ctx, func() error {
			return e.venue.ClosePosition(ctx, symbol, size)
		}); err != nil {
			e.log.Error("close failed",
				zap.String("symbol", symbol),
				zap.Float64("size", size),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		e.log.Info("position closed",
			zap.String("symbol", symbol),
			zap.Float64("size", size))
	}
	return errors.Join(errs...)
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < 5; attempt++ {
		if err := fn(); err != nil {
			if attempt == 4 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
