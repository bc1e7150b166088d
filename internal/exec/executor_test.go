package exec

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeVenue struct {
	mu        sync.Mutex
	positions []VenuePosition
	closed    map[string]float64
	closes    int
	failFirst map[string]int
	failList  int
}

func newFakeVenue(positions ...VenuePosition) *fakeVenue {
	return &fakeVenue{
		positions: positions,
		closed:    make(map[string]float64),
		failFirst: make(map[string]int),
	}
}

func (v *fakeVenue) OpenPositions(context.Context) ([]VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failList > 0 {
		v.failList--
		return nil, errors.New("venue unavailable")
	}
	return append([]VenuePosition(nil), v.positions...), nil
}

func (v *fakeVenue) ClosePosition(_ context.Context, symbol string, size float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failFirst[symbol] > 0 {
		v.failFirst[symbol]--
		return errors.New("order rejected")
	}
	v.closed[symbol] += size
	v.closes++
	return nil
}

type execMemStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newExecMemStore() *execMemStore {
	return &execMemStore{data: make(map[string]string)}
}

func (s *execMemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *execMemStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *execMemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *execMemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *execMemStore) Close() error { return nil }

func fastExecutor(v Venue) *Executor {
	e := New(v, nil, zap.NewNop())
	e.backoff = time.Millisecond
	return e
}

func TestEmergencyCloseFlattensEverything(t *testing.T) {
	venue := newFakeVenue(
		VenuePosition{Symbol: "BTC", Size: 2},
		VenuePosition{Symbol: "ETH", Size: -10},
	)
	e := fastExecutor(venue)

	if err := e.EmergencyCloseAll(context.Background(), "", "test"); err != nil {
		t.Fatal(err)
	}
	if venue.closed["BTC"] != 2 || venue.closed["ETH"] != -10 {
		t.Fatalf("closed = %v, want full sizes", venue.closed)
	}
}

func TestReduceClosesFraction(t *testing.T) {
	venue := newFakeVenue(VenuePosition{Symbol: "BTC", Size: 2})
	e := fastExecutor(venue)

	if err := e.ReduceAllPositions(context.Background(), "", 0.5); err != nil {
		t.Fatal(err)
	}
	if venue.closed["BTC"] != 1 {
		t.Fatalf("closed = %v, want 1", venue.closed["BTC"])
	}

	if err := e.ReduceAllPositions(context.Background(), "", 1.5); err == nil {
		t.Fatal("out-of-range ratio must be rejected")
	}
}

func TestRetryRecoversTransientFailures(t *testing.T) {
	venue := newFakeVenue(VenuePosition{Symbol: "BTC", Size: 1})
	venue.failList = 2
	venue.failFirst["BTC"] = 3
	e := fastExecutor(venue)

	if err := e.EmergencyCloseAll(context.Background(), "", "test"); err != nil {
		t.Fatal(err)
	}
	if venue.closed["BTC"] != 1 {
		t.Fatalf("closed = %v, want 1", venue.closed["BTC"])
	}
}

func TestOneStuckSymbolDoesNotAbortRest(t *testing.T) {
	venue := newFakeVenue(
		VenuePosition{Symbol: "BTC", Size: 1},
		VenuePosition{Symbol: "ETH", Size: 1},
	)
	venue.failFirst["BTC"] = 10 // beyond the retry budget
	e := fastExecutor(venue)

	err := e.EmergencyCloseAll(context.Background(), "", "test")
	if err == nil {
		t.Fatal("expected an error for the stuck symbol")
	}
	if venue.closed["ETH"] != 1 {
		t.Fatalf("ETH should still be closed, got %v", venue.closed)
	}
}

func TestActionIDMakesCloseIdempotent(t *testing.T) {
	venue := newFakeVenue(VenuePosition{Symbol: "BTC", Size: 2})
	e := fastExecutor(venue)

	for i := 0; i < 3; i++ {
		if err := e.EmergencyCloseAll(context.Background(), "EMERGENCY:42", "flash crash"); err != nil {
			t.Fatal(err)
		}
	}
	if venue.closes != 1 {
		t.Fatalf("repeated action id should close once, got %d closes", venue.closes)
	}

	// A fresh action id is a fresh trigger.
	if err := e.EmergencyCloseAll(context.Background(), "EMERGENCY:43", "flash crash"); err != nil {
		t.Fatal(err)
	}
	if venue.closes != 2 {
		t.Fatalf("new action id should close again, got %d closes", venue.closes)
	}
}

func TestActionIDSurvivesRestartViaStore(t *testing.T) {
	store := newExecMemStore()
	venue := newFakeVenue(VenuePosition{Symbol: "BTC", Size: 1})

	e := New(venue, store, zap.NewNop())
	e.backoff = time.Millisecond
	if err := e.ReduceAllPositions(context.Background(), "LEVEL_2:7", 0.5); err != nil {
		t.Fatal(err)
	}
	if venue.closes != 1 {
		t.Fatalf("expected one close, got %d", venue.closes)
	}

	restarted := New(venue, store, zap.NewNop())
	restarted.backoff = time.Millisecond
	if err := restarted.ReduceAllPositions(context.Background(), "LEVEL_2:7", 0.5); err != nil {
		t.Fatal(err)
	}
	if venue.closes != 1 {
		t.Fatalf("restart must not replay a completed action, got %d closes", venue.closes)
	}
}

func TestFailedActionIsNotRecorded(t *testing.T) {
	venue := newFakeVenue(VenuePosition{Symbol: "BTC", Size: 1})
	venue.failFirst["BTC"] = 10
	e := fastExecutor(venue)

	if err := e.EmergencyCloseAll(context.Background(), "EMERGENCY:9", "test"); err == nil {
		t.Fatal("expected failure")
	}
	// Once the venue recovers, the same action id must run.
	venue.mu.Lock()
	venue.failFirst["BTC"] = 0
	venue.mu.Unlock()
	if err := e.EmergencyCloseAll(context.Background(), "EMERGENCY:9", "test"); err != nil {
		t.Fatal(err)
	}
	if venue.closed["BTC"] != 1 {
		t.Fatalf("closed = %v, want 1", venue.closed["BTC"])
	}
}
