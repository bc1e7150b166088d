package stats

import (
	"math"
	"testing"
)

func TestReturns(t *testing.T) {
	got := Returns([]float64{100, 110, 99})
	if len(got) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(got))
	}
	if math.Abs(got[0]-0.1) > 1e-12 {
		t.Fatalf("expected first return 0.1, got %f", got[0])
	}
	if math.Abs(got[1]+0.1) > 1e-12 {
		t.Fatalf("expected second return -0.1, got %f", got[1])
	}
}

func TestReturnsShortSeries(t *testing.T) {
	if got := Returns([]float64{100}); got != nil {
		t.Fatalf("expected nil for a single price, got %v", got)
	}
}

func TestStdDev(t *testing.T) {
	if got := StdDev([]float64{2, 2, 2}); got != 0 {
		t.Fatalf("expected 0 for constant series, got %f", got)
	}
	got := StdDev([]float64{1, -1, 1, -1})
	if math.Abs(got-1) > 1e-12 {
		t.Fatalf("expected 1, got %f", got)
	}
}

func TestReturnVolatilityFlatSeries(t *testing.T) {
	if got := ReturnVolatility([]float64{50, 50, 50, 50}); got != 0 {
		t.Fatalf("expected zero volatility for flat prices, got %f", got)
	}
}

func TestPearsonIdenticalSeries(t *testing.T) {
	xs := []float64{0.01, -0.02, 0.03, 0.005, -0.01}
	got := Pearson(xs, xs)
	if math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected correlation 1 for identical series, got %f", got)
	}
}

func TestPearsonInverseSeries(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	ys := []float64{4, 3, 2, 1}
	got := Pearson(xs, ys)
	if math.Abs(got+1) > 1e-9 {
		t.Fatalf("expected correlation -1, got %f", got)
	}
}

func TestPearsonUnevenLengthsUsesTail(t *testing.T) {
	xs := []float64{99, 99, 1, 2, 3}
	ys := []float64{1, 2, 3}
	got := Pearson(xs, ys)
	if math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected tail-matched correlation 1, got %f", got)
	}
}

func TestPearsonDegenerate(t *testing.T) {
	if got := Pearson([]float64{1}, []float64{1}); got != 0 {
		t.Fatalf("expected 0 for too-short series, got %f", got)
	}
	if got := Pearson([]float64{5, 5, 5}, []float64{1, 2, 3}); got != 0 {
		t.Fatalf("expected 0 for flat series, got %f", got)
	}
}

func TestEMASeedsAndSmooths(t *testing.T) {
	if got := EMA(0, 10, 0.1); got != 10 {
		t.Fatalf("expected EMA to seed with sample, got %f", got)
	}
	got := EMA(10, 20, 0.1)
	if math.Abs(got-11) > 1e-12 {
		t.Fatalf("expected 11, got %f", got)
	}
}
