package backoff

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestCap(t *testing.T) {
	p := Default()

	tests := []struct {
		attempt uint32
		want    time.Duration
	}{
		{0, 50 * time.Millisecond},
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{10, 25600 * time.Millisecond},
		{11, 51200 * time.Millisecond},
		{12, 60 * time.Second},
		{64, 60 * time.Second},
		{1 << 31, 60 * time.Second},
	}

	for _, tc := range tests {
		if got := p.Cap(tc.attempt); got != tc.want {
			t.Errorf("Cap(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	p := Default()
	p.Float64 = rng.Float64

	for attempt := uint32(1); attempt <= 40; attempt++ {
		upper := p.Cap(attempt)
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			if d < 0 || d > upper {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, d, upper)
			}
		}
	}
}

func TestDelayUsesFullJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute}

	p.Float64 = func() float64 { return 0 }
	if got := p.Delay(3); got != 0 {
		t.Errorf("Delay with r=0 = %v, want 0", got)
	}

	p.Float64 = func() float64 { return 0.5 }
	if got := p.Delay(3); got != 2*time.Second {
		t.Errorf("Delay with r=0.5 = %v, want 2s", got)
	}
}

func TestZeroPolicy(t *testing.T) {
	var p Policy
	if got := p.Delay(5); got != 0 {
		t.Errorf("zero Policy Delay = %v, want 0", got)
	}
}

func BenchmarkDelay(b *testing.B) {
	p := Default()
	for i := 0; i < b.N; i++ {
		_ = p.Delay(uint32(i%20) + 1)
	}
}
