package backoff

import (
	"errors"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func fixed(r float64) func() float64 { return func() float64 { return r } }

func TestNextDelay_AttemptZeroIsBase(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, JitterRatio: 0.2, Rand: fixed(0.5)}
	d, err := p.NextDelay(0)
	if err != nil {
		t.Fatal(err)
	}
	if d != time.Second {
		t.Fatalf("centered jitter at attempt 0: got %v, want 1s", d)
	}
}

func TestNextDelay_Exponential(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, JitterRatio: 0, Rand: fixed(0)}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got, err := p.NextDelay(i)
		if err != nil {
			t.Fatal(err)
		}
		if got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestNextDelay_JitterBand(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Max: time.Minute, Multiplier: 2, JitterRatio: 0.2}

	p.Rand = fixed(0)
	low, _ := p.NextDelay(0)
	p.Rand = fixed(0.999999)
	high, _ := p.NextDelay(0)

	if low != 9*time.Second {
		t.Errorf("low edge = %v, want 9s", low)
	}
	if high < 10999*time.Millisecond || high > 11*time.Second {
		t.Errorf("high edge = %v, want just under 11s", high)
	}
}

func TestNextDelay_NeverExceedsMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second, Multiplier: 3, JitterRatio: 1, Rand: fixed(0.99)}
	for attempt := 0; attempt < 200; attempt++ {
		d, err := p.NextDelay(attempt)
		if err != nil {
			t.Fatal(err)
		}
		if d > p.Max {
			t.Fatalf("attempt %d: %v exceeds max %v", attempt, d, p.Max)
		}
	}
}

func TestNextDelay_HugeAttemptSaturates(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, JitterRatio: 0, Rand: fixed(0)}
	d, err := p.NextDelay(math.MaxInt32)
	if err != nil {
		t.Fatal(err)
	}
	if d != time.Minute {
		t.Fatalf("got %v, want ceiling", d)
	}
}

func TestNextDelay_RejectsNegativeAttempt(t *testing.T) {
	_, err := Default().NextDelay(-1)
	if !errors.Is(err, ErrNegativeAttempt) {
		t.Fatalf("expected ErrNegativeAttempt, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Policy
		ok   bool
	}{
		{"default", Default(), true},
		{"zero base", Policy{Base: 0, Max: time.Second, Multiplier: 2}, false},
		{"negative base", Policy{Base: -time.Second, Max: time.Second, Multiplier: 2}, false},
		{"max below base", Policy{Base: time.Minute, Max: time.Second, Multiplier: 2}, false},
		{"shrinking multiplier", Policy{Base: time.Second, Max: time.Minute, Multiplier: 0.5}, false},
		{"infinite multiplier", Policy{Base: time.Second, Max: time.Minute, Multiplier: math.Inf(1)}, false},
		{"NaN multiplier", Policy{Base: time.Second, Max: time.Minute, Multiplier: math.NaN()}, false},
		{"jitter above one", Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, JitterRatio: 1.5}, false},
		{"negative jitter", Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, JitterRatio: -0.1}, false},
		{"constant", Policy{Base: time.Second, Max: time.Second, Multiplier: 1}, true},
	}
	for _, tc := range cases {
		err := tc.p.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func genPolicy(t *rapid.T) Policy {
	base := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(10*time.Second)).Draw(t, "base"))
	scale := rapid.Int64Range(1, 100).Draw(t, "scale")
	r := rapid.Float64Range(0, 0.999999).Draw(t, "r")
	return Policy{
		Base:        base,
		Max:         base * time.Duration(scale),
		Multiplier:  rapid.Float64Range(1, 4).Draw(t, "multiplier"),
		JitterRatio: rapid.Float64Range(0, 1).Draw(t, "jitter"),
		Rand:        fixed(r),
	}
}

func TestProperty_MonotonicUpToCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genPolicy(t)
		n := rapid.IntRange(0, 80).Draw(t, "attempt")

		cur, err := p.NextDelay(n)
		if err != nil {
			t.Fatal(err)
		}
		next, err := p.NextDelay(n + 1)
		if err != nil {
			t.Fatal(err)
		}
		if cur > next {
			t.Fatalf("NextDelay(%d)=%v > NextDelay(%d)=%v", n, cur, n+1, next)
		}
		if next > p.Max {
			t.Fatalf("NextDelay(%d)=%v exceeds max %v", n+1, next, p.Max)
		}
	})
}

func TestProperty_WithinJitterBand(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genPolicy(t)
		n := rapid.IntRange(0, 80).Draw(t, "attempt")

		exp, err := p.Exponential(n)
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.NextDelay(n)
		if err != nil {
			t.Fatal(err)
		}
		band := float64(exp)*p.JitterRatio/2 + 1
		if diff := math.Abs(float64(got - exp)); diff > band {
			t.Fatalf("attempt %d: delay %v is %v from %v, band %v", n, got, time.Duration(diff), exp, time.Duration(band))
		}
	})
}
