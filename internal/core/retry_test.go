package core

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("retry %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 2, Jitter: 0.25}
	for retry := 0; retry < 10; retry++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(retry)
			if d < 0 || d > 10*time.Second {
				t.Fatalf("retry %d: delay %v outside [0, MaxDelay*(1+Jitter)]", retry, d)
			}
		}
	}
}

func TestRetryPolicyZero(t *testing.T) {
	var p RetryPolicy
	if d := p.Delay(3); d != 0 {
		t.Fatalf("expected no wait for zero policy, got %v", d)
	}
}
