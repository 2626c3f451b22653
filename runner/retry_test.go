package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffStrategy(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 10 * time.Millisecond},
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 100 * time.Millisecond},
		{400, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := strategy.SleepDuration(tc.attempt, nil); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestExponentialBackoffStrategyFlatFactor(t *testing.T) {
	strategy := ExponentialBackoffStrategy{Base: 2 * time.Minute, Factor: 0.5}
	if got := strategy.SleepDuration(5, nil); got != 2*time.Minute {
		t.Fatalf("expected factor below 1 to hold delay flat, got %s", got)
	}
}

func TestNoDelayStrategy(t *testing.T) {
	if d := (NoDelayStrategy{}).SleepDuration(10, errors.New("boom")); d != 0 {
		t.Fatalf("expected zero delay, got %s", d)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("expected nil for zero delay, got %v", err)
	}
}
