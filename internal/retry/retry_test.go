package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelaysBackoff(t *testing.T) {
	p := Policy{Attempts: 4, Interval: 10 * time.Millisecond, Multiplier: 2, MaxInterval: 30 * time.Millisecond}
	got := p.Delays()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: got %s want %s", i, got[i], want[i])
		}
	}
	if len(Fixed(0, time.Second).Delays()) != 0 {
		t.Fatalf("single attempt should not wait")
	}
}

func TestPollConfirmsOnFirstSuccess(t *testing.T) {
	calls := 0
	out := Poll(context.Background(), Fixed(5, time.Millisecond), func(context.Context) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("indexer 503")
		}
		return true, nil
	})
	if !out.Confirmed || out.Attempts != 3 || calls != 3 {
		t.Fatalf("unexpected outcome %+v after %d calls", out, calls)
	}
}

func TestPollTimesOut(t *testing.T) {
	transient := errors.New("timeout")
	out := Poll(context.Background(), Fixed(3, time.Millisecond), func(context.Context) (bool, error) {
		return false, transient
	})
	if !out.TimedOut() || out.Attempts != 3 || !errors.Is(out.LastErr, transient) {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestPollStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	out := Poll(ctx, Fixed(10, time.Hour), func(context.Context) (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	if calls != 1 || !errors.Is(out.LastErr, context.Canceled) {
		t.Fatalf("expected cancel after first call, got %+v calls=%d", out, calls)
	}
}

func TestDoRetriesOnlyRetryable(t *testing.T) {
	lag := errors.New("insufficient funds")
	fatal := errors.New("reverted")

	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(context.Context) error {
		calls++
		return lag
	}, func(err error) bool { return errors.Is(err, lag) })
	if !errors.Is(err, lag) || calls != 3 {
		t.Fatalf("expected 3 attempts ending in lag error, got %v after %d", err, calls)
	}

	calls = 0
	err = Do(context.Background(), Fixed(3, time.Millisecond), func(context.Context) error {
		calls++
		return fatal
	}, func(err error) bool { return errors.Is(err, lag) })
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single attempt, got %v after %d", err, calls)
	}

	calls = 0
	err = Do(context.Background(), Fixed(3, time.Millisecond), func(context.Context) error {
		calls++
		if calls == 2 {
			return nil
		}
		return lag
	}, nil)
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second attempt, got %v after %d", err, calls)
	}
}
