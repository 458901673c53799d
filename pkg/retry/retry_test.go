package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func TestPolicy_SucceedsAfterFailures(t *testing.T) {
	clock := &stepClock{}
	policy := &Policy{MaxAttempts: 3, Backoff: Fixed(10 * time.Second), Clock: clock}

	calls := 0
	attempts, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("rpc down")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}

	if len(clock.waits) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(clock.waits))
	}

	for _, w := range clock.waits {
		if w != 10*time.Second {
			t.Errorf("expected 10s wait, got %v", w)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	clock := &stepClock{}
	policy := &Policy{MaxAttempts: 3, Backoff: Fixed(time.Second), Clock: clock}
	opErr := errors.New("reverted")

	var retried []int
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	}

	attempts, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return opErr
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}

	if !errors.Is(err, opErr) {
		t.Errorf("expected last op error to be wrapped, got %v", err)
	}

	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("expected OnRetry for attempts 1 and 2, got %v", retried)
	}
}

func TestPolicy_PermanentStopsEarly(t *testing.T) {
	policy := &Policy{MaxAttempts: 5, Backoff: Fixed(time.Second), Clock: &stepClock{}}
	opErr := errors.New("nothing to redeem")

	attempts, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return Permanent(opErr)
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}

	if !errors.Is(err, opErr) {
		t.Errorf("expected op error, got %v", err)
	}

	if errors.Is(err, ErrExhausted) {
		t.Error("permanent error must not be reported as exhausted")
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := &Policy{MaxAttempts: 3}
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		t.Fatal("op must not run with a cancelled context")
		return nil
	})

	if attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts)
	}

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExponential(t *testing.T) {
	backoff := Exponential(time.Second, 8*time.Second, 2.0, 0)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: time.Second},
		{attempt: 2, expected: 2 * time.Second},
		{attempt: 3, expected: 4 * time.Second},
		{attempt: 4, expected: 8 * time.Second},
		{attempt: 10, expected: 8 * time.Second},
	}

	for _, tt := range tests {
		got := backoff(tt.attempt)
		if got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestExponential_JitterBounds(t *testing.T) {
	backoff := Exponential(time.Second, time.Minute, 2.0, 0.2)

	for i := 0; i < 100; i++ {
		got := backoff(1)
		if got < time.Second || got > 1200*time.Millisecond {
			t.Fatalf("expected backoff within [1s, 1.2s], got %v", got)
		}
	}
}
