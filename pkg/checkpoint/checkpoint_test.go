package checkpoint

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/scenesmith/scenesmith/pkg/errors"
)

func TestCheckpointRoundTrip(t *testing.T) {
	cp, err := New("generate-brief", map[string]string{"briefArtifactId": "art-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	raw, err := cp.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Step != "generate-brief" {
		t.Errorf("expected step generate-brief, got %s", decoded.Step)
	}

	var data map[string]string
	if err := decoded.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data["briefArtifactId"] != "art-1" {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"version":99,"step":"plan"}`)); err == nil {
		t.Error("expected version mismatch error")
	}
}

func TestDecodeEmpty(t *testing.T) {
	cp, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) failed: %v", err)
	}
	if cp != nil {
		t.Error("expected nil checkpoint for empty blob")
	}
}

func TestBackoffDoubles(t *testing.T) {
	s := RetryStrategy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2.0,
	}

	prev := s.Delay(1)
	for n := 2; n <= 5; n++ {
		cur := s.Delay(n)
		if cur < 2*prev && cur != s.MaxDelay {
			t.Errorf("delay %d = %v, want >= 2x previous (%v)", n, cur, prev)
		}
		prev = cur
	}
}

func TestBackoffCap(t *testing.T) {
	s := RetryStrategy{
		MaxRetries: 10,
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
		Multiplier: 2.0,
	}

	if got := s.Delay(10); got != 8*time.Second {
		t.Errorf("expected cap at 8s, got %v", got)
	}
}

func TestNextRetryAt(t *testing.T) {
	s := DefaultRetryStrategy()
	now := time.Now()
	first := s.NextRetryAt(now, 1)
	second := s.NextRetryAt(now, 2)

	if !second.After(first) {
		t.Errorf("retry 2 (%v) should fire after retry 1 (%v)", second, first)
	}
	if second.Sub(now) < 2*first.Sub(now) {
		t.Errorf("retry 2 delay should be at least double retry 1")
	}
}

func TestExhausted(t *testing.T) {
	s := RetryStrategy{MaxRetries: 3}
	if s.Exhausted(2) {
		t.Error("2 retries should not exhaust a budget of 3")
	}
	if !s.Exhausted(3) {
		t.Error("3 retries should exhaust a budget of 3")
	}
}

func TestRetryWithBackoffEventualSuccess(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.ErrCodeAgentNetwork, "flaky").WithRetryable(true)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoffFatalStopsImmediately(t *testing.T) {
	attempts := 0
	fatal := errors.New(errors.ErrCodeInvalidInput, "bad payload")
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return fatal
	})
	if !stderrors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("fatal error should not retry, got %d attempts", attempts)
	}
}

func TestRetryWithBackoffExhaustion(t *testing.T) {
	transient := errors.New(errors.ErrCodeAgentTimeout, "slow").WithRetryable(true)
	attempts := 0
	err := RetryWithBackoff(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return transient
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !stderrors.Is(err, transient) {
		t.Errorf("final error should wrap the last failure, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
}

func TestRetryWithBackoffContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, 3, time.Hour, func() error {
		return errors.New(errors.ErrCodeAgentNetwork, "flaky").WithRetryable(true)
	})
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
