package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/stock-poller/internal/models"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(0, time.Minute); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero max requests, got %v", err)
	}
	if _, err := New(5, 0); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero window, got %v", err)
	}
}

func TestTryAcquireHonoursBurst(t *testing.T) {
	limiter, err := New(3, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !limiter.TryAcquire() {
			t.Fatalf("expected acquisition %d to succeed within burst", i+1)
		}
	}
	if limiter.TryAcquire() {
		t.Fatalf("expected acquisition beyond burst to fail")
	}
}

func TestAcquireBlocksUntilCancelled(t *testing.T) {
	limiter, err := New(1, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("expected first acquisition to succeed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx); err == nil {
		t.Fatalf("expected acquisition to fail once budget is exhausted")
	}
}
