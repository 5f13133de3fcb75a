package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitForReturnsWhenDone(t *testing.T) {
	original := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = original })

	if err := WaitFor(context.Background(), time.Hour); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := WaitFor(context.Background(), 0); err != nil {
		t.Fatalf("expected nil error for zero duration, got %v", err)
	}
}

func TestWaitForHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WaitFor(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
