package util

import (
	"context"
	"testing"
	"time"
)

func TestSleep_RecordsWaits(t *testing.T) {
	c := &InstantClock{}
	ctx := context.Background()

	if err := Sleep(ctx, c, time.Second); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if err := Sleep(ctx, c, 2*time.Second); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	// Zero durations never reach the clock
	if err := Sleep(ctx, c, 0); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	got := c.Waits()
	if len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Errorf("waits = %v, want [1s 2s]", got)
	}
}

func TestSleep_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, RealClock{}, time.Hour); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
