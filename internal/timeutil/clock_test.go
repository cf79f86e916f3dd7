package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(time.Minute)

	clock.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case got := <-ticker.C():
		if want := start.Add(time.Minute); !got.Equal(want) {
			t.Errorf("tick = %v, want %v", got, want)
		}
	default:
		t.Fatal("ticker did not fire at its deadline")
	}

	if got := clock.Since(start); got != time.Minute {
		t.Errorf("Since = %v, want 1m", got)
	}
}

func TestMockClock_StoppedTicker(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()
	clock.Advance(5 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockClock_After(t *testing.T) {
	clock := NewMockClock(time.Unix(100, 0))
	ch := clock.After(2 * time.Second)

	clock.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-ch:
		if got.Unix() != 102 {
			t.Errorf("After delivered %v", got)
		}
	default:
		t.Fatal("After did not fire")
	}
}

func TestMockClock_WaitForTickers(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	if clock.WaitForTickers(1, 10*time.Millisecond) {
		t.Fatal("WaitForTickers reported a ticker that does not exist")
	}

	go clock.NewTicker(time.Second)
	if !clock.WaitForTickers(1, time.Second) {
		t.Fatal("WaitForTickers timed out")
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Hour).(*MockTicker)
	when := time.Unix(42, 0)
	ticker.Trigger(when)
	ticker.Trigger(when.Add(time.Second))

	if got := <-ticker.C(); !got.Equal(when) {
		t.Errorf("Trigger delivered %v, want %v", got, when)
	}
}
