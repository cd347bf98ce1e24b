package timeutil_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTimer_Fires(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() { close(fired) })
	defer tmr.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_Stop(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	tmr := timeutil.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	tmr.Stop()

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(150 * time.Millisecond):
	}
	if left := tmr.Left(); left != 0 {
		t.Fatalf("tmr.Left() = %v, want 0 after stop", left)
	}
}

func TestTimer_Reset_UpdatesDuration(t *testing.T) {
	t.Parallel()

	tmr := timeutil.AfterFunc(time.Hour, func() {})
	defer tmr.Stop()

	tmr.Reset(2 * time.Hour)
	if d := tmr.Duration(); d != 2*time.Hour {
		t.Fatalf("tmr.Duration() = %v, want 2h", d)
	}
	if left := tmr.Left(); left <= time.Hour {
		t.Fatalf("tmr.Left() = %v, want > 1h after reset", left)
	}
}

func TestTimer_Reset_Doubling(t *testing.T) {
	t.Parallel()

	// The retransmit loops double the interval on every firing.
	tmr := timeutil.AfterFunc(time.Hour, func() {})
	defer tmr.Stop()

	for i := 0; i < 3; i++ {
		tmr.Reset(2 * tmr.Duration())
	}
	if d := tmr.Duration(); d != 8*time.Hour {
		t.Fatalf("tmr.Duration() = %v, want 8h after three doublings", d)
	}
}
