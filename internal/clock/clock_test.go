package clock

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Time{})
	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "b") })
	m.Advance(20 * time.Millisecond)
	if !reflect.DeepEqual(order, []string{"a", "b"}) {
		t.Fatalf("unexpected order after 20ms: %v", order)
	}
	m.Advance(10 * time.Millisecond)
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order after 30ms: %v", order)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualStopPreventsCallback(t *testing.T) {
	m := NewManual(time.Time{})
	fired := false
	timer := m.AfterFunc(5*time.Millisecond, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected first stop to succeed")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	m.Advance(time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestManualNestedSchedulingWithinAdvance(t *testing.T) {
	m := NewManual(time.Time{})
	start := m.Now()
	var firedAt []time.Duration
	m.AfterFunc(10*time.Millisecond, func() {
		firedAt = append(firedAt, m.Now().Sub(start))
		m.AfterFunc(10*time.Millisecond, func() {
			firedAt = append(firedAt, m.Now().Sub(start))
		})
	})
	m.Advance(25 * time.Millisecond)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if !reflect.DeepEqual(firedAt, want) {
		t.Fatalf("expected %v, got %v", want, firedAt)
	}
	if got := m.Now().Sub(start); got != 25*time.Millisecond {
		t.Fatalf("expected clock at 25ms, got %v", got)
	}
}

func TestManualZeroDelayFiresOnAdvanceZero(t *testing.T) {
	m := NewManual(time.Time{})
	fired := false
	m.AfterFunc(0, func() { fired = true })
	if fired {
		t.Fatalf("callback must not run inside AfterFunc")
	}
	m.Advance(0)
	if !fired {
		t.Fatalf("expected zero-delay callback to fire on Advance(0)")
	}
}

func TestRealClockFires(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Real().AfterFunc(time.Millisecond, wg.Done)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("real timer never fired")
	}
}
