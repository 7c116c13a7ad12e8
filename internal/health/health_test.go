package health

import (
	"strings"
	"testing"
	"time"

	"github.com/ravkin/sshdeck/internal/testing/fakes/fakeclock"
)

func newTestMonitor(t *testing.T, th Thresholds) (*Monitor, *fakeclock.Clock) {
	t.Helper()
	clock := fakeclock.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewMonitor(th, WithClock(clock)), clock
}

func TestHealthyByDefault(t *testing.T) {
	m, _ := newTestMonitor(t, Thresholds{})
	m.Record(KindWrite, "")

	r := m.CheckHealth()
	if !r.Healthy {
		t.Errorf("CheckHealth unhealthy with no failures: %v", r.Warnings)
	}
	if r.Writes != 1 {
		t.Errorf("Writes = %d, want 1", r.Writes)
	}
}

func TestFailureRateWarning(t *testing.T) {
	m, _ := newTestMonitor(t, Thresholds{FailureRate: 0.2})

	for i := 0; i < 7; i++ {
		m.Record(KindWrite, "")
	}
	for i := 0; i < 3; i++ {
		m.Record(KindWriteFailure, "write failed")
	}

	r := m.CheckHealth()
	if r.Healthy {
		t.Fatal("CheckHealth healthy at 30% failure rate")
	}
	if len(r.Warnings) == 0 || !strings.Contains(r.Warnings[0], "failure rate") {
		t.Errorf("warnings = %v, want failure rate warning", r.Warnings)
	}
}

func TestIdleWarning(t *testing.T) {
	m, clock := newTestMonitor(t, Thresholds{IdleAfter: 5 * time.Minute})
	m.Record(KindWrite, "")

	clock.Advance(6 * time.Minute)
	r := m.CheckHealth()
	if r.Healthy {
		t.Fatal("CheckHealth healthy after 6 minutes idle")
	}
	found := false
	for _, w := range r.Warnings {
		if strings.Contains(w, "no activity") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want idle warning", r.Warnings)
	}
}

func TestOverflowWarningDoesNotFlipHealthy(t *testing.T) {
	m, _ := newTestMonitor(t, Thresholds{})
	m.Record(KindWrite, "")
	m.Record(KindOverflow, "queue full")

	r := m.CheckHealth()
	if !r.Healthy {
		t.Error("overflow alone should not mark the session unhealthy")
	}
	if r.Overflows != 1 || len(r.Warnings) != 1 {
		t.Errorf("report = %+v, want one overflow warning", r)
	}
}

func TestRingBounded(t *testing.T) {
	m, _ := newTestMonitor(t, Thresholds{RingSize: 4})

	for i := 0; i < 10; i++ {
		m.Record(KindWrite, "")
	}
	events := m.Events()
	if len(events) != 4 {
		t.Errorf("retained %d events, want 4", len(events))
	}

	r := m.CheckHealth()
	if r.Writes != 10 {
		t.Errorf("Writes = %d, want counters unaffected by ring bound", r.Writes)
	}
}

func TestEventsOldestFirst(t *testing.T) {
	m, clock := newTestMonitor(t, Thresholds{RingSize: 3})

	m.Record(KindWrite, "a")
	clock.Advance(time.Second)
	m.Record(KindWrite, "b")
	clock.Advance(time.Second)
	m.Record(KindReconnect, "c")
	clock.Advance(time.Second)
	m.Record(KindWrite, "d")

	events := m.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Note != "b" || events[2].Note != "d" {
		t.Errorf("order = [%s %s %s], want [b c d]",
			events[0].Note, events[1].Note, events[2].Note)
	}
}
