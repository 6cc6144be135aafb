package safety

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func newTestBreaker(maxFailures, probes int) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(true, maxFailures, time.Minute, probes)
	b.now = c.now
	return b, c
}

func TestBreakerTripsAfterConsecutiveEntryFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 1)
	spy := &alertSpy{}
	b.SetAlerter(spy)

	for i := 0; i < 2; i++ {
		if err := b.RecordEntry(errors.New("rejected")); err != nil {
			t.Fatalf("RecordEntry(%d) error = %v, want nil", i, err)
		}
	}
	if err := b.RecordEntry(errors.New("rejected")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordEntry(third) error = %v, want ErrCircuitOpen", err)
	}
	if err := b.AllowEntry(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowEntry() error = %v, want ErrCircuitOpen", err)
	}
	if got := b.State(); got != "open" {
		t.Fatalf("State() = %q, want open", got)
	}
	if len(spy.events) != 1 || spy.events[0] != "entry_circuit_trip" {
		t.Fatalf("alerts = %v, want [entry_circuit_trip]", spy.events)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, 1)
	_ = b.RecordEntry(errors.New("x"))
	_ = b.RecordEntry(nil)
	if err := b.RecordEntry(errors.New("y")); err != nil {
		t.Fatalf("RecordEntry() after success error = %v, want nil", err)
	}
	if err := b.AllowEntry(); err != nil {
		t.Fatalf("AllowEntry() error = %v, want nil", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, c := newTestBreaker(1, 2)
	_ = b.RecordEntry(errors.New("x"))
	if rem := b.CooldownRemaining(); rem != time.Minute {
		t.Fatalf("CooldownRemaining() = %s, want 1m", rem)
	}

	c.t = c.t.Add(61 * time.Second)
	if err := b.AllowEntry(); err != nil {
		t.Fatalf("AllowEntry(after cooldown) error = %v, want nil", err)
	}
	if got := b.State(); got != "half_open" {
		t.Fatalf("State() = %q, want half_open", got)
	}
	_ = b.RecordEntry(nil)
	if got := b.State(); got != "half_open" {
		t.Fatalf("State() after one probe = %q, want half_open", got)
	}
	_ = b.RecordEntry(nil)
	if got := b.State(); got != "closed" {
		t.Fatalf("State() after two probes = %q, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(3, 1)
	for i := 0; i < 3; i++ {
		_ = b.RecordEntry(errors.New("x"))
	}
	c.t = c.t.Add(2 * time.Minute)
	if err := b.AllowEntry(); err != nil {
		t.Fatalf("AllowEntry(after cooldown) error = %v, want nil", err)
	}
	if err := b.RecordEntry(errors.New("probe failed")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordEntry(probe failure) error = %v, want ErrCircuitOpen", err)
	}
	if err := b.AllowEntry(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowEntry() error = %v, want ErrCircuitOpen after re-open", err)
	}
}

func TestBreakerDisabledOrNilAllowsEverything(t *testing.T) {
	var nilBreaker *Breaker
	if err := nilBreaker.AllowEntry(); err != nil {
		t.Fatalf("nil AllowEntry() error = %v", err)
	}
	b := NewBreaker(false, 1, time.Minute, 1)
	if err := b.RecordEntry(errors.New("x")); err != nil {
		t.Fatalf("disabled RecordEntry() error = %v", err)
	}
	if err := b.AllowEntry(); err != nil {
		t.Fatalf("disabled AllowEntry() error = %v", err)
	}
	if got := b.State(); got != "disabled" {
		t.Fatalf("State() = %q, want disabled", got)
	}
}
