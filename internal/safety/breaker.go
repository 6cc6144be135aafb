package safety

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"updown-trader/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown    = 5 * time.Minute
	defaultProbePasses = 1
)

// Breaker gates new entries after consecutive entry failures. Exits never go
// through it. A nil or disabled Breaker allows everything.
type Breaker struct {
	enabled     bool
	maxFailures int
	cooldown    time.Duration
	probePasses int
	now         func() time.Time

	mu       sync.Mutex
	state    circuitState
	failures int
	passes   int
	openedAt time.Time
	openErr  error

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxFailures int, cooldown time.Duration, probePasses int) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if probePasses < 1 {
		probePasses = defaultProbePasses
	}
	return &Breaker{
		enabled:     enabled && maxFailures > 0,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		probePasses: probePasses,
		now:         time.Now,
		state:       circuitClosed,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// AllowEntry returns ErrCircuitOpen while cooling down. Once the cooldown has
// elapsed the circuit moves to half-open and entries are probed again.
func (b *Breaker) AllowEntry() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		err := b.openErr
		b.mu.Unlock()
		return err
	}
	b.state = circuitHalfOpen
	b.passes = 0
	b.failures = 0
	b.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()

	log.Printf("level=INFO event=entry_circuit_half_open cooldown_sec=%d", int64(b.cooldown/time.Second))
	if alerter != nil {
		alerter.Important("entry_circuit_half_open", map[string]string{
			"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return nil
}

// RecordEntry feeds the outcome of one entry attempt. It returns the open
// circuit error when this failure tripped it.
func (b *Breaker) RecordEntry(err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	alerter := b.alerter

	if err == nil {
		prevFailures, prevState := b.failures, b.state
		recovered := false
		switch b.state {
		case circuitHalfOpen:
			b.passes++
			if b.passes >= b.probePasses {
				b.reset()
				recovered = true
			}
		case circuitClosed:
			if b.failures > 0 {
				b.failures = 0
				recovered = true
			}
		}
		b.mu.Unlock()
		if recovered {
			log.Printf("level=INFO event=entry_circuit_recovered previous_failures=%d from_state=%q", prevFailures, string(prevState))
			if alerter != nil && prevState == circuitHalfOpen {
				alerter.Important("entry_circuit_recovered", map[string]string{
					"previous_failures": strconv.Itoa(prevFailures),
				})
			}
		}
		return nil
	}

	switch b.state {
	case circuitOpen:
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.trip(err, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip(alerter, err, "half_open_probe_failed")
		return openErr
	}

	b.failures++
	if b.failures < b.maxFailures {
		b.mu.Unlock()
		return nil
	}
	openErr := b.trip(err, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, err, "consecutive_failures")
	return openErr
}

// CooldownRemaining is zero unless the circuit is open.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) State() string {
	if b == nil || !b.enabled {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}

func (b *Breaker) reset() {
	b.state = circuitClosed
	b.failures = 0
	b.passes = 0
	b.openErr = nil
	b.openedAt = time.Time{}
}

func (b *Breaker) trip(err error, reason string) error {
	b.state = circuitOpen
	b.openedAt = b.now()
	b.passes = 0
	b.openErr = fmt.Errorf("%w: entries failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, b.failures, b.cooldown, reason, err)
	return b.openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, err error, reason string) {
	log.Printf("level=ERROR event=entry_circuit_trip reason=%q threshold=%d cooldown_sec=%d last_error=%q",
		reason, b.maxFailures, int64(b.cooldown/time.Second), err.Error())
	if alerter != nil {
		alerter.Important("entry_circuit_trip", map[string]string{
			"reason":     reason,
			"threshold":  strconv.Itoa(b.maxFailures),
			"last_error": err.Error(),
		})
	}
}
