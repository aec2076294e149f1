package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/desertthunder/kbmigrate/internal/shared"
)

// State is the position of one circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// maxProbeWait bounds how long a caller backs off while another caller holds the half-open probe.
const maxProbeWait = time.Second

// OpenError is returned by [Breaker.Allow] while a circuit refuses calls.
type OpenError struct {
	Kind      shared.ErrorKind
	RetryIn   time.Duration
	Confirmed bool // a half-open probe failed again
}

func (e *OpenError) Error() string {
	if e.Confirmed {
		return fmt.Sprintf("circuit open for %s (confirmed by probe)", e.Kind)
	}
	return fmt.Sprintf("circuit open for %s, retry in %v", e.Kind, e.RetryIn.Round(time.Millisecond))
}

// Ticket is an admission returned by [Breaker.Allow] and handed back with the outcome.
type Ticket struct {
	probe shared.ErrorKind
}

// Probe reports whether the ticket is the single trial call of a half-open circuit.
func (t Ticket) Probe() bool { return t.probe != "" }

type circuit struct {
	openedAt time.Time
	streak   []time.Time // consecutive failures inside the window
	state    State
	trips    int
	probing  bool
}

// Breaker keeps one circuit per error kind.
//
// A circuit opens once threshold consecutive failures of its kind fall inside the window.
// Any success resets every streak, and a failure of one kind resets the streaks of the
// others. After the cooldown the circuit admits a single probe: success closes it, failure
// reopens it as confirmed. Permanent item failures never count.
type Breaker struct {
	mu        sync.Mutex
	now       func() time.Time
	circuits  map[shared.ErrorKind]*circuit
	onChange  func(kind shared.ErrorKind, from, to State)
	threshold int
	window    time.Duration
	cooldown  time.Duration
}

// NewBreaker creates a breaker from configuration.
func NewBreaker(cfg shared.BreakerConfig) *Breaker {
	threshold := max(cfg.Threshold, 1)
	return &Breaker{
		now:       time.Now,
		circuits:  make(map[shared.ErrorKind]*circuit),
		threshold: threshold,
		window:    time.Duration(cfg.WindowSeconds) * time.Second,
		cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
	}
}

// SetClock replaces the breaker's time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnStateChange registers a callback invoked, under the breaker's lock, on every circuit transition.
func (b *Breaker) OnStateChange(fn func(kind shared.ErrorKind, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State reports the current state of the circuit for kind.
func (b *Breaker) State(kind shared.ErrorKind) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[kind]; ok {
		return c.state
	}
	return Closed
}

// Allow admits a call unless some circuit is open.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var probe shared.ErrorKind
	for kind, c := range b.circuits {
		switch c.state {
		case Open:
			if wait := c.openedAt.Add(b.cooldown).Sub(now); wait > 0 {
				return Ticket{}, &OpenError{Kind: kind, RetryIn: wait, Confirmed: c.trips > 1}
			}
			b.setState(kind, c, HalfOpen)
			fallthrough
		case HalfOpen:
			if c.probing || probe != "" {
				return Ticket{}, &OpenError{Kind: kind, RetryIn: min(b.cooldown, maxProbeWait)}
			}
			probe = kind
		}
	}

	if probe != "" {
		b.circuits[probe].probing = true
	}
	return Ticket{probe: probe}, nil
}

// Success records a successful call.
func (b *Breaker) Success(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.circuits {
		c.streak = c.streak[:0]
	}
	if c, ok := b.circuits[t.probe]; ok {
		c.probing = false
		c.trips = 0
		b.setState(t.probe, c, Closed)
	}
}

// Failure records a failed call of the given kind.
func (b *Breaker) Failure(t Ticket, kind shared.ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if kind == "" || kind.Class() == shared.ClassPermanentItem {
		// the call got through and was rejected on its own merits
		if c, ok := b.circuits[t.probe]; ok {
			c.probing = false
			c.trips = 0
			b.setState(t.probe, c, Closed)
		}
		return
	}

	if c, ok := b.circuits[t.probe]; ok {
		c.probing = false
		if kind == t.probe {
			b.trip(t.probe, c, now)
		} else {
			// a failure of another kind reopens without counting as a trip
			c.openedAt = now
			b.setState(t.probe, c, Open)
		}
	}

	for other, c := range b.circuits {
		if other != kind {
			c.streak = c.streak[:0]
		}
	}

	c, ok := b.circuits[kind]
	if !ok {
		c = &circuit{}
		b.circuits[kind] = c
	}
	if c.state != Closed {
		return
	}

	cutoff := now.Add(-b.window)
	kept := c.streak[:0]
	for _, at := range c.streak {
		if b.window <= 0 || at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.streak = append(kept, now)

	if len(c.streak) >= b.threshold {
		b.trip(kind, c, now)
	}
}

// Release returns a ticket whose call ended without an outcome, e.g. on cancellation.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[t.probe]; ok {
		c.probing = false
	}
}

func (b *Breaker) trip(kind shared.ErrorKind, c *circuit, now time.Time) {
	c.trips++
	c.openedAt = now
	c.streak = c.streak[:0]
	b.setState(kind, c, Open)
}

func (b *Breaker) setState(kind shared.ErrorKind, c *circuit, to State) {
	from := c.state
	c.state = to
	if from != to && b.onChange != nil {
		b.onChange(kind, from, to)
	}
}
