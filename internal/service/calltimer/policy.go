// Package calltimer implements the time-box applied to voice calls.
package calltimer

import (
	"time"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

// Thresholds 通话时长阈值。
type Thresholds struct {
	Interval time.Duration
	Warning  time.Duration
	Limit    time.Duration
}

// DefaultThresholds warns at four minutes and hangs up at five.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Interval: time.Second,
		Warning:  240 * time.Second,
		Limit:    300 * time.Second,
	}
}

// Normalize fills zero fields with defaults.
func (t Thresholds) Normalize() Thresholds {
	d := DefaultThresholds()
	if t.Interval <= 0 {
		t.Interval = d.Interval
	}
	if t.Warning <= 0 {
		t.Warning = d.Warning
	}
	if t.Limit <= 0 {
		t.Limit = d.Limit
	}
	return t
}

// Signal is the policy's verdict for one tick.
type Signal int

const (
	None Signal = iota
	Warning
	Expired
)

func (s Signal) String() string {
	switch s {
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return "none"
	}
}

// Policy is a pure state machine fed by ticks. It is not safe for concurrent
// use.
type Policy struct {
	th         Thresholds
	state      chat.CallState
	ticks      int64
	generation uint64
}

// NewPolicy returns a disarmed policy.
func NewPolicy(th Thresholds) *Policy {
	return &Policy{th: th.Normalize()}
}

// Thresholds returns the normalized thresholds.
func (p *Policy) Thresholds() Thresholds {
	return p.th
}

// Start arms the policy for a fresh call and returns its generation. Ticks
// carrying an older generation are ignored.
func (p *Policy) Start() uint64 {
	p.generation++
	p.state = chat.CallState{Active: true}
	p.ticks = 0
	return p.generation
}

// Generation returns the current call generation.
func (p *Policy) Generation() uint64 {
	return p.generation
}

// Tick advances the call by one interval.
func (p *Policy) Tick(generation uint64) Signal {
	if !p.state.Active || generation != p.generation {
		return None
	}

	p.ticks++
	elapsed := p.elapsed()
	p.state.ElapsedSeconds = int(elapsed / time.Second)

	if elapsed >= p.th.Limit {
		return Expired
	}
	if !p.state.WarningIssued && elapsed >= p.th.Warning {
		p.state.WarningIssued = true
		return Warning
	}
	return None
}

// Stop disarms the policy and resets the call state. It is safe to call on an
// already stopped policy.
func (p *Policy) Stop() chat.CallState {
	last := p.state
	p.state = chat.CallState{}
	p.ticks = 0
	return last
}

// State returns a copy of the call state.
func (p *Policy) State() chat.CallState {
	return p.state
}

func (p *Policy) elapsed() time.Duration {
	return time.Duration(p.ticks) * p.th.Interval
}

// Remaining returns the time left before the hard stop.
func (p *Policy) Remaining() time.Duration {
	if !p.state.Active {
		return 0
	}
	left := p.th.Limit - p.elapsed()
	if left < 0 {
		return 0
	}
	return left
}
