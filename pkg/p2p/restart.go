package p2p

import (
	"sync"
	"time"

	"github.com/alecthomas/log4go"
)

const (
	DefaultRestartCap   = 3
	DefaultRestartGrace = 5 * time.Second
)

// RestartPolicy decides when a broken ICE path is restarted and when it is given up.
// A disconnect gets grace to recover on its own; a failure, or a grace period that runs
// out, spends one restart attempt. Once cap attempts are spent the next escalation is
// terminal and giveUp runs exactly once. Attempts are not refunded on reconnect, so a
// flapping path ends on the relay instead of restarting forever.
type RestartPolicy struct {
	mu       sync.Mutex
	cap      int
	grace    time.Duration
	attempts int
	timer    *time.Timer
	done     bool
	gaveUp   bool

	restart func(attempt int)
	giveUp  func()
}

func NewRestartPolicy(cap int, grace time.Duration, restart func(attempt int), giveUp func()) *RestartPolicy {
	if cap < 0 {
		cap = DefaultRestartCap
	}
	if grace <= 0 {
		grace = DefaultRestartGrace
	}
	return &RestartPolicy{
		cap:     cap,
		grace:   grace,
		restart: restart,
		giveUp:  giveUp,
	}
}

// Disconnected arms the grace timer unless one is already running
func (p *RestartPolicy) Disconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.timer != nil {
		return
	}
	p.armLocked()
}

// Failed escalates immediately
func (p *RestartPolicy) Failed() {
	p.mu.Lock()
	p.stopTimerLocked()
	p.mu.Unlock()
	p.escalate()
}

// Connected cancels a pending grace timer
func (p *RestartPolicy) Connected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
}

// Stop cancels timers and makes every later call a no-op
func (p *RestartPolicy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	p.stopTimerLocked()
}

func (p *RestartPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Exhausted reports whether the terminal give-up has fired
func (p *RestartPolicy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gaveUp
}

func (p *RestartPolicy) escalate() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	if p.attempts >= p.cap {
		p.done = true
		p.gaveUp = true
		p.stopTimerLocked()
		p.mu.Unlock()
		log4go.Warn("[p2p] restart cap %d reached, giving up on the direct path", p.cap)
		if p.giveUp != nil {
			p.giveUp()
		}
		return
	}
	p.attempts++
	attempt := p.attempts
	// a restart that does not reconnect within grace escalates again
	p.armLocked()
	p.mu.Unlock()

	log4go.Info("[p2p] ice restart attempt %d/%d", attempt, p.cap)
	if p.restart != nil {
		p.restart(attempt)
	}
}

func (p *RestartPolicy) armLocked() {
	var t *time.Timer
	t = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		if p.timer != t {
			p.mu.Unlock()
			return
		}
		p.timer = nil
		p.mu.Unlock()
		p.escalate()
	})
	p.timer = t
}

func (p *RestartPolicy) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
