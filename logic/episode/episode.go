// Package episode agrees on episode boundaries between the two peers
package episode

import (
	"sync"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/p2p_packet"
)

const (
	DefaultTimeout   = 2 * time.Second
	DefaultDriftWarn = 5
)

type State int

const (
	Running State = iota
	LocalEnded
	Reconciled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case LocalEnded:
		return "local_ended"
	case Reconciled:
		return "reconciled"
	}
	return "unknown"
}

type Config struct {
	Timeout   time.Duration
	DriftWarn uint32
}

// Outcome describes how an episode was reconciled
type Outcome struct {
	Episode     uint32
	LocalFrame  uint32
	RemoteFrame uint32
	RemoteKnown bool
	TimedOut    bool
	SinglePhase bool
}

// Drift is the distance between the frames at which both sides saw the end
func (o Outcome) Drift() uint32 {
	if !o.RemoteKnown {
		return 0
	}
	if o.LocalFrame > o.RemoteFrame {
		return o.LocalFrame - o.RemoteFrame
	}
	return o.RemoteFrame - o.LocalFrame
}

// Synchronizer runs Running -> LocalEnded -> Reconciled once per episode. Remote
// notices may arrive from network goroutines and the timeout fires on its own, so
// it is safe for concurrent use.
type Synchronizer struct {
	mu  sync.Mutex
	cfg Config

	episode     uint32
	state       State
	localFrame  uint32
	remoteEnded bool
	remoteFrame uint32
	// notices for episodes the local side has not started yet
	early map[uint32]uint32

	timer   *time.Timer
	done    chan struct{}
	outcome Outcome
}

func NewSynchronizer(cfg Config) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DriftWarn == 0 {
		cfg.DriftWarn = DefaultDriftWarn
	}
	return &Synchronizer{
		cfg:   cfg,
		early: make(map[uint32]uint32),
		done:  make(chan struct{}),
	}
}

func (s *Synchronizer) Episode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episode
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the current episode is reconciled
func (s *Synchronizer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Outcome is only meaningful once Done is closed
func (s *Synchronizer) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// EndLocal marks the local end of the episode at frame. With twoPhase it returns the
// EPISODE_END notice to broadcast and waits for the peer's notice or the timeout;
// without it the episode reconciles at once and nil is returned.
func (s *Synchronizer) EndLocal(frame uint32, twoPhase bool) *p2p_packet.EpisodeEndMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return nil
	}
	s.state = LocalEnded
	s.localFrame = frame
	log4go.Info("[episode] episode %d ended locally at frame %d, twoPhase=%v", s.episode, frame, twoPhase)

	msg := &p2p_packet.EpisodeEndMsg{Frame: frame, EpisodeNumber: s.episode}
	switch {
	case !twoPhase:
		s.reconcileLocked(false, true)
		return nil
	case s.remoteEnded:
		s.reconcileLocked(false, false)
	default:
		episode := s.episode
		s.timer = time.AfterFunc(s.cfg.Timeout, func() { s.timeout(episode) })
	}
	return msg
}

// EndRemote records the peer's notice. Notices for finished episodes are ignored and
// notices for a later episode are kept until Reset starts it.
func (s *Synchronizer) EndRemote(frame, episode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case episode < s.episode:
		log4go.Debug("[episode] stale end notice for episode %d at frame %d", episode, frame)
		return
	case episode > s.episode:
		s.early[episode] = frame
		return
	}
	if s.remoteEnded || s.state == Reconciled {
		return
	}
	s.remoteEnded = true
	s.remoteFrame = frame
	if s.state == LocalEnded {
		s.reconcileLocked(false, false)
	}
}

// Reset starts episode. Any pending timeout is cancelled.
func (s *Synchronizer) Reset(episode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.episode = episode
	s.state = Running
	s.localFrame = 0
	s.remoteEnded = false
	s.remoteFrame = 0
	s.outcome = Outcome{}
	s.done = make(chan struct{})
	for ep, frame := range s.early {
		if ep < episode {
			delete(s.early, ep)
		}
		if ep == episode {
			s.remoteEnded = true
			s.remoteFrame = frame
			delete(s.early, ep)
		}
	}
}

// Stop cancels the pending timeout at session teardown
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Synchronizer) timeout(episode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episode != episode || s.state != LocalEnded {
		return
	}
	s.timer = nil
	log4go.Warn("[episode] no end notice from peer for episode %d within %v, proceeding alone", episode, s.cfg.Timeout)
	s.reconcileLocked(true, false)
}

func (s *Synchronizer) reconcileLocked(timedOut, singlePhase bool) {
	s.stopTimerLocked()
	s.state = Reconciled
	s.outcome = Outcome{
		Episode:     s.episode,
		LocalFrame:  s.localFrame,
		RemoteFrame: s.remoteFrame,
		RemoteKnown: s.remoteEnded,
		TimedOut:    timedOut,
		SinglePhase: singlePhase,
	}
	if drift := s.outcome.Drift(); drift > s.cfg.DriftWarn {
		log4go.Warn("[episode] episode %d end frames drifted by %d (local=%d remote=%d)",
			s.episode, drift, s.localFrame, s.remoteFrame)
	}
	close(s.done)
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
