// Package netplay holds the per-tick input sender and the connection health monitor
// that sit between the rollback engine and the peer channel.
package netplay

import (
	"math"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/p2p_packet"
)

const (
	DefaultKeep                = 10
	DefaultRedundancy          = 3
	DefaultCongestionThreshold = 16 * 1024
)

// Transport is the unreliable peer channel as seen by the sender
type Transport interface {
	IsReady() bool
	BufferedAmount() uint64
	Send(data []byte) bool
}

// SenderConfig tunes a RedundancySender
type SenderConfig struct {
	PlayerIndex         uint16
	Keep                int
	Redundancy          int
	CongestionThreshold uint64
}

// RedundancySender keeps the last Keep local inputs and sends the newest Redundancy of
// them, oldest first, in every packet.
type RedundancySender struct {
	cfg       SenderConfig
	transport Transport
	recent    []p2p_packet.InputEntry
	episode   uint32

	sent    int
	skipped int
}

func NewRedundancySender(transport Transport, cfg SenderConfig) *RedundancySender {
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.Redundancy <= 0 {
		cfg.Redundancy = DefaultRedundancy
	}
	if cfg.Redundancy > cfg.Keep {
		cfg.Keep = cfg.Redundancy
	}
	if cfg.Redundancy > p2p_packet.MaxInputCount {
		cfg.Redundancy = p2p_packet.MaxInputCount
	}
	if cfg.CongestionThreshold == 0 {
		cfg.CongestionThreshold = DefaultCongestionThreshold
	}
	return &RedundancySender{
		cfg:       cfg,
		transport: transport,
		recent:    make([]p2p_packet.InputEntry, 0, cfg.Keep+1),
	}
}

// Record appends a local input and tries to send a packet for it. A false return means
// nothing went out this tick and the caller should use the reliable path for this input.
func (s *RedundancySender) Record(frame uint32, action uint8, currentFrame uint32) bool {
	s.recent = append(s.recent, p2p_packet.InputEntry{Frame: frame, Action: action})
	if over := len(s.recent) - s.cfg.Keep; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	return s.Flush(currentFrame)
}

// Flush sends the newest inputs again without recording a new one
func (s *RedundancySender) Flush(currentFrame uint32) bool {
	if len(s.recent) == 0 {
		return false
	}
	if s.transport == nil || !s.transport.IsReady() {
		s.skipped++
		return false
	}
	if buffered := s.transport.BufferedAmount(); buffered > s.cfg.CongestionThreshold {
		s.skipped++
		log4go.Debug("[sender] congested, buffered=%d threshold=%d", buffered, s.cfg.CongestionThreshold)
		return false
	}

	n := s.cfg.Redundancy
	if n > len(s.recent) {
		n = len(s.recent)
	}
	msg := &p2p_packet.InputMsg{
		PlayerIndex:  s.cfg.PlayerIndex,
		CurrentFrame: currentFrame,
		Episode:      uint8(s.episode),
		Inputs:       s.recent[len(s.recent)-n:],
	}
	if !s.transport.Send(msg.Serialize()) {
		s.skipped++
		return false
	}
	s.sent++
	return true
}

// Pad re-sends the final window count times so the last inputs of an episode get the
// redundancy that trailing packets would otherwise have given them
func (s *RedundancySender) Pad(currentFrame uint32, count int) int {
	n := 0
	for i := 0; i < count; i++ {
		if s.Flush(currentFrame) {
			n++
		}
	}
	return n
}

// Recent returns the buffered inputs, oldest first
func (s *RedundancySender) Recent() []p2p_packet.InputEntry {
	return append([]p2p_packet.InputEntry(nil), s.recent...)
}

// Reset forgets buffered inputs at an episode boundary and tags later packets with
// the new episode
func (s *RedundancySender) Reset(episode uint32) {
	s.recent = s.recent[:0]
	s.episode = episode
}

func (s *RedundancySender) Sent() int {
	return s.sent
}

func (s *RedundancySender) Skipped() int {
	return s.skipped
}

// UndeliveredProbability is the chance that every one of copies independent sends of
// one input is lost at the given loss rate
func UndeliveredProbability(loss float64, copies int) float64 {
	if copies <= 0 {
		return 1
	}
	return math.Pow(loss, float64(copies))
}

// ExpectedLostInputs is the expected number of inputs never delivered over an episode
// of inputs distinct inputs, each carried in copies packets
func ExpectedLostInputs(loss float64, copies, inputs int) float64 {
	return float64(inputs) * UndeliveredProbability(loss, copies)
}
