package netplay

import (
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/p2p_packet"
)

// Status grades the measured one-way latency
type Status int

const (
	StatusGood Status = iota
	StatusWarning
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	}
	return "unknown"
}

// HealthConfig tunes a HealthMonitor
type HealthConfig struct {
	PingInterval    time.Duration
	WindowSize      int
	WarningLatency  time.Duration
	CriticalLatency time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		PingInterval:    500 * time.Millisecond,
		WindowSize:      10,
		WarningLatency:  100 * time.Millisecond,
		CriticalLatency: 200 * time.Millisecond,
	}
}

// HealthMonitor measures round trip time with PING/PONG and counts gaps in the
// frames of received input packets. It is owned by the session loop.
type HealthMonitor struct {
	cfg      HealthConfig
	rtts     []time.Duration
	lastPing time.Time

	hasReceived bool
	lastFrame   uint32
	gaps        int

	status   Status
	onChange func(old, new Status)
}

func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WarningLatency <= 0 {
		cfg.WarningLatency = def.WarningLatency
	}
	if cfg.CriticalLatency <= 0 {
		cfg.CriticalLatency = def.CriticalLatency
	}
	return &HealthMonitor{
		cfg:  cfg,
		rtts: make([]time.Duration, 0, cfg.WindowSize),
	}
}

// OnStatusChange registers f to run whenever the graded status changes
func (h *HealthMonitor) OnStatusChange(f func(old, new Status)) {
	h.onChange = f
}

// Timestamp converts t to the float milliseconds carried in PING/PONG
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// Poll returns a ping to send when one is due at now, or nil
func (h *HealthMonitor) Poll(now time.Time) *p2p_packet.PingMsg {
	if !h.lastPing.IsZero() && now.Sub(h.lastPing) < h.cfg.PingInterval {
		return nil
	}
	h.lastPing = now
	return &p2p_packet.PingMsg{Timestamp: Timestamp(now)}
}

// HandlePing builds the echo for a peer's ping
func (h *HealthMonitor) HandlePing(ping *p2p_packet.PingMsg) *p2p_packet.PongMsg {
	return &p2p_packet.PongMsg{Timestamp: ping.Timestamp}
}

// HandlePong records the round trip of a pong received at receivedAt
func (h *HealthMonitor) HandlePong(pong *p2p_packet.PongMsg, receivedAt time.Time) time.Duration {
	ms := Timestamp(receivedAt) - pong.Timestamp
	if ms < 0 {
		log4go.Debug("[health] pong from the future, ts=%f", pong.Timestamp)
		return 0
	}
	rtt := time.Duration(ms * float64(time.Millisecond))
	h.rtts = append(h.rtts, rtt)
	if over := len(h.rtts) - h.cfg.WindowSize; over > 0 {
		h.rtts = append(h.rtts[:0], h.rtts[over:]...)
	}
	h.regrade()
	return rtt
}

// NoteInputFrame counts a gap whenever frame skips past the last seen frame
func (h *HealthMonitor) NoteInputFrame(frame uint32) {
	if !h.hasReceived {
		h.hasReceived = true
		h.lastFrame = frame
		return
	}
	if frame > h.lastFrame+1 {
		h.gaps++
	}
	if frame > h.lastFrame {
		h.lastFrame = frame
	}
}

// AverageRTT is the mean over the sample window, zero before the first pong
func (h *HealthMonitor) AverageRTT() time.Duration {
	if len(h.rtts) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range h.rtts {
		sum += r
	}
	return sum / time.Duration(len(h.rtts))
}

// Latency is the estimated one-way delay
func (h *HealthMonitor) Latency() time.Duration {
	return h.AverageRTT() / 2
}

func (h *HealthMonitor) Samples() int {
	return len(h.rtts)
}

func (h *HealthMonitor) Gaps() int {
	return h.gaps
}

func (h *HealthMonitor) Status() Status {
	return h.status
}

// ResetGaps clears frame tracking at an episode boundary. RTT samples are kept.
func (h *HealthMonitor) ResetGaps() {
	h.hasReceived = false
	h.lastFrame = 0
	h.gaps = 0
}

func (h *HealthMonitor) regrade() {
	latency := h.Latency()
	next := StatusGood
	switch {
	case latency > h.cfg.CriticalLatency:
		next = StatusCritical
	case latency > h.cfg.WarningLatency:
		next = StatusWarning
	}
	if next == h.status {
		return
	}
	old := h.status
	h.status = next
	log4go.Info("[health] status %s -> %s, latency=%v", old, next, latency)
	if h.onChange != nil {
		h.onChange(old, next)
	}
}
