// Package p2p negotiates the unreliable peer datagram channel: an unordered WebRTC
// DataChannel with no retransmission, reached through STUN/TURN, restarted on failure
// and abandoned for the relay once restarts run out.
package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	DefaultLabel               = "inputs"
	DefaultCongestionThreshold = 16 * 1024
	DefaultQualityPoll         = 2 * time.Second
	// DefaultDegradedRTT is the candidate pair round trip above which quality is reported degraded
	DefaultDegradedRTT = 400 * time.Millisecond
)

var (
	ErrClosed        = errors.New("negotiator closed")
	ErrUnknownSignal = errors.New("unknown signal kind")
)

// ConnectionType tells whether the selected path goes through a TURN relay.
// It is reported for observability only.
type ConnectionType string

const (
	ConnectionDirect  ConnectionType = "direct"
	ConnectionRelayed ConnectionType = "relayed"
)

// Signaler forwards negotiation payloads to the remote peer over the relay
type Signaler interface {
	SendSignal(kind string, payload []byte) error
}

type Config struct {
	ICEServers []webrtc.ICEServer
	// RelayOnly restricts gathering to TURN candidates
	RelayOnly bool
	// Initiator creates the DataChannel and the offers. Exactly one side sets it.
	Initiator           bool
	RestartCap          int
	RestartGrace        time.Duration
	QualityPoll         time.Duration
	DegradedRTT         time.Duration
	CongestionThreshold uint64
	Label               string
	// Loopback gathers loopback host candidates, for same-host runs
	Loopback bool
}

// Callbacks run on pion or timer goroutines. They must hand work to the owner's loop
// instead of touching simulation state.
type Callbacks struct {
	OnOpen            func()
	OnMessage         func(data []byte, receivedAt time.Time)
	OnConnectionType  func(typ ConnectionType, details string)
	OnQualityDegraded func(reason string)
	// OnFallback fires at most once; the direct path is never used again afterwards
	OnFallback func(reason string)
}

type signal struct {
	kind    string
	payload []byte
}

// Negotiator owns one PeerConnection and its single DataChannel
type Negotiator struct {
	cfg      Config
	signaler Signaler
	cb       Callbacks
	api      *webrtc.API
	restart  *RestartPolicy

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	early     []signal

	fellBack  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	exitChan  chan struct{}
}

func NewNegotiator(cfg Config, signaler Signaler, cb Callbacks) *Negotiator {
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.CongestionThreshold == 0 {
		cfg.CongestionThreshold = DefaultCongestionThreshold
	}
	if cfg.QualityPoll <= 0 {
		cfg.QualityPoll = DefaultQualityPoll
	}
	if cfg.DegradedRTT <= 0 {
		cfg.DegradedRTT = DefaultDegradedRTT
	}
	if cfg.RestartCap == 0 {
		cfg.RestartCap = DefaultRestartCap
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.Loopback)

	n := &Negotiator{
		cfg:      cfg,
		signaler: signaler,
		cb:       cb,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		exitChan: make(chan struct{}),
	}
	n.restart = NewRestartPolicy(cfg.RestartCap, cfg.RestartGrace, n.iceRestart, func() {
		n.fallback("ice restart cap reached")
	})
	return n
}

// Connect creates the PeerConnection for peerID. The initiator opens the DataChannel
// and sends the first offer; the other side waits for it.
func (n *Negotiator) Connect(peerID string) error {
	if n.closed.Load() {
		return ErrClosed
	}

	rtcCfg := webrtc.Configuration{ICEServers: n.cfg.ICEServers}
	if n.cfg.RelayOnly {
		rtcCfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	pc, err := n.api.NewPeerConnection(rtcCfg)
	if err != nil {
		n.fallback("create peer connection failed")
		return errors.Wrap(err, "new peer connection")
	}

	pc.OnICECandidate(n.onICECandidate)
	pc.OnICEConnectionStateChange(n.onICEState)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log4go.Debug("[p2p] peer connection state %s", s)
	})

	n.mu.Lock()
	n.pc = pc
	early := n.early
	n.early = nil
	n.mu.Unlock()

	log4go.Info("[p2p] connecting to %s, initiator=%v relayOnly=%v", peerID, n.cfg.Initiator, n.cfg.RelayOnly)

	if n.cfg.Initiator {
		ordered := false
		maxRetransmits := uint16(0)
		dc, err := pc.CreateDataChannel(n.cfg.Label, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			n.fallback("create data channel failed")
			return errors.Wrap(err, "create data channel")
		}
		n.bindChannel(dc)
		if err := n.offer(false); err != nil {
			n.fallback("initial offer failed")
			return err
		}
	} else {
		pc.OnDataChannel(n.bindChannel)
	}

	for _, s := range early {
		if err := n.HandleSignal(s.kind, s.payload); err != nil {
			log4go.Warn("[p2p] replay early %s signal: %v", s.kind, err)
		}
	}

	go n.pollQuality()
	return nil
}

// HandleSignal applies an offer, answer or candidate forwarded by the relay.
// Signals that arrive before Connect are held and replayed by it.
func (n *Negotiator) HandleSignal(kind string, payload []byte) error {
	if n.closed.Load() || n.fellBack.Load() {
		return nil
	}

	n.mu.Lock()
	pc := n.pc
	if pc == nil {
		n.early = append(n.early, signal{kind: kind, payload: append([]byte(nil), payload...)})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	switch kind {
	case pb.SignalOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return errors.Wrap(err, "decode offer")
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			return errors.Wrap(err, "set remote offer")
		}
		n.flushCandidates()
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return errors.Wrap(err, "create answer")
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return errors.Wrap(err, "set local answer")
		}
		return n.sendDescription(pb.SignalAnswer, answer)

	case pb.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return errors.Wrap(err, "decode answer")
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			return errors.Wrap(err, "set remote answer")
		}
		n.flushCandidates()
		return nil

	case pb.SignalCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil {
			return errors.Wrap(err, "decode candidate")
		}
		n.mu.Lock()
		if !n.remoteSet {
			n.pending = append(n.pending, cand)
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()
		return errors.Wrap(pc.AddICECandidate(cand), "add candidate")
	}
	return errors.Wrapf(ErrUnknownSignal, "kind %q", kind)
}

// Send writes one datagram. It returns false when the channel is not open, has fallen
// back, or has more than the congestion threshold queued.
func (n *Negotiator) Send(data []byte) bool {
	dc := n.channel()
	if dc == nil || n.fellBack.Load() || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	if dc.BufferedAmount() > n.cfg.CongestionThreshold {
		return false
	}
	if err := dc.Send(data); err != nil {
		log4go.Debug("[p2p] send: %v", err)
		return false
	}
	return true
}

func (n *Negotiator) IsReady() bool {
	dc := n.channel()
	return dc != nil && !n.fellBack.Load() && dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (n *Negotiator) BufferedAmount() uint64 {
	dc := n.channel()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// FellBack reports whether the terminal fallback has been signalled
func (n *Negotiator) FellBack() bool {
	return n.fellBack.Load()
}

// Close tears the connection down without signalling fallback
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.exitChan)
		n.restart.Stop()
		n.mu.Lock()
		pc := n.pc
		n.mu.Unlock()
		if pc != nil {
			err = pc.Close()
		}
	})
	return err
}

func (n *Negotiator) channel() *webrtc.DataChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dc
}

func (n *Negotiator) bindChannel(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.dc = dc
	n.mu.Unlock()

	dc.OnOpen(func() {
		log4go.Info("[p2p] data channel %q open, ordered=%v", dc.Label(), dc.Ordered())
		if n.cb.OnOpen != nil {
			n.cb.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if n.cb.OnMessage != nil {
			n.cb.OnMessage(msg.Data, time.Now())
		}
	})
	dc.OnClose(func() {
		if n.closed.Load() {
			return
		}
		n.fallback("data channel closed")
	})
}

func (n *Negotiator) offer(iceRestart bool) error {
	n.mu.Lock()
	pc := n.pc
	if iceRestart {
		// candidates for the new credentials must wait for the new answer
		n.remoteSet = false
	}
	n.mu.Unlock()

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local offer")
	}
	return n.sendDescription(pb.SignalOffer, offer)
}

func (n *Negotiator) sendDescription(kind string, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return errors.Wrapf(err, "encode %s", kind)
	}
	return errors.Wrapf(n.signaler.SendSignal(kind, payload), "send %s", kind)
}

func (n *Negotiator) flushCandidates() {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	pc := n.pc
	n.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log4go.Warn("[p2p] add buffered candidate: %v", err)
		}
	}
}

func (n *Negotiator) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil || n.closed.Load() {
		return
	}
	payload, err := json.Marshal(c.ToJSON())
	if err != nil {
		log4go.Warn("[p2p] encode candidate: %v", err)
		return
	}
	if err := n.signaler.SendSignal(pb.SignalCandidate, payload); err != nil {
		log4go.Warn("[p2p] send candidate: %v", err)
	}
}

func (n *Negotiator) onICEState(s webrtc.ICEConnectionState) {
	log4go.Info("[p2p] ice connection state %s", s)
	if n.closed.Load() || n.fellBack.Load() {
		return
	}
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.restart.Connected()
		n.reportConnectionType()
	case webrtc.ICEConnectionStateDisconnected:
		n.degraded("ice disconnected")
		n.restart.Disconnected()
	case webrtc.ICEConnectionStateFailed:
		n.degraded("ice failed")
		n.restart.Failed()
	case webrtc.ICEConnectionStateClosed:
		n.fallback("ice closed")
	}
}

// iceRestart is driven by the restart policy. Only the initiator can issue the offer;
// the other side keeps counting so both give up within the same bound.
func (n *Negotiator) iceRestart(attempt int) {
	if !n.cfg.Initiator {
		log4go.Info("[p2p] waiting for remote ice restart, attempt %d", attempt)
		return
	}
	if err := n.offer(true); err != nil {
		log4go.Warn("[p2p] ice restart attempt %d: %v", attempt, err)
	}
}

func (n *Negotiator) reportConnectionType() {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil || n.cb.OnConnectionType == nil {
		return
	}
	sctp := pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil || pair.Remote == nil {
		return
	}
	typ := ConnectionDirect
	if pair.Local.Typ == webrtc.ICECandidateTypeRelay || pair.Remote.Typ == webrtc.ICECandidateTypeRelay {
		typ = ConnectionRelayed
	}
	details := fmt.Sprintf("%s %s:%d -> %s %s:%d",
		pair.Local.Typ, pair.Local.Address, pair.Local.Port,
		pair.Remote.Typ, pair.Remote.Address, pair.Remote.Port)
	n.cb.OnConnectionType(typ, details)
}

func (n *Negotiator) pollQuality() {
	ticker := time.NewTicker(n.cfg.QualityPoll)
	defer ticker.Stop()
	for {
		select {
		case <-n.exitChan:
			return
		case <-ticker.C:
			if n.fellBack.Load() {
				return
			}
			n.checkQuality()
		}
	}
}

func (n *Negotiator) checkQuality() {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return
	}
	for _, s := range pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		rtt := time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		if rtt > n.cfg.DegradedRTT {
			n.degraded(fmt.Sprintf("candidate pair rtt %v", rtt))
		}
	}
}

func (n *Negotiator) degraded(reason string) {
	if n.cb.OnQualityDegraded != nil {
		n.cb.OnQualityDegraded(reason)
	}
}

func (n *Negotiator) fallback(reason string) {
	if !n.fellBack.CompareAndSwap(false, true) {
		return
	}
	n.restart.Stop()
	log4go.Warn("[p2p] falling back to relay: %s", reason)
	if n.cb.OnFallback != nil {
		n.cb.OnFallback(reason)
	}
}
