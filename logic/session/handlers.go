package session

import (
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/logic/desync"
	"github.com/hedon954/go-rollback-netplay/logic/fallback"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/p2p"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/p2p_packet"
)

// RelayHandlers are the callbacks to register with the relay client
func (p *Peer) RelayHandlers() fallback.Handlers {
	return fallback.Handlers{
		OnJoined: func(m *pb.Joined) {
			if len(m.Peers) == 0 {
				log4go.Info("[session] joined %s, waiting for peer", m.SessionID)
				return
			}
			select {
			case p.peerChan <- rollback.PlayerID(m.Peers[0]):
			default:
			}
		},
		OnSignal: func(m *pb.Signal) {
			p.post(func() {
				if p.transport == nil {
					return
				}
				if err := p.transport.HandleSignal(m.Kind, m.Payload); err != nil {
					log4go.Warn("[session] signal %s from %s: %v", m.Kind, m.From, err)
				}
			}, false)
		},
		OnInput: func(m *pb.Input) {
			p.post(func() {
				p.enqueueRemote(rollback.PlayerID(m.PlayerID), m.Episode, m.Frame, rollback.Action(m.Action))
			}, false)
		},
		OnStateSync: func(m *pb.StateSync) {
			p.post(func() { p.onStateSync(m) }, false)
		},
		OnStateRequest: func(m *pb.StateRequest) {
			p.post(func() { p.onStateRequest(m) }, false)
		},
		OnStateResponse: func(m *pb.StateResponse) {
			p.post(func() { p.onStateResponse(m) }, false)
		},
		OnConnectionType: func(m *pb.ConnectionType) {
			log4go.Info("[session] peer %s connection %s (%s)", m.PlayerID, m.Type, m.Details)
		},
		OnEpisodeEnd: func(m *pb.EpisodeEnd) {
			p.sync.EndRemote(m.Frame, m.EpisodeNumber)
		},
		OnPeerLeft: func(m *pb.PeerLeft) {
			log4go.Warn("[session] peer %s left the relay session", m.PlayerID)
		},
		OnClose: func() {
			log4go.Error("[session] relay connection lost")
		},
	}
}

func (p *Peer) transportCallbacks() p2p.Callbacks {
	return p2p.Callbacks{
		OnOpen: func() {
			log4go.Info("[session] datagram channel open")
		},
		OnMessage: p.onDatagram,
		OnConnectionType: func(typ p2p.ConnectionType, details string) {
			log4go.Info("[session] datagram path is %s: %s", typ, details)
			if err := p.relay.SendConnectionType(string(typ), details); err != nil {
				log4go.Warn("[session] report connection type: %v", err)
			}
		},
		OnQualityDegraded: func(reason string) {
			log4go.Warn("[session] datagram quality degraded: %s", reason)
		},
		OnFallback: func(reason string) {
			p.router.Fallback(reason)
		},
	}
}

// onDatagram runs on a transport goroutine
func (p *Peer) onDatagram(data []byte, receivedAt time.Time) {
	msg, err := p2p_packet.Decode(data)
	if err != nil {
		log4go.Debug("[session] dropped datagram: %v", err)
		return
	}

	switch m := msg.(type) {
	case *p2p_packet.InputMsg:
		p.post(func() { p.onInputPacket(m) }, true)
	case *p2p_packet.PingMsg:
		p.transport.Send(p.health.HandlePing(m).Serialize())
	case *p2p_packet.PongMsg:
		p.post(func() { p.health.HandlePong(m, receivedAt) }, true)
	case *p2p_packet.EpisodeEndMsg:
		p.sync.EndRemote(m.Frame, m.EpisodeNumber)
	}
}

func (p *Peer) onInputPacket(m *p2p_packet.InputMsg) {
	if int(m.PlayerIndex) >= len(p.players) || m.PlayerIndex == p.localIndex {
		log4go.Debug("[session] input packet with bad player index %d", m.PlayerIndex)
		return
	}
	player := p.players[m.PlayerIndex]
	ep := p.episodeOf(m.Episode)
	var newest uint32
	for _, in := range m.Inputs {
		p.enqueueRemote(player, ep, in.Frame, rollback.Action(in.Action))
		if in.Frame > newest {
			newest = in.Frame
		}
	}
	if len(m.Inputs) > 0 && ep == p.episode {
		p.health.NoteInputFrame(newest)
	}
}

// episodeOf widens the episode byte of a datagram to the nearest episode number
func (p *Peer) episodeOf(tag uint8) uint32 {
	return p.episode + uint32(int32(int8(tag-uint8(p.episode))))
}

type earlyInput struct {
	episode uint32
	input   rollback.RemoteInput
}

// enqueueRemote hands a current-episode input to the engine. Inputs of a finished
// episode are dropped; inputs of an episode not started yet wait for Reset.
func (p *Peer) enqueueRemote(player rollback.PlayerID, episode, frame uint32, action rollback.Action) {
	if player != p.cfg.RemoteID {
		log4go.Debug("[session] input from unknown player %s", player)
		return
	}
	in := rollback.RemoteInput{Player: player, Frame: rollback.Frame(frame), Action: action}
	switch d := int32(episode - p.episode); {
	case d < 0:
		log4go.Debug("[session] dropped input of episode %d frame %d, now in %d", episode, frame, p.episode)
	case d > 0:
		if len(p.early) >= p.cfg.InboxSize {
			log4go.Warn("[session] too many inputs ahead of episode %d, dropped frame %d", p.episode, frame)
			return
		}
		p.early = append(p.early, earlyInput{episode: episode, input: in})
	default:
		p.engine.EnqueueRemoteInput(in)
	}
}

// releaseEarly queues the held inputs that belong to the episode just started
func (p *Peer) releaseEarly() {
	kept := p.early[:0]
	n := 0
	for _, e := range p.early {
		switch d := int32(e.episode - p.episode); {
		case d == 0:
			p.engine.EnqueueRemoteInput(e.input)
			n++
		case d > 0:
			kept = append(kept, e)
		}
	}
	p.early = kept
	if n > 0 {
		log4go.Debug("[session] released %d inputs held for episode %d", n, p.episode)
	}
}

// broadcastHash digests the next hash frame once every input before it is confirmed.
// With rollback the stored snapshot is digested; without it the live state is, on the
// frame itself.
func (p *Peer) broadcastHash() {
	if !p.engine.CanCapture() {
		return
	}
	h := p.tracker.NextHashFrame()

	var state []byte
	if p.engine.RollbackEnabled() {
		if p.engine.ConfirmedThrough() < h {
			return
		}
		snap, ok := p.engine.Snapshots().At(h)
		if !ok {
			log4go.Debug("[session] no snapshot for hash frame %d", h)
			p.tracker.Skip(h)
			return
		}
		state = snap.State.Engine
	} else {
		if p.engine.Frame() < h {
			return
		}
		if p.engine.Frame() > h {
			p.tracker.Skip(h)
			return
		}
		live, err := p.engine.CaptureState()
		if err != nil {
			log4go.Warn("[session] capture for hash frame %d: %v", h, err)
			p.tracker.Skip(h)
			return
		}
		state = live.Engine
	}

	hash := desync.Hash(state)
	counts := p.engine.ActionCounts()
	p.tracker.RecordLocal(h, hash, counts)

	wire := make(map[string]uint32, len(counts))
	for id, n := range counts {
		wire[string(id)] = n
	}
	if err := p.relay.SendStateSync(uint32(h), hash, wire, p.episode); err != nil {
		log4go.Warn("[session] send state sync frame %d: %v", h, err)
	}
}

func (p *Peer) onStateSync(m *pb.StateSync) {
	if !p.cfg.DesyncEnabled || rollback.PlayerID(m.SenderID) != p.cfg.RemoteID {
		return
	}
	if m.Episode != p.episode {
		log4go.Debug("[session] state sync of episode %d frame %d ignored in episode %d", m.Episode, m.Frame, p.episode)
		return
	}
	counts := make(map[rollback.PlayerID]uint32, len(m.ActionCounts))
	for id, n := range m.ActionCounts {
		counts[rollback.PlayerID(id)] = n
	}
	p.tracker.RecordRemote(rollback.Frame(m.Frame), m.StateHash, counts)
}

func (p *Peer) requestResync() {
	req, ok := p.tracker.Consume()
	if !ok {
		return
	}
	log4go.Warn("[session] requesting full state from %s after divergence at frame %d", req.Target, req.Frame)
	if err := p.relay.SendStateRequest(string(req.Target), uint32(req.Frame)); err != nil {
		log4go.Error("[session] send state request: %v", err)
	}
}

// onStateRequest answers with the newest confirmed snapshot, or the live state when
// there are no snapshots
func (p *Peer) onStateRequest(m *pb.StateRequest) {
	if rollback.PlayerID(m.TargetID) != p.cfg.LocalID {
		return
	}

	resp := &pb.StateResponse{}
	if snap, ok := p.confirmedSnapshot(); ok {
		resp.Frame = uint32(snap.Frame)
		resp.StepCount = snap.StepCount
		resp.EngineState = snap.State.Engine
		resp.RNGState = snap.State.RNG
		resp.CumulativeScore = snap.CumulativeReward
	} else {
		state, err := p.engine.CaptureState()
		if err != nil {
			log4go.Error("[session] state request from %s: %v", m.RequesterID, err)
			return
		}
		resp.Frame = uint32(p.engine.Frame())
		resp.StepCount = p.engine.StepCount()
		resp.EngineState = state.Engine
		resp.RNGState = state.RNG
		resp.CumulativeScore = p.engine.CumulativeReward()
	}

	log4go.Info("[session] serving state frame %d to %s", resp.Frame, m.RequesterID)
	if err := p.relay.SendStateResponse(resp); err != nil {
		log4go.Error("[session] send state response: %v", err)
	}
}

func (p *Peer) confirmedSnapshot() (rollback.Snapshot, bool) {
	if !p.engine.RollbackEnabled() {
		return rollback.Snapshot{}, false
	}
	return p.engine.Snapshots().LatestAtOrBefore(p.engine.ConfirmedThrough())
}

func (p *Peer) onStateResponse(m *pb.StateResponse) {
	if !p.tracker.Awaiting() {
		log4go.Debug("[session] unsolicited state response from %s", m.SenderID)
		return
	}
	if p.EpisodeOver() {
		log4go.Info("[session] state response from %s after episode end ignored", m.SenderID)
		p.tracker.Cancel()
		return
	}

	before := p.engine.Frame()
	state := rollback.State{Engine: m.EngineState, RNG: m.RNGState}
	if err := p.engine.ApplyState(rollback.Frame(m.Frame), m.StepCount, state, m.CumulativeScore); err != nil {
		log4go.Error("[session] apply state from %s: %v", m.SenderID, err)
		p.tracker.Cancel()
		return
	}
	p.tracker.Applied(rollback.Frame(m.Frame))
	p.catchUp(before)
	log4go.Info("[session] resynced to frame %d from %s, replayed to %d", m.Frame, m.SenderID, p.engine.Frame())
}

// catchUp steps a resynced replica over the inputs it already holds until it is back
// at frame, so the resync does not leave it running behind the peer
func (p *Peer) catchUp(frame rollback.Frame) {
	for p.engine.Frame() < frame {
		res, err := p.engine.Step()
		if err != nil {
			log4go.Error("[session] catch up after resync stopped at frame %d: %v", p.engine.Frame(), err)
			return
		}
		p.lastResult = res
		if p.finished(res) {
			p.endEpisode()
			return
		}
	}
}
