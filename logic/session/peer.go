// Package session runs one participant: it owns the rollback engine and every piece of
// networking around it, and advances them from a single frame loop.
package session

import (
	"context"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/logic/desync"
	"github.com/hedon954/go-rollback-netplay/logic/episode"
	"github.com/hedon954/go-rollback-netplay/logic/fallback"
	"github.com/hedon954/go-rollback-netplay/logic/netplay"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/p2p"
	"github.com/pkg/errors"
)

var (
	ErrNotStarted  = errors.New("session not started")
	ErrNoPeer      = errors.New("no peer joined the session")
	ErrEpisodeOver = errors.New("episode already ended")
)

// Transport is the unreliable datagram channel to the peer
type Transport interface {
	Connect(peerID string) error
	HandleSignal(kind string, payload []byte) error
	IsReady() bool
	BufferedAmount() uint64
	Send(data []byte) bool
	Close() error
}

// TransportFactory builds the datagram channel once the peer is known
type TransportFactory func(initiator bool, signaler p2p.Signaler, cb p2p.Callbacks) Transport

// Relay is the reliable path through the relay server
type Relay interface {
	Join() error
	SendSignal(kind string, payload []byte) error
	SendInput(frame uint32, action uint8, episode uint32) error
	SendStateSync(frame uint32, hash string, counts map[string]uint32, episode uint32) error
	SendStateRequest(target string, frame uint32) error
	SendStateResponse(resp *pb.StateResponse) error
	SendConnectionType(typ, details string) error
	SendEpisodeEnd(frame, episode uint32) error
	Close()
}

// PlayerSetter is implemented by environments that size themselves to the roster
// once the peer is known
type PlayerSetter interface {
	SetPlayers(ids []rollback.PlayerID)
}

// IsInitiator reports whether local opens the connection to remote. Both sides reach
// opposite answers without talking to each other.
func IsInitiator(local, remote rollback.PlayerID) bool {
	return local.Less(remote)
}

// Stats is a snapshot of session counters
type Stats struct {
	Episode        uint32
	Frame          rollback.Frame
	Engine         rollback.Stats
	DesyncMatches  int
	DesyncMismatch int
	RTT            time.Duration
	Latency        time.Duration
	Health         netplay.Status
	Gaps           int
	Relayed        int64
	FellBack       bool
	PacketsSent    int
	PacketsSkipped int
}

// Peer drives one participant. Tick, Reset, Start and Close must be called from the
// same goroutine; network callbacks only post work for that goroutine.
type Peer struct {
	cfg Config
	env rollback.Environment

	relay     Relay
	transport Transport

	engine  *rollback.Engine
	sender  *netplay.RedundancySender
	health  *netplay.HealthMonitor
	router  *fallback.Router
	tracker *desync.Tracker
	sync    *episode.Synchronizer

	players    []rollback.PlayerID
	localIndex uint16

	inbox    chan func()
	peerChan chan rollback.PlayerID
	exitChan chan struct{}

	episode    uint32
	lastResult rollback.StepResult
	started    bool
	closed     bool

	// early holds inputs the peer sent for an episode this side has not reset into yet
	early []earlyInput
}

// New creates a peer over env. Nothing touches the network until Start.
func New(cfg Config, env rollback.Environment) *Peer {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.EndPadding < 0 {
		cfg.EndPadding = 0
	} else if cfg.EndPadding == 0 {
		cfg.EndPadding = DefaultEndPadding
	}
	return &Peer{
		cfg:      cfg,
		env:      env,
		health:   netplay.NewHealthMonitor(cfg.Health),
		sync:     episode.NewSynchronizer(cfg.Episode),
		inbox:    make(chan func(), cfg.InboxSize),
		peerChan: make(chan rollback.PlayerID, 1),
		exitChan: make(chan struct{}),
	}
}

// Start joins the relay session, waits for the peer when its id is not configured,
// builds the engine, opens the datagram channel and resets episode 0 with seed.
// A nil newTransport plays over the relay only.
func (p *Peer) Start(ctx context.Context, relay Relay, newTransport TransportFactory, seed int64) error {
	p.relay = relay
	p.router = fallback.NewRouter(relay, string(p.cfg.LocalID))
	p.health.OnStatusChange(func(old, status netplay.Status) {
		p.router.SetHealth(status)
	})

	if err := relay.Join(); err != nil {
		return errors.Wrap(err, "join relay session")
	}

	remote := p.cfg.RemoteID
	if remote == "" {
		select {
		case remote = <-p.peerChan:
		case <-ctx.Done():
			return errors.Wrap(ErrNoPeer, ctx.Err().Error())
		}
	}
	if remote == p.cfg.LocalID {
		return errors.Errorf("peer id %s equals local id", remote)
	}
	p.cfg.RemoteID = remote

	p.players = []rollback.PlayerID{p.cfg.LocalID, remote}
	rollback.SortPlayers(p.players)
	for i, id := range p.players {
		if id == p.cfg.LocalID {
			p.localIndex = uint16(i)
		}
	}

	if ps, ok := p.env.(PlayerSetter); ok {
		ps.SetPlayers(p.players)
	}

	rcfg := p.cfg.Rollback
	rcfg.LocalID = p.cfg.LocalID
	rcfg.Players = p.players
	p.engine = rollback.NewEngine(p.env, rcfg)

	dcfg := p.cfg.Desync
	dcfg.Local, dcfg.Remote = p.cfg.LocalID, remote
	p.tracker = desync.NewTracker(dcfg)

	scfg := p.cfg.Sender
	scfg.PlayerIndex = p.localIndex

	initiator := IsInitiator(p.cfg.LocalID, remote)
	if newTransport != nil {
		p.transport = newTransport(initiator, relay, p.transportCallbacks())
		p.sender = netplay.NewRedundancySender(p.transport, scfg)
		if err := p.transport.Connect(string(remote)); err != nil {
			log4go.Warn("[session] datagram channel unavailable: %v", err)
			p.router.Fallback("connect failed")
		}
	} else {
		p.sender = netplay.NewRedundancySender(nil, scfg)
		p.router.Fallback("no datagram channel")
	}

	log4go.Info("[session(%s)] started local=%s remote=%s initiator=%v rollback=%v",
		p.cfg.SessionID, p.cfg.LocalID, remote, initiator, p.engine.RollbackEnabled())

	p.started = true
	p.episode = 0
	p.sync.Reset(0)
	res, err := p.engine.Reset(seed)
	if err != nil {
		return err
	}
	p.lastResult = res
	return nil
}

// Tick runs one frame with the local action chosen now
func (p *Peer) Tick(action rollback.Action) (rollback.StepResult, error) {
	if !p.started {
		return rollback.StepResult{}, ErrNotStarted
	}
	p.drainInbox()

	if p.sync.State() != episode.Running {
		return p.lastResult, ErrEpisodeOver
	}

	p.pollHealth(time.Now())

	frame := p.engine.Frame()
	target := p.engine.AddLocalInput(action)
	sent := false
	if p.router.UseP2P() {
		sent = p.sender.Record(uint32(target), uint8(action), uint32(frame))
	}
	p.router.Route(uint32(target), uint8(action), sent)

	res, err := p.engine.Step()
	if err != nil {
		return res, errors.Wrapf(err, "step frame %d", frame)
	}
	p.lastResult = res

	if p.cfg.DesyncEnabled {
		p.broadcastHash()
		p.requestResync()
	}

	if p.finished(res) {
		p.endEpisode()
	}
	return res, nil
}

func (p *Peer) finished(res rollback.StepResult) bool {
	return res.Terminated || res.Truncated || (p.cfg.MaxSteps > 0 && p.engine.StepCount() >= p.cfg.MaxSteps)
}

// Done is closed once the current episode has been reconciled with the peer
func (p *Peer) Done() <-chan struct{} {
	return p.sync.Done()
}

// EpisodeOver reports whether the local side has ended the current episode
func (p *Peer) EpisodeOver() bool {
	return p.sync.State() != episode.Running
}

// Reset waits for the current episode to be reconciled and starts the next one
func (p *Peer) Reset(ctx context.Context, seed int64) (rollback.StepResult, error) {
	if !p.started {
		return rollback.StepResult{}, ErrNotStarted
	}
	if p.sync.State() != episode.Running {
		if err := p.waitReconciled(ctx); err != nil {
			return rollback.StepResult{}, err
		}
	}

	outcome := p.sync.Outcome()
	stats := p.engine.Stats()
	log4go.Info("[session(%s)] episode %d done: frames=%d drift=%d timedOut=%v rollbacks=%d maxDepth=%d predicted=%d",
		p.cfg.SessionID, p.episode, outcome.LocalFrame, outcome.Drift(), outcome.TimedOut,
		stats.Rollbacks, stats.MaxRollbackDepth, stats.PredictedFrames)

	p.episode++
	res, err := p.engine.Reset(seed)
	if err != nil {
		return res, err
	}
	p.releaseEarly()
	p.sender.Reset(p.episode)
	p.router.SetEpisode(p.episode)
	p.health.ResetGaps()
	p.tracker.Reset()
	p.sync.Reset(p.episode)
	p.lastResult = res
	return res, nil
}

// waitReconciled keeps serving the inbox while the episode handshake completes
func (p *Peer) waitReconciled(ctx context.Context) error {
	done := p.sync.Done()
	for {
		select {
		case <-done:
			p.drainInbox()
			return nil
		case f := <-p.inbox:
			f()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down the datagram channel and the relay connection
func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.exitChan)
	p.sync.Stop()
	if p.transport != nil {
		_ = p.transport.Close()
	}
	if p.relay != nil {
		p.relay.Close()
	}
}

func (p *Peer) Engine() *rollback.Engine {
	return p.engine
}

func (p *Peer) Episode() uint32 {
	return p.episode
}

func (p *Peer) RemoteID() rollback.PlayerID {
	return p.cfg.RemoteID
}

func (p *Peer) Stats() Stats {
	s := Stats{
		Episode: p.episode,
		RTT:     p.health.AverageRTT(),
		Latency: p.health.Latency(),
		Health:  p.health.Status(),
		Gaps:    p.health.Gaps(),
	}
	if p.engine != nil {
		s.Frame = p.engine.Frame()
		s.Engine = p.engine.Stats()
	}
	if p.tracker != nil {
		s.DesyncMatches = p.tracker.Matches()
		s.DesyncMismatch = p.tracker.Mismatches()
	}
	if p.router != nil {
		s.Relayed = p.router.Relayed()
		s.FellBack = p.router.FellBack()
	}
	if p.sender != nil {
		s.PacketsSent = p.sender.Sent()
		s.PacketsSkipped = p.sender.Skipped()
	}
	return s
}

func (p *Peer) drainInbox() {
	for {
		select {
		case f := <-p.inbox:
			f()
		default:
			return
		}
	}
}

// post hands f to the frame loop. Datagram work is dropped when the inbox is full;
// reliable work waits for room.
func (p *Peer) post(f func(), droppable bool) {
	if droppable {
		select {
		case p.inbox <- f:
		default:
			log4go.Warn("[session] inbox full, dropped datagram work")
		}
		return
	}
	select {
	case p.inbox <- f:
	case <-p.exitChan:
	}
}

func (p *Peer) pollHealth(now time.Time) {
	if p.transport == nil || !p.router.UseP2P() || !p.transport.IsReady() {
		return
	}
	if ping := p.health.Poll(now); ping != nil {
		p.transport.Send(ping.Serialize())
	}
}

func (p *Peer) endEpisode() {
	frame := uint32(p.engine.Frame())
	twoPhase := p.transport != nil && p.router.UseP2P() && p.transport.IsReady()
	if twoPhase {
		p.sender.Pad(frame, p.cfg.EndPadding)
	}

	msg := p.sync.EndLocal(frame, twoPhase)
	if msg != nil {
		data := msg.Serialize()
		for i := 0; i <= p.cfg.EndPadding; i++ {
			p.transport.Send(data)
		}
	}
	if err := p.relay.SendEpisodeEnd(frame, p.episode); err != nil {
		log4go.Warn("[session] relay episode end: %v", err)
	}
}
