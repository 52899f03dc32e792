package session

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hedon954/go-rollback-netplay/logic/episode"
	"github.com/hedon954/go-rollback-netplay/logic/fallback"
	"github.com/hedon954/go-rollback-netplay/logic/gridworld"
	"github.com/hedon954/go-rollback-netplay/logic/netplay"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/p2p"
	"github.com/stretchr/testify/require"
)

// link carries datagrams between two memTransports, losing and delaying them
type link struct {
	mu    sync.Mutex
	rng   *rand.Rand
	loss  float64
	delay int
	round int
	queue []delivery
}

type delivery struct {
	due  int
	to   *memTransport
	data []byte
}

func newLink(loss float64, delay int) *link {
	return &link{rng: rand.New(rand.NewSource(11)), loss: loss, delay: delay}
}

func (l *link) enqueue(to *memTransport, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rng.Float64() < l.loss {
		return
	}
	l.queue = append(l.queue, delivery{due: l.round + l.delay, to: to, data: append([]byte(nil), data...)})
}

// advance moves one round forward and delivers everything due
func (l *link) advance() {
	l.mu.Lock()
	l.round++
	var due []delivery
	kept := l.queue[:0]
	for _, d := range l.queue {
		if d.due <= l.round {
			due = append(due, d)
		} else {
			kept = append(kept, d)
		}
	}
	l.queue = kept
	l.mu.Unlock()

	for _, d := range due {
		d.to.deliver(d.data)
	}
}

type memTransport struct {
	link     *link
	peer     *memTransport
	cb       p2p.Callbacks
	ready    bool
	fallback bool
}

func (t *memTransport) Connect(string) error {
	if t.fallback {
		t.cb.OnFallback("test fallback")
		return nil
	}
	t.ready = true
	if t.cb.OnOpen != nil {
		t.cb.OnOpen()
	}
	return nil
}

func (t *memTransport) HandleSignal(string, []byte) error {
	return nil
}

func (t *memTransport) IsReady() bool {
	return t.ready && t.peer != nil && t.peer.ready
}

func (t *memTransport) BufferedAmount() uint64 {
	return 0
}

func (t *memTransport) Send(data []byte) bool {
	if !t.IsReady() {
		return false
	}
	t.link.enqueue(t.peer, data)
	return true
}

func (t *memTransport) Close() error {
	t.ready = false
	return nil
}

func (t *memTransport) deliver(data []byte) {
	if t.cb.OnMessage != nil {
		t.cb.OnMessage(data, time.Now())
	}
}

func (t *memTransport) factory() TransportFactory {
	return func(_ bool, _ p2p.Signaler, cb p2p.Callbacks) Transport {
		t.cb = cb
		return t
	}
}

// memRelay delivers straight into the other peer's relay handlers
type memRelay struct {
	id       string
	peer     *memRelay
	handlers fallback.Handlers
	joined   []string

	mu     sync.Mutex
	inputs int
}

func (r *memRelay) Join() error {
	if r.joined != nil && r.handlers.OnJoined != nil {
		r.handlers.OnJoined(&pb.Joined{SessionID: "t", PlayerID: r.id, Peers: r.joined})
	}
	return nil
}

func (r *memRelay) SendSignal(string, []byte) error {
	return nil
}

func (r *memRelay) SendInput(frame uint32, action uint8, episode uint32) error {
	r.mu.Lock()
	r.inputs++
	r.mu.Unlock()
	r.peer.handlers.OnInput(&pb.Input{PlayerID: r.id, Action: uint32(action), Frame: frame, Episode: episode})
	return nil
}

func (r *memRelay) SendStateSync(frame uint32, hash string, counts map[string]uint32, episode uint32) error {
	r.peer.handlers.OnStateSync(&pb.StateSync{
		SenderID: r.id, Frame: frame, StateHash: hash, ActionCounts: counts, Episode: episode,
	})
	return nil
}

func (r *memRelay) SendStateRequest(target string, frame uint32) error {
	r.peer.handlers.OnStateRequest(&pb.StateRequest{RequesterID: r.id, TargetID: target, Frame: frame})
	return nil
}

func (r *memRelay) SendStateResponse(resp *pb.StateResponse) error {
	resp.SenderID = r.id
	r.peer.handlers.OnStateResponse(resp)
	return nil
}

func (r *memRelay) SendConnectionType(string, string) error {
	return nil
}

func (r *memRelay) SendEpisodeEnd(frame, ep uint32) error {
	r.peer.handlers.OnEpisodeEnd(&pb.EpisodeEnd{PlayerID: r.id, Frame: frame, EpisodeNumber: ep})
	return nil
}

func (r *memRelay) Close() {}

// glitchWorld steps twice at one tick, so its replica drifts from an honest one
type glitchWorld struct {
	*gridworld.World
	at uint32
}

func (g *glitchWorld) Step(a rollback.Actions) (rollback.StepResult, error) {
	if g.Tick() == g.at {
		if _, err := g.World.Step(a); err != nil {
			return rollback.StepResult{}, err
		}
	}
	return g.World.Step(a)
}

func newWorld() *gridworld.World {
	return gridworld.New(gridworld.Config{Agents: []rollback.PlayerID{"0", "1"}})
}

func testConfig(local, remote rollback.PlayerID) Config {
	return Config{
		SessionID:     "t",
		LocalID:       local,
		RemoteID:      remote,
		DesyncEnabled: true,
		Sender:        netplay.SenderConfig{Keep: 10, Redundancy: 10},
		Health:        netplay.HealthConfig{PingInterval: 10 * time.Millisecond},
		Episode:       episode.Config{Timeout: time.Second},
	}
}

type pair struct {
	a, b   *Peer
	ra, rb *memRelay
	ta, tb *memTransport
	link   *link
}

type pairOptions struct {
	loss     float64
	delay    int
	envA     rollback.Environment
	envB     rollback.Environment
	mutate   func(*Config)
	fallback bool
}

func newPair(t *testing.T, opt pairOptions) *pair {
	t.Helper()
	if opt.envA == nil {
		opt.envA = newWorld()
	}
	if opt.envB == nil {
		opt.envB = newWorld()
	}
	ca, cb := testConfig("0", "1"), testConfig("1", "0")
	if opt.mutate != nil {
		opt.mutate(&ca)
		opt.mutate(&cb)
	}

	p := &pair{
		a:    New(ca, opt.envA),
		b:    New(cb, opt.envB),
		ra:   &memRelay{id: "0"},
		rb:   &memRelay{id: "1"},
		link: newLink(opt.loss, opt.delay),
	}
	p.ta = &memTransport{link: p.link, fallback: opt.fallback}
	p.tb = &memTransport{link: p.link, fallback: opt.fallback}
	p.ta.peer, p.tb.peer = p.tb, p.ta
	p.ra.peer, p.rb.peer = p.rb, p.ra
	p.ra.handlers = p.a.RelayHandlers()
	p.rb.handlers = p.b.RelayHandlers()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.a.Start(ctx, p.ra, p.ta.factory(), 7))
	require.NoError(t, p.b.Start(ctx, p.rb, p.tb.factory(), 7))
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
	})
	return p
}

// run ticks both peers rounds times with seeded random actions
func (p *pair) run(t *testing.T, rounds int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < rounds; i++ {
		if !p.a.EpisodeOver() {
			_, err := p.a.Tick(rollback.Action(rng.Intn(int(gridworld.NumActions))))
			require.NoError(t, err)
		}
		if !p.b.EpisodeOver() {
			_, err := p.b.Tick(rollback.Action(rng.Intn(int(gridworld.NumActions))))
			require.NoError(t, err)
		}
		p.link.advance()
	}
}
