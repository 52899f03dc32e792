package p2p

import (
	"sync"
	"testing"
	"time"

	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSignaler delivers signals to the other negotiator on its own goroutine,
// the way the relay would
type pipeSignaler struct {
	mu   sync.Mutex
	peer *Negotiator
	sent []string
}

func (p *pipeSignaler) SendSignal(kind string, payload []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, kind)
	peer := p.peer
	p.mu.Unlock()
	go func() {
		_ = peer.HandleSignal(kind, payload)
	}()
	return nil
}

type recorder struct {
	mu       sync.Mutex
	open     bool
	messages [][]byte
	connType ConnectionType
	fallback string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.open = true
			r.mu.Unlock()
		},
		OnMessage: func(data []byte, _ time.Time) {
			r.mu.Lock()
			r.messages = append(r.messages, append([]byte(nil), data...))
			r.mu.Unlock()
		},
		OnConnectionType: func(typ ConnectionType, _ string) {
			r.mu.Lock()
			r.connType = typ
			r.mu.Unlock()
		},
		OnFallback: func(reason string) {
			r.mu.Lock()
			r.fallback = reason
			r.mu.Unlock()
		},
	}
}

func (r *recorder) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *recorder) received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func Test_SendBeforeConnect(t *testing.T) {
	n := NewNegotiator(Config{}, &pipeSignaler{}, Callbacks{})
	assert.False(t, n.IsReady())
	assert.False(t, n.Send([]byte{1}))
	assert.Equal(t, uint64(0), n.BufferedAmount())
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Connect("1"), ErrClosed)
}

func Test_EarlySignalsAreHeld(t *testing.T) {
	n := NewNegotiator(Config{}, &pipeSignaler{}, Callbacks{})
	defer n.Close()
	require.NoError(t, n.HandleSignal(pb.SignalCandidate, []byte(`{"candidate":""}`)))
	n.mu.Lock()
	assert.Len(t, n.early, 1)
	n.mu.Unlock()
}

func Test_LoopbackDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}

	sigA, sigB := &pipeSignaler{}, &pipeSignaler{}
	recA, recB := &recorder{}, &recorder{}
	a := NewNegotiator(Config{Initiator: true, Loopback: true}, sigA, recA.callbacks())
	b := NewNegotiator(Config{Loopback: true}, sigB, recB.callbacks())
	sigA.peer, sigB.peer = b, a
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Connect("0"))
	require.NoError(t, a.Connect("1"))

	require.Eventually(t, func() bool { return recA.isOpen() && recB.isOpen() }, 15*time.Second, 20*time.Millisecond)
	require.True(t, a.IsReady())
	require.True(t, b.IsReady())

	dc := a.channel()
	assert.False(t, dc.Ordered())
	require.NotNil(t, dc.MaxRetransmits())
	assert.Equal(t, uint16(0), *dc.MaxRetransmits())

	require.Eventually(t, func() bool {
		a.Send([]byte{1, 2, 3})
		return recB.received() > 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		b.Send([]byte{4})
		return recA.received() > 0
	}, 5*time.Second, 20*time.Millisecond)

	recA.mu.Lock()
	if recA.connType != "" {
		assert.Equal(t, ConnectionDirect, recA.connType)
	}
	assert.Empty(t, recA.fallback)
	recA.mu.Unlock()

	require.Contains(t, sigA.sentKinds(), pb.SignalOffer)
	require.Contains(t, sigB.sentKinds(), pb.SignalAnswer)
}

func (p *pipeSignaler) sentKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func Test_UnknownSignalKind(t *testing.T) {
	n := NewNegotiator(Config{}, &pipeSignaler{}, Callbacks{})
	defer n.Close()
	require.NoError(t, n.Connect("1"))
	assert.ErrorIs(t, n.HandleSignal("bogus", nil), ErrUnknownSignal)
}
