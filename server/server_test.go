package server

import (
	"sync"
	"testing"
	"time"

	"github.com/hedon954/go-rollback-netplay/logic/fallback"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/kcpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu      sync.Mutex
	joined  []*pb.Joined
	inputs  []*pb.Input
	signals []*pb.Signal
	syncs   []*pb.StateSync
	left    []*pb.PeerLeft
}

func (in *inbox) handlers() fallback.Handlers {
	return fallback.Handlers{
		OnJoined: func(m *pb.Joined) {
			in.mu.Lock()
			in.joined = append(in.joined, m)
			in.mu.Unlock()
		},
		OnInput: func(m *pb.Input) {
			in.mu.Lock()
			in.inputs = append(in.inputs, m)
			in.mu.Unlock()
		},
		OnSignal: func(m *pb.Signal) {
			in.mu.Lock()
			in.signals = append(in.signals, m)
			in.mu.Unlock()
		},
		OnStateSync: func(m *pb.StateSync) {
			in.mu.Lock()
			in.syncs = append(in.syncs, m)
			in.mu.Unlock()
		},
		OnPeerLeft: func(m *pb.PeerLeft) {
			in.mu.Lock()
			in.left = append(in.left, m)
			in.mu.Unlock()
		},
	}
}

func (in *inbox) check(f func(in *inbox) bool) func() bool {
	return func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		return f(in)
	}
}

func dialJoin(t *testing.T, addr, session, player string, in *inbox) *fallback.Client {
	t.Helper()
	c, err := fallback.Dial(fallback.ClientConfig{
		Address:   addr,
		SessionID: session,
		PlayerID:  player,
		Heartbeat: 50 * time.Millisecond,
	}, in.handlers())
	require.NoError(t, err)
	require.NoError(t, c.Join())
	return c
}

func Test_RelayPairsAndForwards(t *testing.T) {
	config := kcpx.DefaultConfig()
	config.ConnReadTimeout = 500 * time.Millisecond
	s, err := NewWithConfig("127.0.0.1:0", config)
	require.NoError(t, err)
	defer s.Stop()
	addr := s.Addr().String()

	inA, inB := &inbox{}, &inbox{}
	a := dialJoin(t, addr, "s1", "0", inA)
	defer a.Close()
	require.Eventually(t, inA.check(func(in *inbox) bool { return len(in.joined) == 1 }), 3*time.Second, 10*time.Millisecond)

	b := dialJoin(t, addr, "s1", "1", inB)
	defer b.Close()

	// both learn about each other
	require.Eventually(t, inA.check(func(in *inbox) bool {
		return len(in.joined) == 2 && len(in.joined[1].Peers) == 1
	}), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, inB.check(func(in *inbox) bool { return len(in.joined) == 1 }), 3*time.Second, 10*time.Millisecond)
	inB.mu.Lock()
	assert.Equal(t, []string{"0"}, inB.joined[0].Peers)
	inB.mu.Unlock()
	assert.Equal(t, 1, s.RoomManager().RoomNum())

	require.NoError(t, a.SendInput(12, 3, 1))
	require.NoError(t, a.SendSignal(pb.SignalOffer, []byte("sdp")))
	require.NoError(t, b.SendStateSync(30, "00112233aabbccdd", map[string]uint32{"0": 4}, 0))

	require.Eventually(t, inB.check(func(in *inbox) bool { return len(in.inputs) == 1 && len(in.signals) == 1 }),
		3*time.Second, 10*time.Millisecond)
	require.Eventually(t, inA.check(func(in *inbox) bool { return len(in.syncs) == 1 }), 3*time.Second, 10*time.Millisecond)

	inB.mu.Lock()
	assert.Equal(t, &pb.Input{PlayerID: "0", Action: 3, Frame: 12, Episode: 1}, inB.inputs[0])
	assert.Equal(t, "0", inB.signals[0].From)
	assert.Equal(t, []byte("sdp"), inB.signals[0].Payload)
	inB.mu.Unlock()
	inA.mu.Lock()
	assert.Equal(t, uint32(4), inA.syncs[0].ActionCounts["0"])
	assert.Empty(t, inA.inputs)
	inA.mu.Unlock()

	require.Eventually(t, func() bool { return time.Since(a.LastHeartbeat()) < 200*time.Millisecond }, 3*time.Second, 10*time.Millisecond)

	// a silent member is dropped after the read timeout
	a.Close()
	require.Eventually(t, inB.check(func(in *inbox) bool { return len(in.left) == 1 }), 5*time.Second, 10*time.Millisecond)
	inB.mu.Lock()
	assert.Equal(t, "0", inB.left[0].PlayerID)
	inB.mu.Unlock()
}

func Test_RelayRejectsThirdMember(t *testing.T) {
	s, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Stop()
	addr := s.Addr().String()

	inA, inB, inC := &inbox{}, &inbox{}, &inbox{}
	a := dialJoin(t, addr, "s2", "0", inA)
	defer a.Close()
	b := dialJoin(t, addr, "s2", "1", inB)
	defer b.Close()
	require.Eventually(t, inB.check(func(in *inbox) bool { return len(in.joined) == 1 }), 3*time.Second, 10*time.Millisecond)

	c := dialJoin(t, addr, "s2", "2", inC)
	defer c.Close()
	time.Sleep(500 * time.Millisecond)

	inC.mu.Lock()
	assert.Empty(t, inC.joined)
	inC.mu.Unlock()
	inA.mu.Lock()
	assert.Len(t, inA.joined, 2)
	assert.Empty(t, inA.left)
	inA.mu.Unlock()
	assert.Equal(t, 1, s.RoomManager().RoomNum())
}
