package room

import (
	"sync/atomic"
	"time"

	"github.com/hedon954/go-rollback-netplay/pkg/network"
)

// Binding is attached to a relay connection once it has joined a session
type Binding struct {
	SessionID     string
	PlayerID      string
	lastHeartbeat atomic.Int64
}

func NewBinding(sessionID, playerID string) *Binding {
	b := &Binding{SessionID: sessionID, PlayerID: playerID}
	b.RefreshHeartbeat()
	return b
}

func (b *Binding) RefreshHeartbeat() {
	b.lastHeartbeat.Store(time.Now().UnixNano())
}

func (b *Binding) LastHeartbeat() time.Time {
	return time.Unix(0, b.lastHeartbeat.Load())
}

// Member is one joined connection in a room
type Member struct {
	binding *Binding
	client  *network.Conn
}

func newMember(conn *network.Conn, b *Binding) *Member {
	return &Member{
		binding: b,
		client:  conn,
	}
}

func (m *Member) ID() string {
	return m.binding.PlayerID
}

func (m *Member) IsOnline() bool {
	return m.client != nil && !m.client.IsClosed()
}

func (m *Member) SendMessage(msg network.Packet) {
	if !m.IsOnline() {
		return
	}
	if m.client.AsyncWritePacket(msg, 0) != nil {
		m.Cleanup()
	}
}

// Cleanup closes the connection off the room loop; its close callback re-enters the room
func (m *Member) Cleanup() {
	if c := m.client; c != nil {
		go c.Close()
	}
}
