// Package room holds relay sessions: two members whose messages are forwarded to each other
package room

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/pb_packet"
)

const (
	MaxMembers  = 2
	TickTimer   = time.Second
	TimeoutTime = time.Second * 30
)

type packet struct {
	from *network.Conn
	msg  network.Packet
}

type joinReq struct {
	conn    *network.Conn
	binding *Binding
	result  chan bool
}

// Room is one relay session
type Room struct {
	sessionID string
	members   []*Member
	closeFlag int32

	exitChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	msgQ     chan *packet
	inChan   chan *joinReq
	outChan  chan *network.Conn
}

// NewRoom creates a room; Run drives it
func NewRoom(sessionID string) *Room {
	return &Room{
		sessionID: sessionID,
		exitChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		msgQ:      make(chan *packet, 2048),
		inChan:    make(chan *joinReq, 4),
		outChan:   make(chan *network.Conn, 4),
	}
}

func (r *Room) ID() string {
	return r.sessionID
}

// Join adds conn to the room. False means the room is full or already finished.
func (r *Room) Join(conn *network.Conn, b *Binding) bool {
	req := &joinReq{conn: conn, binding: b, result: make(chan bool, 1)}
	select {
	case r.inChan <- req:
	case <-r.doneChan:
		return false
	}
	select {
	case ok := <-req.result:
		return ok
	case <-r.doneChan:
		return false
	}
}

// Forward relays msg from conn to every other member
func (r *Room) Forward(conn *network.Conn, msg network.Packet) {
	select {
	case r.msgQ <- &packet{from: conn, msg: msg}:
	case <-r.doneChan:
	}
}

// Leave removes conn from the room
func (r *Room) Leave(conn *network.Conn) {
	select {
	case r.outChan <- conn:
	case <-r.doneChan:
	}
}

// Done is closed once Run has returned
func (r *Room) Done() <-chan struct{} {
	return r.doneChan
}

func (r *Room) IsOver() bool {
	return atomic.LoadInt32(&r.closeFlag) != 0
}

// Run is the room loop. It returns when the last member leaves or Stop is called.
func (r *Room) Run() {
	defer func() {
		atomic.StoreInt32(&r.closeFlag, 1)
		for _, m := range r.members {
			m.Cleanup()
		}
		r.members = nil
		close(r.doneChan)
		log4go.Info("[room(%s)] closed", r.sessionID)
	}()

	tickerTick := time.NewTicker(TickTimer)
	defer tickerTick.Stop()
	created := time.Now()

	for {
		select {
		case <-r.exitChan:
			return

		case req := <-r.inChan:
			req.result <- r.onJoin(req.conn, req.binding)

		case conn := <-r.outChan:
			if r.onLeave(conn) && len(r.members) == 0 {
				return
			}

		case p := <-r.msgQ:
			r.forward(p)

		case now := <-tickerTick.C:
			if len(r.members) == 0 && now.Sub(created) > TimeoutTime {
				return
			}
			for _, m := range r.members {
				if now.Sub(m.binding.LastHeartbeat()) > TimeoutTime {
					log4go.Warn("[room(%s)] member %s timed out", r.sessionID, m.ID())
					m.Cleanup()
				}
			}
		}
	}
}

// Stop ends the room loop and waits for it
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		close(r.exitChan)
	})
	<-r.doneChan
}

func (r *Room) onJoin(conn *network.Conn, b *Binding) bool {
	for i, m := range r.members {
		if m.ID() == b.PlayerID {
			// reconnect replaces the old connection
			log4go.Info("[room(%s)] member %s reconnected", r.sessionID, b.PlayerID)
			if m.client != conn {
				m.Cleanup()
			}
			r.members[i] = newMember(conn, b)
			r.announce()
			return true
		}
	}
	if len(r.members) >= MaxMembers {
		log4go.Error("[room(%s)] full, rejected %s", r.sessionID, b.PlayerID)
		return false
	}
	r.members = append(r.members, newMember(conn, b))
	log4go.Info("[room(%s)] member %s joined, members=%d", r.sessionID, b.PlayerID, len(r.members))
	r.announce()
	return true
}

// announce tells every member who else is in the room
func (r *Room) announce() {
	for _, m := range r.members {
		joined := &pb.Joined{SessionID: r.sessionID, PlayerID: m.ID()}
		for _, o := range r.members {
			if o != m {
				joined.Peers = append(joined.Peers, o.ID())
			}
		}
		if p := pb_packet.NewPacket(pb.ID_MSG_Joined, joined); p != nil {
			m.SendMessage(p)
		}
	}
}

func (r *Room) onLeave(conn *network.Conn) bool {
	for i, m := range r.members {
		if m.client != conn {
			continue
		}
		r.members = append(r.members[:i], r.members[i+1:]...)
		log4go.Info("[room(%s)] member %s left, members=%d", r.sessionID, m.ID(), len(r.members))
		left := pb_packet.NewPacket(pb.ID_MSG_PeerLeft, &pb.PeerLeft{PlayerID: m.ID()})
		for _, o := range r.members {
			o.SendMessage(left)
		}
		return true
	}
	return false
}

func (r *Room) forward(p *packet) {
	delivered := false
	for _, m := range r.members {
		if m.client == p.from {
			continue
		}
		m.SendMessage(p.msg)
		delivered = true
	}
	if !delivered {
		log4go.Debug("[room(%s)] no peer for msg=%d", r.sessionID, p.msg.(*pb_packet.Packet).GetMessageID())
	}
}
