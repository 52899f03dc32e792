package server

import (
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/logic/room"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/pb_packet"
	"github.com/pkg/errors"
)

func (r *RelayServer) OnConnect(conn *network.Conn) bool {
	count := atomic.AddInt64(&r.totalConn, 1)
	log4go.Debug("[router] OnConnect [%s] totalConn=%d", conn.RemoteAddr(), count)
	return true
}

func (r *RelayServer) OnMessage(conn *network.Conn, p network.Packet) bool {
	msg := p.(*pb_packet.Packet)
	id := pb.ID(msg.GetMessageID())
	log4go.Debug("[router] OnMessage [%s] msg=[%s] len=[%d]", conn.RemoteAddr(),
		id, len(msg.GetData()))

	binding, _ := conn.GetExtraData().(*room.Binding)

	switch id {
	case pb.ID_MSG_Join:
		rec := &pb.Join{}
		if err := msg.UnmarshalPB(rec); err != nil {
			log4go.Error("[router] msg.Unmarshal error=[%s]", err.Error())
			return false
		}
		if rec.SessionID == "" || rec.PlayerID == "" {
			log4go.Error("[router] join without session or player session=[%s] player=[%s]", rec.SessionID, rec.PlayerID)
			return false
		}
		if binding != nil {
			log4go.Error("[router] duplicate join player=[%s] session=[%s]", binding.PlayerID, binding.SessionID)
			return true
		}

		b := room.NewBinding(rec.SessionID, rec.PlayerID)
		conn.PutExtraData(b)
		if !r.roomMgr.Join(conn, b) {
			conn.PutExtraData(nil)
			return false
		}
		return true

	case pb.ID_MSG_Heartbeat:
		if binding != nil {
			binding.RefreshHeartbeat()
		}
		conn.AsyncWritePacket(pb_packet.NewPacket(pb.ID_MSG_Heartbeat, nil), time.Millisecond)
		return true

	case pb.ID_MSG_Signal, pb.ID_MSG_Input, pb.ID_MSG_StateSync, pb.ID_MSG_StateRequest,
		pb.ID_MSG_StateResponse, pb.ID_MSG_ConnectionType, pb.ID_MSG_EpisodeEnd:
		if binding == nil {
			log4go.Error("[router] msg=[%s] before join from [%s]", id, conn.RemoteAddr())
			return false
		}
		rm := r.roomMgr.GetRoom(binding.SessionID)
		if rm == nil {
			log4go.Error("[router] no room session=[%s]", binding.SessionID)
			return false
		}
		rm.Forward(conn, msg)
		return true
	}

	log4go.Error("[router] unknown msg=[%d]", msg.GetMessageID())
	return false
}

func (r *RelayServer) OnClose(conn *network.Conn) {
	count := atomic.AddInt64(&r.totalConn, -1)
	st := conn.Stats()
	reason := "closed"
	if err := conn.Err(); errors.Is(err, network.ErrIdle) {
		reason = "heartbeat timeout"
	} else if err != nil {
		reason = err.Error()
	}

	binding, _ := conn.GetExtraData().(*room.Binding)
	if binding == nil {
		log4go.Info("[router] OnClose [%s] %s total=%d", conn.RemoteAddr(), reason, count)
		return
	}
	log4go.Info("[router] OnClose player=[%s] session=[%s] %s in=%d/%dB out=%d/%dB total=%d",
		binding.PlayerID, binding.SessionID, reason, st.PacketsIn, st.BytesIn, st.PacketsOut, st.BytesOut, count)
	if rm := r.roomMgr.GetRoom(binding.SessionID); rm != nil {
		rm.Leave(conn)
	}
}
