package kcpx

import (
	"testing"
	"time"

	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/pb_packet"
	"github.com/stretchr/testify/require"
)

type echo struct{}

func (echo) OnConnect(*network.Conn) bool { return true }

func (echo) OnMessage(c *network.Conn, p network.Packet) bool {
	return c.AsyncWritePacket(p, time.Second) == nil
}

func (echo) OnClose(*network.Conn) {}

type collect chan *pb_packet.Packet

func (collect) OnConnect(*network.Conn) bool { return true }

func (c collect) OnMessage(_ *network.Conn, p network.Packet) bool {
	c <- p.(*pb_packet.Packet)
	return true
}

func (collect) OnClose(*network.Conn) {}

func Test_KCPRoundTrip(t *testing.T) {
	server, addr, err := ListenAndServe("127.0.0.1:0", nil, echo{}, &pb_packet.MsgProtocol{})
	require.NoError(t, err)
	defer server.Stop()

	got := make(collect, 1)
	client, err := Dial(addr.String(), nil, got, &pb_packet.MsgProtocol{})
	require.NoError(t, err)
	defer client.Stop()

	sent := &pb.Input{PlayerID: "0", Action: 3, Frame: 77}
	require.NoError(t, client.Conn().AsyncWritePacket(pb_packet.NewPacket(pb.ID_MSG_Input, sent), time.Second))

	select {
	case p := <-got:
		require.Equal(t, uint8(pb.ID_MSG_Input), p.GetMessageID())
		back := &pb.Input{}
		require.NoError(t, p.UnmarshalPB(back))
		require.Equal(t, sent, back)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo over kcp")
	}
}
