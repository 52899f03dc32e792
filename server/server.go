// Package server is the relay that pairs two peers by session id and forwards their
// reliable traffic
package server

import (
	"net"

	"github.com/hedon954/go-rollback-netplay/logic"
	"github.com/hedon954/go-rollback-netplay/pkg/kcpx"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/pb_packet"
)

// RelayServer is a store-and-forward relay
type RelayServer struct {
	roomMgr   *logic.RoomManager
	udpServer *network.Server
	addr      net.Addr
	totalConn int64
}

// New creates a relay listening on address
func New(address string) (*RelayServer, error) {
	return NewWithConfig(address, nil)
}

// NewWithConfig creates a relay with explicit connection settings. A member whose
// connection stays silent for ConnReadTimeout is dropped and its peer told.
func NewWithConfig(address string, config *network.Config) (*RelayServer, error) {
	s := &RelayServer{
		roomMgr: logic.NewRoomManager(),
	}
	networkServer, addr, err := kcpx.ListenAndServe(address, config, s, &pb_packet.MsgProtocol{})
	if err != nil {
		return nil, err
	}
	s.udpServer = networkServer
	s.addr = addr
	return s, nil
}

// RoomManager gets room manager
func (r *RelayServer) RoomManager() *logic.RoomManager {
	return r.roomMgr
}

// Addr is the bound listen address
func (r *RelayServer) Addr() net.Addr {
	return r.addr
}

// Stop stops the server
func (r *RelayServer) Stop() {
	r.roomMgr.Stop()
	r.udpServer.Stop()
}
