// Package kcpx runs the framed network layer over KCP sessions tuned for low latency.
package kcpx

import (
	"net"
	"time"

	"github.com/hedon954/go-rollback-netplay/pkg/network"
	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go"
)

// DefaultConfig is the connection configuration used by the relay on both ends
func DefaultConfig() *network.Config {
	return &network.Config{
		PacketReceiveChanLimit: 1024,
		PacketSendChanLimit:    1024,
		ConnReadTimeout:        time.Second * 15,
		ConnWriteTimeout:       time.Second * 5,
	}
}

func tune(conn net.Conn) {
	kcpConn, ok := conn.(*kcp.UDPSession)
	if !ok {
		return
	}
	kcpConn.SetNoDelay(1, 10, 2, 1)
	kcpConn.SetStreamMode(true)
	kcpConn.SetWindowSize(4096, 4096)
	kcpConn.SetReadBuffer(4 * 1024 * 1024)
	kcpConn.SetWriteBuffer(4 * 1024 * 1024)
	kcpConn.SetACKNoDelay(true)
}

// ListenAndServe accepts KCP sessions on addr and serves them with callback
func ListenAndServe(addr string, config *network.Config, callback network.ConnCallback, protocol network.Protocol) (*network.Server, net.Addr, error) {
	if config == nil {
		config = DefaultConfig()
	}

	l, err := kcp.Listen(addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "kcp listen %s", addr)
	}

	server := network.NewServer(config, callback, protocol)
	go server.Start(l, func(conn net.Conn, i *network.Server) *network.Conn {
		tune(conn)
		return network.NewConn(conn, i)
	})

	return server, l.Addr(), nil
}

// Dial opens a KCP session to addr and runs its loops with callback
func Dial(addr string, config *network.Config, callback network.ConnCallback, protocol network.Protocol) (*network.Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	conn, err := kcp.Dial(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "kcp dial %s", addr)
	}
	tune(conn)

	client := network.NewClient(conn, config, callback, protocol)
	client.Start()
	return client, nil
}
