// Package fallback is the reliable ordered path to the peer through the relay. It
// carries signaling, resync traffic and any input the datagram channel could not.
package fallback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/kcpx"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
	"github.com/hedon954/go-rollback-netplay/pkg/packet/pb_packet"
	"github.com/pkg/errors"
)

const (
	DefaultHeartbeat    = time.Second
	DefaultWriteTimeout = 50 * time.Millisecond
)

var ErrClientClosed = errors.New("relay client closed")

// Handlers receive relay messages on the connection's handle goroutine. Nil handlers
// drop their message.
type Handlers struct {
	OnJoined         func(*pb.Joined)
	OnSignal         func(*pb.Signal)
	OnInput          func(*pb.Input)
	OnStateSync      func(*pb.StateSync)
	OnStateRequest   func(*pb.StateRequest)
	OnStateResponse  func(*pb.StateResponse)
	OnConnectionType func(*pb.ConnectionType)
	OnEpisodeEnd     func(*pb.EpisodeEnd)
	OnPeerLeft       func(*pb.PeerLeft)
	OnClose          func()
}

type ClientConfig struct {
	Address      string
	SessionID    string
	PlayerID     string
	Heartbeat    time.Duration
	WriteTimeout time.Duration
}

// Client is one peer's connection to the relay
type Client struct {
	cfg      ClientConfig
	handlers Handlers
	client   *network.Client

	lastHeartbeat atomic.Int64
	closed        atomic.Bool
	exitChan      chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// Dial connects to the relay over KCP and starts the heartbeat. Call Join next.
func Dial(cfg ClientConfig, handlers Handlers) (*Client, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	c := &Client{
		cfg:      cfg,
		handlers: handlers,
		exitChan: make(chan struct{}),
	}

	client, err := kcpx.Dial(cfg.Address, nil, c, &pb_packet.MsgProtocol{})
	if err != nil {
		return nil, errors.Wrap(err, "dial relay")
	}
	c.client = client
	c.lastHeartbeat.Store(time.Now().UnixNano())

	c.wg.Add(1)
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) PlayerID() string {
	return c.cfg.PlayerID
}

// Join registers this peer in its relay session
func (c *Client) Join() error {
	return c.Send(pb.ID_MSG_Join, &pb.Join{SessionID: c.cfg.SessionID, PlayerID: c.cfg.PlayerID})
}

// Send queues one message for the relay
func (c *Client) Send(id pb.ID, msg pb.Message) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	p := pb_packet.NewPacket(id, msg)
	if p == nil {
		return errors.Errorf("encode %s", id)
	}
	if err := c.client.Conn().AsyncWritePacket(p, c.cfg.WriteTimeout); err != nil {
		return errors.Wrapf(err, "send %s", id)
	}
	return nil
}

// SendSignal forwards a connection-setup payload to the other session member
func (c *Client) SendSignal(kind string, payload []byte) error {
	return c.Send(pb.ID_MSG_Signal, &pb.Signal{From: c.cfg.PlayerID, Kind: kind, Payload: payload})
}

func (c *Client) SendInput(frame uint32, action uint8, episode uint32) error {
	return c.Send(pb.ID_MSG_Input, &pb.Input{PlayerID: c.cfg.PlayerID, Action: uint32(action), Frame: frame, Episode: episode})
}

func (c *Client) SendStateSync(frame uint32, hash string, counts map[string]uint32, episode uint32) error {
	return c.Send(pb.ID_MSG_StateSync, &pb.StateSync{
		SenderID:     c.cfg.PlayerID,
		Frame:        frame,
		StateHash:    hash,
		ActionCounts: counts,
		Episode:      episode,
	})
}

func (c *Client) SendStateRequest(target string, frame uint32) error {
	return c.Send(pb.ID_MSG_StateRequest, &pb.StateRequest{
		RequesterID: c.cfg.PlayerID,
		TargetID:    target,
		Frame:       frame,
	})
}

func (c *Client) SendStateResponse(resp *pb.StateResponse) error {
	resp.SenderID = c.cfg.PlayerID
	return c.Send(pb.ID_MSG_StateResponse, resp)
}

func (c *Client) SendConnectionType(typ, details string) error {
	return c.Send(pb.ID_MSG_ConnectionType, &pb.ConnectionType{PlayerID: c.cfg.PlayerID, Type: typ, Details: details})
}

func (c *Client) SendEpisodeEnd(frame, episode uint32) error {
	return c.Send(pb.ID_MSG_EpisodeEnd, &pb.EpisodeEnd{PlayerID: c.cfg.PlayerID, Frame: frame, EpisodeNumber: episode})
}

// LastHeartbeat is when the relay last echoed a heartbeat
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Close stops the heartbeat and the connection loops
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.exitChan)
		c.wg.Wait()
		c.client.Stop()
	})
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.exitChan:
			return
		case <-ticker.C:
			if err := c.Send(pb.ID_MSG_Heartbeat, nil); err != nil {
				log4go.Warn("[fallback] heartbeat: %v", err)
			}
		}
	}
}

func (c *Client) OnConnect(conn *network.Conn) bool {
	log4go.Info("[fallback] connected to relay %s", conn.RemoteAddr())
	return true
}

func (c *Client) OnMessage(conn *network.Conn, p network.Packet) bool {
	msg := p.(*pb_packet.Packet)
	id := pb.ID(msg.GetMessageID())

	if id == pb.ID_MSG_Heartbeat {
		c.lastHeartbeat.Store(time.Now().UnixNano())
		return true
	}

	var err error
	switch id {
	case pb.ID_MSG_Joined:
		m := &pb.Joined{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnJoined != nil {
			c.handlers.OnJoined(m)
		}
	case pb.ID_MSG_Signal:
		m := &pb.Signal{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnSignal != nil {
			c.handlers.OnSignal(m)
		}
	case pb.ID_MSG_Input:
		m := &pb.Input{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnInput != nil {
			c.handlers.OnInput(m)
		}
	case pb.ID_MSG_StateSync:
		m := &pb.StateSync{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnStateSync != nil {
			c.handlers.OnStateSync(m)
		}
	case pb.ID_MSG_StateRequest:
		m := &pb.StateRequest{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnStateRequest != nil {
			c.handlers.OnStateRequest(m)
		}
	case pb.ID_MSG_StateResponse:
		m := &pb.StateResponse{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnStateResponse != nil {
			c.handlers.OnStateResponse(m)
		}
	case pb.ID_MSG_ConnectionType:
		m := &pb.ConnectionType{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnConnectionType != nil {
			c.handlers.OnConnectionType(m)
		}
	case pb.ID_MSG_EpisodeEnd:
		m := &pb.EpisodeEnd{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnEpisodeEnd != nil {
			c.handlers.OnEpisodeEnd(m)
		}
	case pb.ID_MSG_PeerLeft:
		m := &pb.PeerLeft{}
		if err = msg.UnmarshalPB(m); err == nil && c.handlers.OnPeerLeft != nil {
			c.handlers.OnPeerLeft(m)
		}
	default:
		log4go.Warn("[fallback] unexpected message %s", id)
	}
	if err != nil {
		// a malformed message is dropped, the connection stays up
		log4go.Error("[fallback] decode %s: %v", id, err)
	}
	return true
}

func (c *Client) OnClose(conn *network.Conn) {
	log4go.Warn("[fallback] relay connection closed")
	c.closed.Store(true)
	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
}
