package network

import (
	"net"
	"sync"
	"time"
)

type Config struct {
	PacketSendChanLimit    uint32 // the limit of packet send channel
	PacketReceiveChanLimit uint32 // the limit of packet receive channel
	ConnReadTimeout        time.Duration
	ConnWriteTimeout       time.Duration
}

// host is what a Conn shares with the side that created it
type host struct {
	config    *Config         // connection configuration
	callback  ConnCallback    // message callbacks in connection
	protocol  Protocol        // customize packet protocol
	exitChan  chan struct{}   // notify all goroutines to shut down
	waitGroup *sync.WaitGroup // wait for all goroutines
	closeOnce sync.Once
}

func newHost(config *Config, callback ConnCallback, protocol Protocol) *host {
	return &host{
		config:    config,
		callback:  callback,
		protocol:  protocol,
		exitChan:  make(chan struct{}),
		waitGroup: &sync.WaitGroup{},
	}
}

type Server struct {
	*host
	listener net.Listener
}

// NewServer creates a new server
func NewServer(config *Config, callback ConnCallback, protocol Protocol) *Server {
	return &Server{host: newHost(config, callback, protocol)}
}

// ConnectionCreator is a creator to create connection
type ConnectionCreator func(net.Conn, *Server) *Conn

// Start starts service
func (s *Server) Start(listener net.Listener, creator ConnectionCreator) {
	s.listener = listener
	s.waitGroup.Add(1)
	defer s.waitGroup.Done()

	for {
		select {
		case <-s.exitChan:
			return
		default:

		}
		conn, err := s.listener.Accept()
		if err != nil {
			continue
		}

		s.waitGroup.Add(1)
		go func() {
			creator(conn, s).Do()
			s.waitGroup.Done()
		}()
	}
}

// Stop stops service
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.exitChan)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.waitGroup.Wait()
}

// Client drives one dialed connection with the same loops a server uses for accepted ones
type Client struct {
	*host
	conn *Conn
}

// NewClient wraps an already dialed connection. Call Start to run its loops.
func NewClient(raw net.Conn, config *Config, callback ConnCallback, protocol Protocol) *Client {
	c := &Client{host: newHost(config, callback, protocol)}
	c.conn = newConn(raw, c.host)
	return c
}

// Conn returns the wrapped connection
func (c *Client) Conn() *Conn {
	return c.conn
}

// Start runs the read, write and handle loops
func (c *Client) Start() {
	c.conn.Do()
}

// Stop closes the connection and waits for its loops
func (c *Client) Stop() {
	c.closeOnce.Do(func() {
		close(c.exitChan)
	})
	c.conn.Close()
	c.waitGroup.Wait()
}
