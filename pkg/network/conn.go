package network

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/pkg/errors"
)

var (
	ErrConnClosing   = errors.New("use of closed network connection")
	ErrWriteBlocking = errors.New("write packet was blocking")
	ErrIdle          = errors.New("connection idle past read timeout")
)

// maxBatch bounds how many queued packets one socket write coalesces
const maxBatch = 32

// Stats counts the traffic of one connection
type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
}

// Conn runs the read, handle and write loops of one framed stream and reports its
// events to a ConnCallback
type Conn struct {
	host     *host
	conn     net.Conn
	callback ConnCallback

	mu        sync.Mutex
	extraData interface{}
	closeErr  error

	closeOnce sync.Once
	closed    atomic.Bool
	closeChan chan struct{}

	sendChan chan Packet
	recvChan chan Packet

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

// ConnCallback is an interface of methods that are used as callbacks on a connection
type ConnCallback interface {
	// OnConnect is called when the connection was accepted,
	// If the return value of false is closed
	OnConnect(*Conn) bool

	// OnMessage is called when the connection receives a packet,
	// If the return value of false is closed
	OnMessage(*Conn, Packet) bool

	// OnClose is called once when the connection closed. Err tells why.
	OnClose(*Conn)
}

// NewConn creates a new connection accepted by srv
func NewConn(conn net.Conn, srv *Server) *Conn {
	return newConn(conn, srv.host)
}

func newConn(conn net.Conn, h *host) *Conn {
	return &Conn{
		host:      h,
		callback:  h.callback,
		conn:      conn,
		closeChan: make(chan struct{}),
		sendChan:  make(chan Packet, h.config.PacketSendChanLimit),
		recvChan:  make(chan Packet, h.config.PacketReceiveChanLimit),
	}
}

// GetExtraData returns what the owner attached to the connection
func (c *Conn) GetExtraData() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extraData
}

// PutExtraData attaches data to the connection
func (c *Conn) PutExtraData(data interface{}) {
	c.mu.Lock()
	c.extraData = data
	c.mu.Unlock()
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the connection
func (c *Conn) Close() {
	c.closeWithError(nil)
}

// closeWithError closes the connection, keeping the first reason
func (c *Conn) closeWithError(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()
		c.closed.Store(true)
		close(c.closeChan)
		_ = c.conn.Close()
		c.callback.OnClose(c)
	})
}

// Err is why the connection closed: nil for a local Close, ErrIdle for a read timeout,
// otherwise the read or write failure
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// IsClosed indicates whether the connection is closed or not
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) Stats() Stats {
	return Stats{
		PacketsIn:  c.packetsIn.Load(),
		PacketsOut: c.packetsOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
	}
}

// AsyncWritePacket queues a packet for the write loop. A zero timeout never blocks.
func (c *Conn) AsyncWritePacket(p Packet, timeout time.Duration) error {
	if c.IsClosed() {
		return ErrConnClosing
	}

	if timeout == 0 {
		select {
		case c.sendChan <- p:
			return nil
		case <-c.closeChan:
			return ErrConnClosing
		default:
			return ErrWriteBlocking
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.sendChan <- p:
		return nil
	case <-c.closeChan:
		return ErrConnClosing
	case <-t.C:
		return ErrWriteBlocking
	}
}

// Do is to run loops
func (c *Conn) Do() {
	if !c.callback.OnConnect(c) {
		c.Close()
		return
	}

	asyncDo(c.handleLoop, c.host.waitGroup)
	asyncDo(c.readLoop, c.host.waitGroup)
	asyncDo(c.writeLoop, c.host.waitGroup)
}

func asyncDo(fn func(), wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		fn()
		wg.Done()
	}()
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.host.exitChan:
			c.Close()
			return
		case <-c.closeChan:
			return
		default:
		}

		if c.host.config.ConnReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.host.config.ConnReadTimeout))
		}
		p, err := c.host.protocol.ReadPacket(inCounter{c})
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = ErrIdle
			}
			c.closeWithError(errors.Wrap(err, "read"))
			return
		}
		c.packetsIn.Add(1)

		select {
		case c.recvChan <- p:
		case <-c.closeChan:
			return
		}
	}
}

// inCounter reads from the stream and counts the bytes
type inCounter struct {
	c *Conn
}

func (r inCounter) Read(b []byte) (int, error) {
	n, err := r.c.conn.Read(b)
	r.c.bytesIn.Add(uint64(n))
	return n, err
}

// writeLoop coalesces whatever is queued behind the first packet into one write
func (c *Conn) writeLoop() {
	var buf []byte
	for {
		select {
		case <-c.host.exitChan:
			c.Close()
			return
		case <-c.closeChan:
			return
		case p := <-c.sendChan:
			buf = append(buf[:0], p.Serialize()...)
			n := 1
		batch:
			for n < maxBatch {
				select {
				case q := <-c.sendChan:
					buf = append(buf, q.Serialize()...)
					n++
				default:
					break batch
				}
			}

			if c.host.config.ConnWriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.host.config.ConnWriteTimeout))
			}
			if _, err := c.conn.Write(buf); err != nil {
				log4go.Error("[network] write %d packets to %s error: %v", n, c.RemoteAddr(), err)
				c.closeWithError(errors.Wrap(err, "write"))
				return
			}
			c.packetsOut.Add(uint64(n))
			c.bytesOut.Add(uint64(len(buf)))
		}
	}
}

// handleLoop delivers received packets to OnMessage one at a time
func (c *Conn) handleLoop() {
	for {
		select {
		case <-c.host.exitChan:
			c.Close()
			return
		case <-c.closeChan:
			return
		case p := <-c.recvChan:
			if !c.callback.OnMessage(c, p) {
				c.Close()
				return
			}
		}
	}
}
