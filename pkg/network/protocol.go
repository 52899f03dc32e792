package network

import (
	"errors"
	"io"
)

var (
	ErrDataLengthOutOfLimit = errors.New("the size of packet is larger than the limit")
)

// Packet is anything the write loop can put on the wire
type Packet interface {
	Serialize() []byte
}

// Protocol reads exactly one framed packet from a stream
type Protocol interface {
	ReadPacket(conn io.Reader) (Packet, error)
}
