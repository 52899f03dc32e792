package p2p_packet

import (
	"encoding/binary"
	"errors"
	"math"
)

/*

peer <-> peer, unreliable channel, big-endian

INPUT
|--type(u8)--|--playerIndex(u16)--|--currentFrame(u32)--|--inputCount(u8)--|--episode(u8)--|--{frame(u32),action(u8)} x inputCount--|
|-----1------|---------2----------|----------4----------|---------1---------|-------1-------|----------------5 x n--------------------|

episode is the low byte of the sender's episode number

PING / PONG
|--type(u8)--|--timestamp(f64)--|

EPISODE_END
|--type(u8)--|--frame(u32)--|--episodeNumber(u32)--|

*/

// MsgType is the leading discriminator byte of every datagram
type MsgType uint8

const (
	MsgInput      MsgType = 0x01
	MsgPing       MsgType = 0x02
	MsgPong       MsgType = 0x03
	MsgEpisodeEnd MsgType = 0x04
)

const (
	InputHeaderLen = 9
	InputEntryLen  = 5
	PingLen        = 9
	EpisodeEndLen  = 9

	// MaxInputCount is the largest redundancy window one INPUT packet can carry
	MaxInputCount = math.MaxUint8
)

var (
	ErrEmptyPacket = errors.New("empty packet")
	ErrUnknownType = errors.New("unknown message type")
	ErrShortPacket = errors.New("packet shorter than its declared layout")
)

// Message is a decoded datagram
type Message interface {
	Type() MsgType
	Serialize() []byte
}

// InputEntry is one (frame, action) pair carried in an INPUT packet
type InputEntry struct {
	Frame  uint32
	Action uint8
}

// InputMsg carries the sender's most recent inputs, oldest first
type InputMsg struct {
	PlayerIndex  uint16
	CurrentFrame uint32
	Episode      uint8
	Inputs       []InputEntry
}

func (m *InputMsg) Type() MsgType { return MsgInput }

// Serialize encodes the message. Inputs beyond MaxInputCount are dropped from the front,
// so the newest inputs always survive.
func (m *InputMsg) Serialize() []byte {
	inputs := m.Inputs
	if len(inputs) > MaxInputCount {
		inputs = inputs[len(inputs)-MaxInputCount:]
	}

	buff := make([]byte, InputHeaderLen+InputEntryLen*len(inputs))
	buff[0] = byte(MsgInput)
	binary.BigEndian.PutUint16(buff[1:3], m.PlayerIndex)
	binary.BigEndian.PutUint32(buff[3:7], m.CurrentFrame)
	buff[7] = uint8(len(inputs))
	buff[8] = m.Episode

	off := InputHeaderLen
	for _, in := range inputs {
		binary.BigEndian.PutUint32(buff[off:off+4], in.Frame)
		buff[off+4] = in.Action
		off += InputEntryLen
	}
	return buff
}

// PingMsg asks the peer to echo Timestamp back
type PingMsg struct {
	Timestamp float64
}

func (m *PingMsg) Type() MsgType { return MsgPing }
func (m *PingMsg) Serialize() []byte { return serializeStamp(MsgPing, m.Timestamp) }

// PongMsg echoes a ping's timestamp verbatim
type PongMsg struct {
	Timestamp float64
}

func (m *PongMsg) Type() MsgType { return MsgPong }
func (m *PongMsg) Serialize() []byte { return serializeStamp(MsgPong, m.Timestamp) }

func serializeStamp(t MsgType, ts float64) []byte {
	buff := make([]byte, PingLen)
	buff[0] = byte(t)
	binary.BigEndian.PutUint64(buff[1:], math.Float64bits(ts))
	return buff
}

// EpisodeEndMsg announces the frame at which the sender's episode ended
type EpisodeEndMsg struct {
	Frame         uint32
	EpisodeNumber uint32
}

func (m *EpisodeEndMsg) Type() MsgType { return MsgEpisodeEnd }

func (m *EpisodeEndMsg) Serialize() []byte {
	buff := make([]byte, EpisodeEndLen)
	buff[0] = byte(MsgEpisodeEnd)
	binary.BigEndian.PutUint32(buff[1:5], m.Frame)
	binary.BigEndian.PutUint32(buff[5:9], m.EpisodeNumber)
	return buff
}

// Decode parses one datagram. Any error means the datagram must be dropped.
func Decode(buff []byte) (Message, error) {
	if len(buff) == 0 {
		return nil, ErrEmptyPacket
	}

	switch MsgType(buff[0]) {
	case MsgInput:
		return decodeInput(buff)
	case MsgPing, MsgPong:
		if len(buff) < PingLen {
			return nil, ErrShortPacket
		}
		ts := math.Float64frombits(binary.BigEndian.Uint64(buff[1:9]))
		if MsgType(buff[0]) == MsgPing {
			return &PingMsg{Timestamp: ts}, nil
		}
		return &PongMsg{Timestamp: ts}, nil
	case MsgEpisodeEnd:
		if len(buff) < EpisodeEndLen {
			return nil, ErrShortPacket
		}
		return &EpisodeEndMsg{
			Frame:         binary.BigEndian.Uint32(buff[1:5]),
			EpisodeNumber: binary.BigEndian.Uint32(buff[5:9]),
		}, nil
	}
	return nil, ErrUnknownType
}

func decodeInput(buff []byte) (*InputMsg, error) {
	if len(buff) < InputHeaderLen {
		return nil, ErrShortPacket
	}
	count := int(buff[7])
	if len(buff) < InputHeaderLen+count*InputEntryLen {
		return nil, ErrShortPacket
	}

	msg := &InputMsg{
		PlayerIndex:  binary.BigEndian.Uint16(buff[1:3]),
		CurrentFrame: binary.BigEndian.Uint32(buff[3:7]),
		Episode:      buff[8],
		Inputs:       make([]InputEntry, count),
	}
	off := InputHeaderLen
	for i := 0; i < count; i++ {
		msg.Inputs[i] = InputEntry{
			Frame:  binary.BigEndian.Uint32(buff[off : off+4]),
			Action: buff[off+4],
		}
		off += InputEntryLen
	}
	return msg, nil
}
