package pb_packet

import (
	"encoding/binary"
	"io"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pb"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
)

const (
	DataLen      = 4
	MessageIDLen = 1

	MinPacketLen = DataLen + MessageIDLen
	// state responses carry whole engine snapshots
	MaxPacketLen = 4 << 20
)

/*

peer <-> relay

|--dataLen(uint32)--|--msgID(uint8)--|--------data--------|
|---------4---------|-------1--------|------dataLen-------|

*/

// Packet is one framed relay message
type Packet struct {
	id   uint8
	data []byte
}

func (p *Packet) GetMessageID() uint8 {
	return p.id
}

func (p *Packet) GetData() []byte {
	return p.data
}

func (p *Packet) Serialize() []byte {
	buff := make([]byte, MinPacketLen, MinPacketLen+len(p.data))

	// set field `totalDataLen`
	binary.BigEndian.PutUint32(buff, uint32(len(p.data)))

	// set field `msgIDLen`
	buff[DataLen] = p.id

	// set field `data`
	return append(buff, p.data...)
}

func (p *Packet) UnmarshalPB(msg pb.Message) error {
	return msg.Unmarshal(p.data)
}

// NewPacket creates a new packet, nil when msg can not be encoded or is too large
func NewPacket(id pb.ID, msg interface{}) *Packet {

	p := &Packet{
		id: uint8(id),
	}

	switch v := msg.(type) {
	case []byte:
		p.data = v
	case pb.Message:
		p.data = v.Marshal()
	case nil:
	default:
		log4go.Error("[NewPacket] type unsupported: %s", id)
		return nil
	}

	if len(p.data) > MaxPacketLen {
		log4go.Error("[NewPacket] msg %s too large: %d bytes", id, len(p.data))
		return nil
	}

	return p
}

// MsgProtocol is used to read message according to protocol
type MsgProtocol struct {
}

func (p *MsgProtocol) ReadPacket(r io.Reader) (network.Packet, error) {
	buff := make([]byte, MinPacketLen, MinPacketLen)

	// read data length
	if _, err := io.ReadFull(r, buff); err != nil {
		return nil, err
	}
	dataLen := binary.BigEndian.Uint32(buff)
	if dataLen > MaxPacketLen {
		return nil, network.ErrDataLengthOutOfLimit
	}

	// set id
	msg := &Packet{
		id: buff[DataLen],
	}

	// read data
	if dataLen > 0 {
		msg.data = make([]byte, dataLen, dataLen)
		if _, err := io.ReadFull(r, msg.data); err != nil {
			return nil, err
		}
	}

	return msg, nil
}
