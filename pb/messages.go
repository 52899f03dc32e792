package pb

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Join registers a player in a relay session
type Join struct {
	SessionID string
	PlayerID  string
}

func (m *Join) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SessionID)
	b = appendString(b, 2, m.PlayerID)
	return b
}

func (m *Join) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.SessionID)
		case 2:
			return readString(typ, b, &m.PlayerID)
		}
		return 0
	})
}

// Joined acknowledges a Join and lists the members already present
type Joined struct {
	SessionID string
	PlayerID  string
	Peers     []string
}

func (m *Joined) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SessionID)
	b = appendString(b, 2, m.PlayerID)
	for _, p := range m.Peers {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func (m *Joined) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.SessionID)
		case 2:
			return readString(typ, b, &m.PlayerID)
		case 3:
			var p string
			n := readString(typ, b, &p)
			if n > 0 {
				m.Peers = append(m.Peers, p)
			}
			return n
		}
		return 0
	})
}

// Signal is a store-and-forward connection-setup payload
type Signal struct {
	From    string
	To      string
	Kind    string
	Payload []byte
}

func (m *Signal) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendString(b, 2, m.To)
	b = appendString(b, 3, m.Kind)
	b = appendBytes(b, 4, m.Payload)
	return b
}

func (m *Signal) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.From)
		case 2:
			return readString(typ, b, &m.To)
		case 3:
			return readString(typ, b, &m.Kind)
		case 4:
			return readBytes(typ, b, &m.Payload)
		}
		return 0
	})
}

// Input is one player's action for one frame of one episode
type Input struct {
	PlayerID string
	Action   uint32
	Frame    uint32
	Episode  uint32
}

func (m *Input) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PlayerID)
	b = appendUint(b, 2, uint64(m.Action))
	b = appendUint(b, 3, uint64(m.Frame))
	b = appendUint(b, 4, uint64(m.Episode))
	return b
}

func (m *Input) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.PlayerID)
		case 2:
			return readUint32(typ, b, &m.Action)
		case 3:
			return readUint32(typ, b, &m.Frame)
		case 4:
			return readUint32(typ, b, &m.Episode)
		}
		return 0
	})
}

// StateSync carries the sender's state hash for one frame
type StateSync struct {
	SenderID     string
	Frame        uint32
	StateHash    string
	ActionCounts map[string]uint32
	Episode      uint32
}

func (m *StateSync) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SenderID)
	b = appendUint(b, 2, uint64(m.Frame))
	b = appendString(b, 3, m.StateHash)

	keys := make([]string, 0, len(m.ActionCounts))
	for k := range m.ActionCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendUint(entry, 2, uint64(m.ActionCounts[k]))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = appendUint(b, 5, uint64(m.Episode))
	return b
}

func (m *StateSync) Unmarshal(data []byte) error {
	var entryErr error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.SenderID)
		case 2:
			return readUint32(typ, b, &m.Frame)
		case 3:
			return readString(typ, b, &m.StateHash)
		case 4:
			var entry []byte
			n := readBytes(typ, b, &entry)
			if n <= 0 {
				return n
			}
			var (
				key   string
				count uint32
			)
			entryErr = walk(entry, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch num {
				case 1:
					return readString(typ, b, &key)
				case 2:
					return readUint32(typ, b, &count)
				}
				return 0
			})
			if entryErr != nil {
				return -1
			}
			if m.ActionCounts == nil {
				m.ActionCounts = make(map[string]uint32)
			}
			m.ActionCounts[key] = count
			return n
		case 5:
			return readUint32(typ, b, &m.Episode)
		}
		return 0
	})
	if entryErr != nil {
		return entryErr
	}
	return err
}

// StateRequest asks TargetID for its full state
type StateRequest struct {
	RequesterID string
	TargetID    string
	Frame       uint32
}

func (m *StateRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.RequesterID)
	b = appendString(b, 2, m.TargetID)
	b = appendUint(b, 3, uint64(m.Frame))
	return b
}

func (m *StateRequest) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.RequesterID)
		case 2:
			return readString(typ, b, &m.TargetID)
		case 3:
			return readUint32(typ, b, &m.Frame)
		}
		return 0
	})
}

// StateResponse carries a full serialized state for resync
type StateResponse struct {
	SenderID        string
	Frame           uint32
	StepCount       uint32
	EngineState     []byte
	RNGState        []byte
	CumulativeScore float64
}

func (m *StateResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SenderID)
	b = appendUint(b, 2, uint64(m.Frame))
	b = appendUint(b, 3, uint64(m.StepCount))
	b = appendBytes(b, 4, m.EngineState)
	b = appendBytes(b, 5, m.RNGState)
	b = appendDouble(b, 6, m.CumulativeScore)
	return b
}

func (m *StateResponse) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.SenderID)
		case 2:
			return readUint32(typ, b, &m.Frame)
		case 3:
			return readUint32(typ, b, &m.StepCount)
		case 4:
			return readBytes(typ, b, &m.EngineState)
		case 5:
			return readBytes(typ, b, &m.RNGState)
		case 6:
			return readDouble(typ, b, &m.CumulativeScore)
		}
		return 0
	})
}

// ConnectionType reports how the P2P path was established. Observability only.
type ConnectionType struct {
	PlayerID string
	Type     string
	Details  string
}

func (m *ConnectionType) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PlayerID)
	b = appendString(b, 2, m.Type)
	b = appendString(b, 3, m.Details)
	return b
}

func (m *ConnectionType) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.PlayerID)
		case 2:
			return readString(typ, b, &m.Type)
		case 3:
			return readString(typ, b, &m.Details)
		}
		return 0
	})
}

// EpisodeEnd mirrors the datagram EPISODE_END for the reliable path
type EpisodeEnd struct {
	PlayerID      string
	Frame         uint32
	EpisodeNumber uint32
}

func (m *EpisodeEnd) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PlayerID)
	b = appendUint(b, 2, uint64(m.Frame))
	b = appendUint(b, 3, uint64(m.EpisodeNumber))
	return b
}

func (m *EpisodeEnd) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readString(typ, b, &m.PlayerID)
		case 2:
			return readUint32(typ, b, &m.Frame)
		case 3:
			return readUint32(typ, b, &m.EpisodeNumber)
		}
		return 0
	})
}

// PeerLeft tells the remaining member that PlayerID disconnected
type PeerLeft struct {
	PlayerID string
}

func (m *PeerLeft) Marshal() []byte {
	return appendString(nil, 1, m.PlayerID)
}

func (m *PeerLeft) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return readString(typ, b, &m.PlayerID)
		}
		return 0
	})
}
