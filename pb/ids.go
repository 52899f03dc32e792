package pb

// ID identifies a relay message inside a framed packet
type ID uint8

const (
	ID_MSG_Join           ID = 1  // join a relay session
	ID_MSG_Joined         ID = 2  // relay acknowledges a join
	ID_MSG_Signal         ID = 3  // opaque connection-setup payload
	ID_MSG_Input          ID = 4  // one input over the reliable path
	ID_MSG_StateSync      ID = 5  // periodic state hash
	ID_MSG_StateRequest   ID = 6  // ask the peer for its full state
	ID_MSG_StateResponse  ID = 7  // full state answer
	ID_MSG_ConnectionType ID = 8  // direct/relayed report
	ID_MSG_EpisodeEnd     ID = 9  // episode end over the reliable path
	ID_MSG_Heartbeat      ID = 10 // keepalive, echoed by the relay
	ID_MSG_PeerLeft       ID = 11 // relay noticed the other member left
)

var idNames = map[ID]string{
	ID_MSG_Join:           "Join",
	ID_MSG_Joined:         "Joined",
	ID_MSG_Signal:         "Signal",
	ID_MSG_Input:          "Input",
	ID_MSG_StateSync:      "StateSync",
	ID_MSG_StateRequest:   "StateRequest",
	ID_MSG_StateResponse:  "StateResponse",
	ID_MSG_ConnectionType: "ConnectionType",
	ID_MSG_EpisodeEnd:     "EpisodeEnd",
	ID_MSG_Heartbeat:      "Heartbeat",
	ID_MSG_PeerLeft:       "PeerLeft",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return "Unknown"
}

// Signal kinds carried in Signal.Kind
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)
