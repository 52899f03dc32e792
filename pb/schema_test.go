package pb

import (
	"os"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	messageRe = regexp.MustCompile(`(?s)message\s+(\w+)\s*\{(.*?)\}`)
	fieldRe   = regexp.MustCompile(`(?m)^\s*(?:repeated\s+)?(map<[^>]+>|\w+)\s+\w+\s*=\s*(\d+)\s*;`)
)

// schemaFields maps each message in relay.proto to its field numbers and wire types
func schemaFields(t *testing.T) map[string]map[protowire.Number]protowire.Type {
	t.Helper()
	src, err := os.ReadFile("relay.proto")
	require.NoError(t, err)

	ret := make(map[string]map[protowire.Number]protowire.Type)
	for _, m := range messageRe.FindAllStringSubmatch(string(src), -1) {
		fields := make(map[protowire.Number]protowire.Type)
		for _, f := range fieldRe.FindAllStringSubmatch(m[2], -1) {
			num, err := strconv.Atoi(f[2])
			require.NoError(t, err)
			switch f[1] {
			case "uint32", "uint64":
				fields[protowire.Number(num)] = protowire.VarintType
			case "double":
				fields[protowire.Number(num)] = protowire.Fixed64Type
			default:
				fields[protowire.Number(num)] = protowire.BytesType
			}
		}
		ret[m[1]] = fields
	}
	return ret
}

// wireFields lists the field numbers and wire types an encoded message carries
func wireFields(t *testing.T, data []byte) map[protowire.Number]protowire.Type {
	t.Helper()
	ret := make(map[protowire.Number]protowire.Type)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		m := protowire.ConsumeFieldValue(num, typ, data)
		require.GreaterOrEqual(t, m, 0)
		data = data[m:]
		ret[num] = typ
	}
	return ret
}

func Test_WireMatchesSchema(t *testing.T) {
	// every field set, so every field is on the wire
	full := map[string]Message{
		"Join":   &Join{SessionID: "s", PlayerID: "0"},
		"Joined": &Joined{SessionID: "s", PlayerID: "0", Peers: []string{"1"}},
		"Signal": &Signal{From: "0", To: "1", Kind: SignalOffer, Payload: []byte("sdp")},
		"Input":  &Input{PlayerID: "0", Action: 3, Frame: 12, Episode: 1},
		"StateSync": &StateSync{
			SenderID: "0", Frame: 30, StateHash: "00112233aabbccdd",
			ActionCounts: map[string]uint32{"0": 4}, Episode: 1,
		},
		"StateRequest": &StateRequest{RequesterID: "0", TargetID: "1", Frame: 60},
		"StateResponse": &StateResponse{
			SenderID: "1", Frame: 60, StepCount: 61, EngineState: []byte{1},
			RNGState: []byte{2}, CumulativeScore: 1.5,
		},
		"ConnectionType": &ConnectionType{PlayerID: "0", Type: "direct", Details: "host"},
		"EpisodeEnd":     &EpisodeEnd{PlayerID: "0", Frame: 450, EpisodeNumber: 2},
		"PeerLeft":       &PeerLeft{PlayerID: "1"},
	}

	schema := schemaFields(t)
	require.Len(t, schema, len(full), "every message in relay.proto has an encoder")
	for name, msg := range full {
		want, ok := schema[name]
		require.True(t, ok, "%s missing from relay.proto", name)
		assert.Equal(t, want, wireFields(t, msg.Marshal()), name)
	}
}
