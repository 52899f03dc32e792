package p2p_packet

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputsOf(n int) []InputEntry {
	ret := make([]InputEntry, n)
	for i := range ret {
		ret[i] = InputEntry{Frame: uint32(1000 + i), Action: uint8(i % 7)}
	}
	return ret
}

func Test_InputRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, MaxInputCount} {
		msg := &InputMsg{PlayerIndex: 513, CurrentFrame: 0xDEADBEEF, Episode: 9, Inputs: inputsOf(n)}
		buff := msg.Serialize()
		require.Len(t, buff, InputHeaderLen+n*InputEntryLen)

		got, err := Decode(buff)
		require.NoError(t, err)
		in, ok := got.(*InputMsg)
		require.True(t, ok)
		assert.Equal(t, msg.PlayerIndex, in.PlayerIndex)
		assert.Equal(t, msg.CurrentFrame, in.CurrentFrame)
		assert.Equal(t, msg.Episode, in.Episode)
		assert.Equal(t, msg.Inputs, in.Inputs, "count=%d", n)
	}
}

func Test_InputHeaderLayout(t *testing.T) {
	msg := &InputMsg{PlayerIndex: 1, CurrentFrame: 42, Episode: 3, Inputs: []InputEntry{{Frame: 40, Action: 6}}}
	buff := msg.Serialize()

	assert.Equal(t, byte(MsgInput), buff[0])
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(buff[1:3]))
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(buff[3:7]))
	assert.Equal(t, byte(1), buff[7])
	assert.Equal(t, byte(3), buff[8])
	assert.Equal(t, uint32(40), binary.BigEndian.Uint32(buff[9:13]))
	assert.Equal(t, byte(6), buff[13])
}

func Test_InputKeepsNewestWhenOverLimit(t *testing.T) {
	msg := &InputMsg{Inputs: inputsOf(MaxInputCount + 5)}
	got, err := Decode(msg.Serialize())
	require.NoError(t, err)

	in := got.(*InputMsg)
	require.Len(t, in.Inputs, MaxInputCount)
	assert.Equal(t, msg.Inputs[len(msg.Inputs)-1], in.Inputs[MaxInputCount-1])
	assert.Equal(t, msg.Inputs[5], in.Inputs[0])
}

func Test_PingPongRoundTrip(t *testing.T) {
	for _, ts := range []float64{0, 1.5, 1718000000123.25} {
		got, err := Decode((&PingMsg{Timestamp: ts}).Serialize())
		require.NoError(t, err)
		assert.Equal(t, &PingMsg{Timestamp: ts}, got)

		got, err = Decode((&PongMsg{Timestamp: ts}).Serialize())
		require.NoError(t, err)
		assert.Equal(t, &PongMsg{Timestamp: ts}, got)
	}
}

func Test_EpisodeEndRoundTrip(t *testing.T) {
	msg := &EpisodeEndMsg{Frame: 450, EpisodeNumber: 7}
	got, err := Decode(msg.Serialize())
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func Test_DecodeFailsClosed(t *testing.T) {
	cases := map[string]struct {
		buff []byte
		err  error
	}{
		"empty":          {nil, ErrEmptyPacket},
		"unknown type":   {[]byte{0x7F, 1, 2, 3}, ErrUnknownType},
		"short header":   {[]byte{byte(MsgInput), 0, 1}, ErrShortPacket},
		"short entries":  {[]byte{byte(MsgInput), 0, 1, 0, 0, 0, 9, 2, 0, 0, 0, 0, 9, 1}, ErrShortPacket},
		"short ping":     {[]byte{byte(MsgPing), 1, 2}, ErrShortPacket},
		"short episodes": {[]byte{byte(MsgEpisodeEnd), 0, 0, 0, 1}, ErrShortPacket},
	}
	for name, c := range cases {
		msg, err := Decode(c.buff)
		assert.Nil(t, msg, name)
		assert.ErrorIs(t, err, c.err, name)
	}
}
