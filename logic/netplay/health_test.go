package netplay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pongAfter(t *testing.T, h *HealthMonitor, sent time.Time, rtt time.Duration) {
	t.Helper()
	ping := h.Poll(sent)
	require.NotNil(t, ping)
	h.HandlePong(h.HandlePing(ping), sent.Add(rtt))
}

func Test_PollHonoursInterval(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{})
	now := time.Unix(1000, 0)
	require.NotNil(t, h.Poll(now))
	assert.Nil(t, h.Poll(now.Add(499*time.Millisecond)))
	assert.NotNil(t, h.Poll(now.Add(500*time.Millisecond)))
}

func Test_LatencyIsHalfAverageRTT(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{})
	now := time.Unix(1000, 0)
	pongAfter(t, h, now, 40*time.Millisecond)
	pongAfter(t, h, now.Add(time.Second), 60*time.Millisecond)

	assert.InDelta(t, float64(50*time.Millisecond), float64(h.AverageRTT()), float64(time.Microsecond))
	assert.InDelta(t, float64(25*time.Millisecond), float64(h.Latency()), float64(time.Microsecond))
	assert.Equal(t, StatusGood, h.Status())
}

func Test_WindowKeepsNewestSamples(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{WindowSize: 3})
	now := time.Unix(1000, 0)
	for i, rtt := range []time.Duration{1000, 10, 10, 10} {
		pongAfter(t, h, now.Add(time.Duration(i)*time.Second), rtt*time.Millisecond)
	}
	assert.Equal(t, 3, h.Samples())
	assert.InDelta(t, float64(10*time.Millisecond), float64(h.AverageRTT()), float64(time.Microsecond))
}

func Test_StatusThresholds(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{WindowSize: 1})
	var changes []Status
	h.OnStatusChange(func(_, s Status) { changes = append(changes, s) })

	now := time.Unix(1000, 0)
	pongAfter(t, h, now, 250*time.Millisecond)
	assert.Equal(t, StatusWarning, h.Status())
	pongAfter(t, h, now.Add(time.Second), 500*time.Millisecond)
	assert.Equal(t, StatusCritical, h.Status())
	pongAfter(t, h, now.Add(2*time.Second), 20*time.Millisecond)
	assert.Equal(t, StatusGood, h.Status())

	assert.Equal(t, []Status{StatusWarning, StatusCritical, StatusGood}, changes)
}

func Test_GapCounter(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{})
	for _, f := range []uint32{0, 1, 2, 5, 5, 4, 6, 9} {
		h.NoteInputFrame(f)
	}
	assert.Equal(t, 2, h.Gaps())

	h.ResetGaps()
	h.NoteInputFrame(40)
	assert.Equal(t, 0, h.Gaps())
}
