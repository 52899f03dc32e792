package episode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconciled(s *Synchronizer) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func Test_TwoPhaseReconcile(t *testing.T) {
	s := NewSynchronizer(Config{Timeout: time.Hour})
	msg := s.EndLocal(450, true)
	require.NotNil(t, msg)
	assert.Equal(t, uint32(450), msg.Frame)
	assert.Equal(t, uint32(0), msg.EpisodeNumber)
	assert.Equal(t, LocalEnded, s.State())
	assert.False(t, reconciled(s))

	s.EndRemote(452, 0)
	assert.True(t, reconciled(s))
	assert.Equal(t, Reconciled, s.State())
	o := s.Outcome()
	assert.Equal(t, uint32(2), o.Drift())
	assert.False(t, o.TimedOut)
	assert.True(t, o.RemoteKnown)
}

func Test_RemoteFirst(t *testing.T) {
	s := NewSynchronizer(Config{Timeout: time.Hour})
	s.EndRemote(300, 0)
	assert.Equal(t, Running, s.State())
	require.NotNil(t, s.EndLocal(310, true))
	assert.True(t, reconciled(s))
	assert.Equal(t, uint32(10), s.Outcome().Drift())
}

func Test_TimeoutLiveness(t *testing.T) {
	timeout := 50 * time.Millisecond
	s := NewSynchronizer(Config{Timeout: timeout})
	start := time.Now()
	s.EndLocal(100, true)

	select {
	case <-s.Done():
	case <-time.After(timeout + time.Second):
		t.Fatal("episode never reconciled")
	}
	assert.True(t, time.Since(start) >= timeout)
	o := s.Outcome()
	assert.True(t, o.TimedOut)
	assert.False(t, o.RemoteKnown)

	// a late notice changes nothing
	s.EndRemote(101, 0)
	assert.True(t, s.Outcome().TimedOut)
}

func Test_SinglePhaseWithoutChannel(t *testing.T) {
	s := NewSynchronizer(Config{})
	assert.Nil(t, s.EndLocal(100, false))
	assert.True(t, reconciled(s))
	assert.True(t, s.Outcome().SinglePhase)
}

func Test_ResetClearsAndKeepsEarlyNotices(t *testing.T) {
	s := NewSynchronizer(Config{Timeout: time.Hour})
	s.EndLocal(100, true)
	s.EndRemote(20, 1)
	s.EndRemote(30, 2)
	s.EndRemote(99, 0)
	require.True(t, reconciled(s))

	s.Reset(1)
	assert.Equal(t, uint32(1), s.Episode())
	assert.Equal(t, Running, s.State())
	assert.False(t, reconciled(s))
	s.EndLocal(21, true)
	assert.True(t, reconciled(s))
	assert.Equal(t, uint32(20), s.Outcome().RemoteFrame)

	s.Reset(3)
	assert.Empty(t, s.early)
}

func Test_StaleNoticeIgnored(t *testing.T) {
	s := NewSynchronizer(Config{Timeout: time.Hour})
	s.Reset(4)
	s.EndRemote(10, 3)
	s.EndLocal(50, true)
	assert.False(t, reconciled(s))
	s.Stop()
}

func Test_ResetCancelsTimeout(t *testing.T) {
	s := NewSynchronizer(Config{Timeout: 20 * time.Millisecond})
	s.EndLocal(10, true)
	s.Reset(1)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Running, s.State())
	assert.False(t, reconciled(s))
}
