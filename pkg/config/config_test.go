package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadDefaultValues(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, uint32(0), cfg.Rollback.InputDelay)
	assert.Equal(t, uint32(5), cfg.Rollback.SnapshotInterval)
	assert.Equal(t, 30, cfg.Rollback.MaxSnapshots)
	assert.Equal(t, uint32(60), cfg.Rollback.RetentionWindow)
	assert.Equal(t, "repeat", cfg.Rollback.Prediction)
	assert.Equal(t, 10, cfg.Redundancy.Keep)
	assert.Equal(t, 3, cfg.Redundancy.Send)
	assert.Equal(t, uint64(16*1024), cfg.Redundancy.CongestionThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.PingInterval)
	assert.Equal(t, 10, cfg.Health.WindowSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Health.WarningLatency)
	assert.Equal(t, 200*time.Millisecond, cfg.Health.CriticalLatency)
	assert.Equal(t, 3, cfg.Transport.RestartCap)
	assert.Equal(t, 5*time.Second, cfg.Transport.RestartGrace)
	require.Len(t, cfg.Transport.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Transport.ICEServers[0].URLs)
	assert.Equal(t, 2*time.Second, cfg.Episode.Timeout)
	assert.Equal(t, uint32(5), cfg.Episode.DriftWarn)
	assert.Equal(t, uint32(30), cfg.Desync.HashInterval)
}

func Test_LoadWithValidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := `{
		"logLevel": "debug",
		"rollback": { "inputDelay": 2, "prediction": "default", "defaultAction": 4 },
		"transport": { "iceServers": [
			{ "urls": ["stun:stun.example.org:3478"] },
			{ "urls": ["turn:turn.example.org:3478?transport=udp", "turn:turn.example.org:443?transport=tcp"], "username": "u", "credential": "p" }
		] },
		"episode": { "timeout": "750ms" }
	}`
	path := filepath.Join(dir, "netplay.json")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))

	got, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, uint32(2), got.Rollback.InputDelay)
	assert.Equal(t, "default", got.Rollback.Prediction)
	assert.Equal(t, uint8(4), got.Rollback.DefaultAction)
	require.Len(t, got.Transport.ICEServers, 2)
	assert.Equal(t, "u", got.Transport.ICEServers[1].Username)
	assert.Len(t, got.Transport.ICEServers[1].URLs, 2)
	assert.Equal(t, 750*time.Millisecond, got.Episode.Timeout)
	assert.Equal(t, uint32(5), got.Rollback.SnapshotInterval)
}

func Test_LoadEnvOverride(t *testing.T) {
	t.Setenv("NETPLAY_ROLLBACK_INPUTDELAY", "3")
	t.Setenv("NETPLAY_SESSION_PLAYERID", "1")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cfg.Rollback.InputDelay)
	assert.Equal(t, "1", cfg.Session.PlayerID)
}

func Test_LoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), "/nonexistent/path/netplay.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func Test_LoadInvalid(t *testing.T) {
	v := NewViper()
	v.Set("redundancy.send", 20)
	_, err := Load(v, "")
	require.Error(t, err)

	v = NewViper()
	v.Set("rollback.prediction", "guess")
	_, err = Load(v, "")
	require.Error(t, err)
}

func Test_LoadHashIntervalAlignsWithSnapshots(t *testing.T) {
	v := NewViper()
	v.Set("desync.hashInterval", 32)
	_, err := Load(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of rollback.snapshotInterval")

	v = NewViper()
	v.Set("desync.enabled", false)
	v.Set("desync.hashInterval", 32)
	_, err = Load(v, "")
	require.NoError(t, err)
}
