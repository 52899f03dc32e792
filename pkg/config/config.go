// Package config loads the peer and relay settings with viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is every tunable a peer or relay reads at startup
type Config struct {
	LogLevel   string           `mapstructure:"logLevel"`
	Session    SessionConfig    `mapstructure:"session"`
	Rollback   RollbackConfig   `mapstructure:"rollback"`
	Redundancy RedundancyConfig `mapstructure:"redundancy"`
	Health     HealthConfig     `mapstructure:"health"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Episode    EpisodeConfig    `mapstructure:"episode"`
	Desync     DesyncConfig     `mapstructure:"desync"`
	Relay      RelayConfig      `mapstructure:"relay"`
}

type SessionConfig struct {
	ID       string `mapstructure:"id"`
	PlayerID string `mapstructure:"playerId"`
	PeerID   string `mapstructure:"peerId"`
	TickRate int    `mapstructure:"tickRate"`
	MaxSteps uint32 `mapstructure:"maxSteps"`
	Episodes int    `mapstructure:"episodes"`
	Seed     int64  `mapstructure:"seed"`
}

type RollbackConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	InputDelay       uint32 `mapstructure:"inputDelay"`
	SnapshotInterval uint32 `mapstructure:"snapshotInterval"`
	MaxSnapshots     int    `mapstructure:"maxSnapshots"`
	RetentionWindow  uint32 `mapstructure:"retentionWindow"`
	Prediction       string `mapstructure:"prediction"`
	DefaultAction    uint8  `mapstructure:"defaultAction"`
	QueueSize        int    `mapstructure:"queueSize"`
}

type RedundancyConfig struct {
	Keep                int    `mapstructure:"keep"`
	Send                int    `mapstructure:"send"`
	CongestionThreshold uint64 `mapstructure:"congestionThreshold"`
	EndPadding          int    `mapstructure:"endPadding"`
}

type HealthConfig struct {
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	WindowSize      int           `mapstructure:"windowSize"`
	WarningLatency  time.Duration `mapstructure:"warningLatency"`
	CriticalLatency time.Duration `mapstructure:"criticalLatency"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type TransportConfig struct {
	ICEServers   []ICEServer   `mapstructure:"iceServers"`
	RelayOnly    bool          `mapstructure:"relayOnly"`
	RestartCap   int           `mapstructure:"restartCap"`
	RestartGrace time.Duration `mapstructure:"restartGrace"`
	QualityPoll  time.Duration `mapstructure:"qualityPoll"`
}

type EpisodeConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	DriftWarn uint32        `mapstructure:"driftWarn"`
}

type DesyncConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	HashInterval uint32 `mapstructure:"hashInterval"`
	HistorySize  int    `mapstructure:"historySize"`
}

type RelayConfig struct {
	Address   string        `mapstructure:"address"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// NewViper returns a viper instance carrying every default and NETPLAY_ env overrides
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("logLevel", "info")

	v.SetDefault("session.id", "")
	v.SetDefault("session.playerId", "")
	v.SetDefault("session.peerId", "")
	v.SetDefault("session.tickRate", 30)
	v.SetDefault("session.maxSteps", 450)
	v.SetDefault("session.episodes", 1)
	v.SetDefault("session.seed", 42)

	v.SetDefault("rollback.enabled", true)
	v.SetDefault("rollback.inputDelay", 0)
	v.SetDefault("rollback.snapshotInterval", 5)
	v.SetDefault("rollback.maxSnapshots", 30)
	v.SetDefault("rollback.retentionWindow", 60)
	v.SetDefault("rollback.prediction", "repeat")
	v.SetDefault("rollback.defaultAction", 0)
	v.SetDefault("rollback.queueSize", 4096)

	v.SetDefault("redundancy.keep", 10)
	v.SetDefault("redundancy.send", 3)
	v.SetDefault("redundancy.congestionThreshold", 16*1024)
	v.SetDefault("redundancy.endPadding", 3)

	v.SetDefault("health.pingInterval", "500ms")
	v.SetDefault("health.windowSize", 10)
	v.SetDefault("health.warningLatency", "100ms")
	v.SetDefault("health.criticalLatency", "200ms")

	v.SetDefault("transport.iceServers", []map[string]interface{}{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("transport.relayOnly", false)
	v.SetDefault("transport.restartCap", 3)
	v.SetDefault("transport.restartGrace", "5s")
	v.SetDefault("transport.qualityPoll", "2s")

	v.SetDefault("episode.timeout", "2s")
	v.SetDefault("episode.driftWarn", 5)

	v.SetDefault("desync.enabled", true)
	v.SetDefault("desync.hashInterval", 30)
	v.SetDefault("desync.historySize", 60)

	v.SetDefault("relay.address", "127.0.0.1:10086")
	v.SetDefault("relay.heartbeat", "1s")

	v.SetEnvPrefix("NETPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the optional config file at path into v and decodes the result.
// An empty path uses defaults, env and whatever flags were bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine can not run with
func (c *Config) Validate() error {
	switch {
	case c.Rollback.SnapshotInterval == 0:
		return errors.New("rollback.snapshotInterval must be positive")
	case c.Rollback.MaxSnapshots <= 0:
		return errors.New("rollback.maxSnapshots must be positive")
	case c.Rollback.Prediction != "repeat" && c.Rollback.Prediction != "default":
		return errors.Errorf("rollback.prediction %q is not repeat or default", c.Rollback.Prediction)
	case c.Redundancy.Send <= 0 || c.Redundancy.Send > c.Redundancy.Keep:
		return errors.New("redundancy.send must be in 1..redundancy.keep")
	case c.Session.TickRate <= 0:
		return errors.New("session.tickRate must be positive")
	case c.Desync.Enabled && c.Desync.HashInterval == 0:
		return errors.New("desync.hashInterval must be positive")
	case c.Desync.Enabled && c.Desync.HashInterval%c.Rollback.SnapshotInterval != 0:
		return errors.Errorf("desync.hashInterval %d must be a multiple of rollback.snapshotInterval %d",
			c.Desync.HashInterval, c.Rollback.SnapshotInterval)
	}
	return nil
}
