package session

import (
	"time"

	"github.com/hedon954/go-rollback-netplay/logic/desync"
	"github.com/hedon954/go-rollback-netplay/logic/episode"
	"github.com/hedon954/go-rollback-netplay/logic/fallback"
	"github.com/hedon954/go-rollback-netplay/logic/netplay"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/hedon954/go-rollback-netplay/pkg/config"
	"github.com/hedon954/go-rollback-netplay/pkg/p2p"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultEndPadding = 3
	DefaultInboxSize  = 8192
)

// Config is everything one peer session needs
type Config struct {
	SessionID string
	LocalID   rollback.PlayerID
	// RemoteID may be left empty; it is then learned from the relay
	RemoteID rollback.PlayerID
	MaxSteps uint32

	Rollback   rollback.Config
	Sender     netplay.SenderConfig
	EndPadding int
	Health     netplay.HealthConfig
	Episode    episode.Config

	DesyncEnabled bool
	Desync        desync.Config

	P2P   p2p.Config
	Relay fallback.ClientConfig

	InboxSize int
}

// FromConfig maps the loaded settings onto a session Config
func FromConfig(c *config.Config) Config {
	prediction := rollback.ParsePrediction(c.Rollback.Prediction)

	servers := make([]webrtc.ICEServer, 0, len(c.Transport.ICEServers))
	for _, s := range c.Transport.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return Config{
		SessionID: c.Session.ID,
		LocalID:   rollback.PlayerID(c.Session.PlayerID),
		RemoteID:  rollback.PlayerID(c.Session.PeerID),
		MaxSteps:  c.Session.MaxSteps,
		Rollback: rollback.Config{
			InputDelay:       rollback.Frame(c.Rollback.InputDelay),
			SnapshotInterval: rollback.Frame(c.Rollback.SnapshotInterval),
			MaxSnapshots:     c.Rollback.MaxSnapshots,
			RetentionWindow:  rollback.Frame(c.Rollback.RetentionWindow),
			Prediction:       prediction,
			DefaultAction:    rollback.Action(c.Rollback.DefaultAction),
			QueueSize:        c.Rollback.QueueSize,
			DisableRollback:  !c.Rollback.Enabled,
		},
		Sender: netplay.SenderConfig{
			Keep:                c.Redundancy.Keep,
			Redundancy:          c.Redundancy.Send,
			CongestionThreshold: c.Redundancy.CongestionThreshold,
		},
		EndPadding: c.Redundancy.EndPadding,
		Health: netplay.HealthConfig{
			PingInterval:    c.Health.PingInterval,
			WindowSize:      c.Health.WindowSize,
			WarningLatency:  c.Health.WarningLatency,
			CriticalLatency: c.Health.CriticalLatency,
		},
		Episode: episode.Config{
			Timeout:   c.Episode.Timeout,
			DriftWarn: c.Episode.DriftWarn,
		},
		DesyncEnabled: c.Desync.Enabled,
		Desync: desync.Config{
			HashInterval: rollback.Frame(c.Desync.HashInterval),
			HistorySize:  c.Desync.HistorySize,
		},
		P2P: p2p.Config{
			ICEServers:          servers,
			RelayOnly:           c.Transport.RelayOnly,
			RestartCap:          c.Transport.RestartCap,
			RestartGrace:        c.Transport.RestartGrace,
			QualityPoll:         c.Transport.QualityPoll,
			CongestionThreshold: c.Redundancy.CongestionThreshold,
		},
		Relay: fallback.ClientConfig{
			Address:   c.Relay.Address,
			SessionID: c.Session.ID,
			PlayerID:  c.Session.PlayerID,
			Heartbeat: c.Relay.Heartbeat,
		},
	}
}

// TickInterval is the frame period for a tick rate in Hz
func TickInterval(rate int) time.Duration {
	if rate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(rate)
}
