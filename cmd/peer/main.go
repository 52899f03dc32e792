package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/google/uuid"
	"github.com/hedon954/go-rollback-netplay/logic/fallback"
	"github.com/hedon954/go-rollback-netplay/logic/gridworld"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/hedon954/go-rollback-netplay/logic/session"
	"github.com/hedon954/go-rollback-netplay/pkg/config"
	"github.com/hedon954/go-rollback-netplay/pkg/log4gox"
	"github.com/hedon954/go-rollback-netplay/pkg/p2p"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// joinTimeout bounds how long a peer waits for its opponent to join the session
const joinTimeout = 5 * time.Minute

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:          "peer",
		Short:        "Plays the grid world against one remote peer with rollback netcode",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if err := log4gox.Setup(cfg.LogLevel); err != nil {
				return err
			}
			defer log4go.Close()
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
	f.String("relay", "", "relay server address")
	f.String("session", "", "session id shared by both peers, generated when empty")
	f.String("player", "", "local player id, generated when empty")
	f.String("peer", "", "remote player id, learned from the relay when empty")
	f.Int("episodes", 0, "episodes to play")
	f.Int("tick-rate", 0, "frames per second")
	f.Bool("relay-only", false, "only use TURN relay candidates for the peer channel")
	f.Bool("no-rollback", false, "disable rollback and play on predicted inputs")
	f.String("log", "", "log level: debug, info, warn, error")

	bind := map[string]string{
		"relay":      "relay.address",
		"session":    "session.id",
		"player":     "session.playerId",
		"peer":       "session.peerId",
		"episodes":   "session.episodes",
		"tick-rate":  "session.tickRate",
		"relay-only": "transport.relayOnly",
		"log":        "logLevel",
	}
	for flag, key := range bind {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if off, _ := cmd.Flags().GetBool("no-rollback"); off {
			v.Set("rollback.enabled", false)
		}
	}
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	if cfg.Session.ID == "" {
		cfg.Session.ID = uuid.NewString()
		log4go.Info("[main] new session %s, start the other peer with --session %s", cfg.Session.ID, cfg.Session.ID)
	}
	if cfg.Session.PlayerID == "" {
		cfg.Session.PlayerID = uuid.NewString()
	}

	scfg := session.FromConfig(cfg)
	world := gridworld.New(gridworld.Config{})
	peer := session.New(scfg, world)

	relay, err := fallback.Dial(scfg.Relay, peer.RelayHandlers())
	if err != nil {
		return errors.Wrapf(err, "dial relay %s", scfg.Relay.Address)
	}

	newTransport := func(initiator bool, signaler p2p.Signaler, cb p2p.Callbacks) session.Transport {
		pcfg := scfg.P2P
		pcfg.Initiator = initiator
		return p2p.NewNegotiator(pcfg, signaler, cb)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	err = peer.Start(startCtx, relay, newTransport, cfg.Session.Seed)
	cancel()
	defer peer.Close()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(session.TickInterval(cfg.Session.TickRate))
	defer ticker.Stop()

	for ep := 0; ep < cfg.Session.Episodes; ep++ {
		if ep > 0 {
			if _, err := peer.Reset(ctx, cfg.Session.Seed+int64(ep)); err != nil {
				return errors.Wrapf(err, "reset episode %d", ep)
			}
		}
		for !peer.EpisodeOver() {
			select {
			case <-ctx.Done():
				log4go.Info("[main] quiting...")
				return nil
			case <-ticker.C:
			}
			action := rollback.Action(rng.Intn(int(gridworld.NumActions)))
			if _, err := peer.Tick(action); err != nil && !errors.Is(err, session.ErrEpisodeOver) {
				return err
			}
		}
		report(peer, world)
	}

	select {
	case <-peer.Done():
	case <-time.After(scfg.Episode.Timeout + time.Second):
	case <-ctx.Done():
	}
	return nil
}

func report(peer *session.Peer, world *gridworld.World) {
	s := peer.Stats()
	log4go.Info("[main] episode %d: frame=%d rollbacks=%d maxDepth=%d predicted=%d late=%d desync=%d/%d rtt=%v health=%s relayed=%d fellBack=%v",
		s.Episode, s.Frame, s.Engine.Rollbacks, s.Engine.MaxRollbackDepth, s.Engine.PredictedFrames,
		s.Engine.LateInputs, s.DesyncMismatch, s.DesyncMatches+s.DesyncMismatch, s.RTT, s.Health, s.Relayed, s.FellBack)
	log4go.Info("[main] score local=%d remote=%d", world.Score(peer.Engine().LocalID()), world.Score(peer.RemoteID()))
	if out, err := world.Render(); err == nil {
		log4go.Debug("[main] final grid\n%v", out)
	}
}
