package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/pkg/config"
	"github.com/hedon954/go-rollback-netplay/pkg/log4gox"
	"github.com/hedon954/go-rollback-netplay/server"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:           "relay_server",
		Short:         "Pairs netplay peers and relays their reliable traffic",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if err := log4gox.Setup(cfg.LogLevel); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
	cmd.Flags().String("udp", "", "udp listen address(':10086' means localhost:10086)")
	cmd.Flags().String("log", "", "log level: debug, info, warn, error")
	_ = v.BindPFlag("relay.address", cmd.Flags().Lookup("udp"))
	_ = v.BindPFlag("logLevel", cmd.Flags().Lookup("log"))

	return cmd
}

func run(cfg *config.Config) error {
	s, err := server.New(cfg.Relay.Address)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, os.Interrupt)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	log4go.Info("[main] relay listening on %s", s.Addr())
QUIT:
	for {
		select {
		case sig := <-sigs:
			log4go.Info("Signal: %s", sig.String())
			break QUIT
		case <-ticker.C:
			log4go.Info("[main] sessions=%d", s.RoomManager().RoomNum())
		}
	}
	log4go.Info("[main] quiting...")
	s.Stop()
	log4go.Close()
	return nil
}
