package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbusmq/broker/internal/config"
	"github.com/nimbusmq/broker/internal/logging"
	"github.com/nimbusmq/broker/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the broker and block until SIGINT/SIGTERM",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{JSON: cfg.LogJSON, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	srv, err := server.Build(log, cfg)
	if err != nil {
		return err
	}

	if err := srv.WatchConfig(cfgFile); err != nil {
		log.Warnw("broker: config hot-reload watch not started", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("broker: starting",
		"tcp_port", cfg.Network.TCPPort,
		"tls_port", cfg.Network.TLSPort,
		"websocket_port", cfg.Network.WebSocketPort,
		"storage_backend", cfg.Storage.Backend,
	)
	return srv.Run(ctx)
}
