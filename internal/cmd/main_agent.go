package cmd

import (
	"github.com/b1tg/kvass/agent/backend"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/relay"
	"github.com/spf13/cobra"
)

var mainCmd = &cobra.Command{
	Use:   "main",
	Short: "Expose a backend service through the broker",
	Long: `Register a session id with the broker and splice every pairing to the
backend service. The agent registers again after each pairing and keeps
retrying while the broker is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMain(cmd)
	},
}

func init() {
	rootCmd.AddCommand(mainCmd)

	flags := mainCmd.Flags()
	flags.String("broker", "127.0.0.1:4321", "Broker address")
	flags.String("proxy", "", "SOCKS5 proxy to reach the broker through (socks5://host:port)")
	flags.String("backend", "127.0.0.1:3389", "Address of the service to expose")
	flags.String("id", "0x31", "Session id to register (0-255, decimal or 0x hex)")
	flags.Duration("reconnect-delay", 0, "Pause before retrying after a failure (default 1s)")
	flags.Duration("splice-idle-timeout", 0, "Tear down pairings idle for this long (0 disables)")
	flags.Bool("half-close", true, "Forward end-of-stream to the backend (false closes both directions on the first one)")
}

func runMain(cmd *cobra.Command) error {
	mc := &cfg.Main
	overrideString(cmd, "broker", &mc.Broker)
	overrideString(cmd, "proxy", &mc.Proxy)
	overrideString(cmd, "backend", &mc.Backend)
	overrideDuration(cmd, "reconnect-delay", &mc.ReconnectDelay)
	overrideDuration(cmd, "splice-idle-timeout", &mc.SpliceIdleTimeout)
	overrideBool(cmd, "half-close", &mc.HalfClose)
	if err := overrideID(cmd, "id", &mc.ID); err != nil {
		return err
	}

	if err := cfg.ValidateMain(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	cmd.Printf("Exposing %s as session 0x%02x via %s\n", mc.Backend, mc.ID, mc.Broker)
	logger.Info("Main agent starting",
		logging.String("broker", mc.Broker),
		logging.String("backend", mc.Backend),
		logging.Hex("session_id", mc.ID))

	agent := backend.New(&backend.Options{
		Broker:            brokerDialer(cfg, mc.Broker, mc.Proxy, mc.DialTimeout),
		Backend:           &relay.TCPDialer{Address: mc.Backend, Timeout: mc.DialTimeout},
		ID:                mc.ID,
		ReconnectDelay:    mc.ReconnectDelay,
		SpliceIdleTimeout: mc.SpliceIdleTimeout,
		FullClose:         !mc.HalfClose,
		Logger:            logger,
	})
	return stopped(ctx, agent.Run(ctx))
}
