package cmd

import (
	"fmt"

	"github.com/b1tg/kvass/agent/caller"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/relay"
	"github.com/spf13/cobra"
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Accept local connections and forward them to a registered Main",
	Long: `Listen locally and forward each accepted connection through the broker to
the Main registered under the target id. While the target is not registered
the agent retries every retry-delay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSub(cmd)
	},
}

func init() {
	rootCmd.AddCommand(subCmd)

	flags := subCmd.Flags()
	flags.String("broker", "127.0.0.1:4321", "Broker address")
	flags.String("proxy", "", "SOCKS5 proxy to reach the broker through (socks5://host:port)")
	flags.String("bind", "127.0.0.1:4444", "Local address to accept connections on")
	flags.String("id", "0x30", "Id of this caller (0-255, decimal or 0x hex)")
	flags.String("target", "0x31", "Session id of the Main to reach")
	flags.Duration("retry-delay", 0, "Pause between rejected negotiations (default 1s)")
	flags.Duration("splice-idle-timeout", 0, "Tear down pairings idle for this long (0 disables)")
	flags.Bool("half-close", true, "Forward end-of-stream from local clients (false closes both directions on the first one)")
}

func runSub(cmd *cobra.Command) error {
	sc := &cfg.Sub
	overrideString(cmd, "broker", &sc.Broker)
	overrideString(cmd, "proxy", &sc.Proxy)
	overrideString(cmd, "bind", &sc.Bind)
	overrideDuration(cmd, "retry-delay", &sc.RetryDelay)
	overrideDuration(cmd, "splice-idle-timeout", &sc.SpliceIdleTimeout)
	overrideBool(cmd, "half-close", &sc.HalfClose)
	if err := overrideID(cmd, "id", &sc.ID); err != nil {
		return err
	}
	if err := overrideID(cmd, "target", &sc.Target); err != nil {
		return err
	}

	if err := cfg.ValidateSub(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	local, err := relay.ListenTCP(sc.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind local listener: %w", err)
	}
	defer func() {
		_ = local.Close()
	}()

	cmd.Printf("Forwarding %s to session 0x%02x via %s\n", local.Addr(), sc.Target, sc.Broker)
	logger.Info("Caller agent starting",
		logging.String("broker", sc.Broker),
		logging.String("bind", local.Addr()),
		logging.Hex("target", sc.Target))

	agent := caller.New(&caller.Options{
		Broker:            brokerDialer(cfg, sc.Broker, sc.Proxy, sc.DialTimeout),
		Local:             local,
		ID:                sc.ID,
		Target:            sc.Target,
		RetryDelay:        sc.RetryDelay,
		SpliceIdleTimeout: sc.SpliceIdleTimeout,
		FullClose:         !sc.HalfClose,
		Logger:            logger,
	})
	return stopped(ctx, agent.Run(ctx))
}
