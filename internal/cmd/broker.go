package cmd

import (
	"fmt"
	"net"

	"github.com/b1tg/kvass/broker"
	brokerhttp "github.com/b1tg/kvass/broker/http"
	"github.com/b1tg/kvass/broker/registry"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/metrics"
	"github.com/spf13/cobra"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the rendezvous broker",
	Long: `Run the rendezvous broker. Main agents register a session id with it and
callers are paired with the registered Main for their target id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBroker(cmd)
	},
}

func init() {
	rootCmd.AddCommand(brokerCmd)

	flags := brokerCmd.Flags()
	flags.String("listen", "0.0.0.0:4321", "Address to accept agents on")
	flags.String("admin", "", "Address for the admin HTTP server (disabled when empty)")
	flags.String("duplicate-policy", "replace", "What to do when an id registers twice (replace or reject)")
	flags.Duration("handshake-timeout", 0, "Deadline for reading a handshake (default 10s)")
	flags.Duration("data-conn-timeout", 0, "How long a paired caller may take to open its data connection (default 10s)")
	flags.Duration("splice-idle-timeout", 0, "Tear down pairings idle for this long (0 disables)")
	flags.Bool("half-close", true, "Forward end-of-stream through a pairing (false closes both directions on the first one)")
	flags.Float64("handshake-rate", 0, "Maximum handshakes per second (0 disables)")
	flags.Int("handshake-burst", 0, "Handshake rate limiter burst")
}

func runBroker(cmd *cobra.Command) error {
	bc := &cfg.Broker
	overrideString(cmd, "listen", &bc.Listen)
	overrideString(cmd, "admin", &bc.Admin)
	overrideString(cmd, "duplicate-policy", &bc.DuplicatePolicy)
	overrideDuration(cmd, "handshake-timeout", &bc.HandshakeTimeout)
	overrideDuration(cmd, "data-conn-timeout", &bc.DataConnTimeout)
	overrideDuration(cmd, "splice-idle-timeout", &bc.SpliceIdleTimeout)
	overrideBool(cmd, "half-close", &bc.HalfClose)
	overrideFloat(cmd, "handshake-rate", &bc.HandshakeRate)
	overrideInt(cmd, "handshake-burst", &bc.HandshakeBurst)

	if err := cfg.ValidateBroker(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	m := metrics.New()
	reg := registry.New(&registry.Options{
		Policy:   registry.Policy(bc.DuplicatePolicy),
		Logger:   logger,
		OnChange: m.SetSessions,
	})

	ln, err := listen(cfg, bc.Listen)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	adminErrors := make(chan error, 1)
	if bc.Admin != "" {
		adminLn, err := net.Listen("tcp", bc.Admin)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		admin := brokerhttp.NewServer(&brokerhttp.Options{
			Registry: reg,
			Metrics:  m,
			Logger:   logger,
		})
		go func() {
			adminErrors <- admin.Run(ctx, adminLn)
		}()
	}

	cmd.Printf("Broker listening on %s (%s)\n", ln.Addr(), cfg.Transport)
	logger.Info("Broker starting",
		logging.String("listen", ln.Addr()),
		logging.String("transport", cfg.Transport.String()),
		logging.String("duplicate_policy", bc.DuplicatePolicy))

	server := broker.NewServer(&broker.Options{
		Registry:          reg,
		Metrics:           m,
		Logger:            logger,
		HandshakeTimeout:  bc.HandshakeTimeout,
		DataConnTimeout:   bc.DataConnTimeout,
		SpliceIdleTimeout: bc.SpliceIdleTimeout,
		FullClose:         !bc.HalfClose,
		HandshakeRate:     bc.HandshakeRate,
		HandshakeBurst:    bc.HandshakeBurst,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, ln)
	}()

	select {
	case err = <-serveErr:
	case err = <-adminErrors:
		stop()
		<-serveErr
		if err != nil {
			err = fmt.Errorf("admin server: %w", err)
		}
	}
	_ = ln.Close()

	cmd.Println("Broker stopped")
	return stopped(ctx, err)
}
