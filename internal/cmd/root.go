// Package cmd implements the kvass command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/b1tg/kvass/internal/config"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfg           *config.Config
	logger        *logging.Logger
	configFlag    string
	verboseFlag   bool
	jsonFlag      bool
	transportFlag string
	wsPathFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "kvass",
	Short: "Three-party TCP rendezvous relay",
	Long: `kvass - reach a service behind NAT through a public broker.

Run "kvass broker" on a reachable host, "kvass main" next to the service
and "kvass sub" wherever callers should connect.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		overrideString(cmd, "transport", (*string)(&loaded.Transport))
		overrideString(cmd, "ws-path", &loaded.WSPath)
		cfg = loaded

		level := logging.ParseLevel(cfg.LogLevel)
		if verboseFlag {
			level = logging.DebugLevel
		}

		format := logging.FormatConsole
		if jsonFlag {
			format = logging.FormatJSON
		}

		logger = logging.NewWithFormatOutput(level, format, cmd.ErrOrStderr())
		logger.Debug("Logger initialized",
			logging.String("level", level.String()),
			logging.String("format", map[logging.Format]string{
				logging.FormatConsole: "console",
				logging.FormatJSON:    "json",
			}[format]),
		)
		return nil
	},
}

func init() {
	// Disable default completion and help commands
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFlag, "config", "", "Path to a YAML config file")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose logging (debug level)")
	flags.BoolVar(&jsonFlag, "json", false, "Output logs in JSON format")
	flags.StringVar(&transportFlag, "transport", string(config.TransportTCP), "Transport between agents and broker (tcp, ws or quic)")
	flags.StringVar(&wsPathFlag, "ws-path", "/kvass", "HTTP path of the websocket endpoint")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GetLogger returns the global logger instance
func GetLogger() *logging.Logger {
	return logger
}

// GetConfig returns the global config instance
func GetConfig() *config.Config {
	return cfg
}

// signalContext is cancelled on SIGINT or SIGTERM, or when the command's own context ends
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// stopped maps an exit caused by ctx ending to success
func stopped(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
