package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/b1tg/kvass/internal/api"
	"github.com/b1tg/kvass/internal/config"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions registered with a running broker",
	Long: `List the Main agents currently registered with a broker, using the broker's
admin API (started with "kvass broker --admin").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := adminClient(cmd)
		resp, err := client.Sessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if resp.Count == 0 {
			cmd.Println("No sessions registered")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SESSION\tREMOTE\tREGISTERED")
		for _, s := range resp.Sessions {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.SessionID, s.RemoteAddr, humanize.RelTime(s.RegisteredAt, time.Now(), "ago", "from now"))
		}
		return w.Flush()
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict <id>",
	Short: "Evict a registered session from a running broker",
	Long: `Remove a session from the broker's registry and close its Main connection.
The Main agent will register again after its reconnect delay.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := config.ParseID(args[0])
		if err != nil {
			return &config.ConfigError{Problems: []string{err.Error()}}
		}

		if err := adminClient(cmd).Evict(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to evict session: %w", err)
		}
		cmd.Printf("Evicted session 0x%02x\n", id)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, evictCmd} {
		rootCmd.AddCommand(c)
		c.Flags().String("admin", "127.0.0.1:9090", "Address of the broker's admin API")
		c.Flags().Duration("timeout", 10*time.Second, "Timeout for each admin API request")
	}
}

// adminClient builds an API client from --admin, falling back to broker.admin
// from the config when the flag is not set
func adminClient(cmd *cobra.Command) *api.Client {
	addr, _ := cmd.Flags().GetString("admin")
	if !cmd.Flags().Changed("admin") && cfg.Broker.Admin != "" {
		addr = cfg.Broker.Admin
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	return api.NewClient(&api.Options{
		BaseURL:    addr,
		Timeout:    timeout,
		MaxRetries: 2,
		Logger:     logger,
	})
}
