package cmd

import (
	"time"

	"github.com/b1tg/kvass/internal/config"
	"github.com/spf13/cobra"
)

// The override helpers copy a flag into the loaded config only when it was
// set on the command line, so flags win over env and file without their
// defaults clobbering either.

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func overrideDuration(cmd *cobra.Command, name string, dst *time.Duration) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetDuration(name)
	}
}

func overrideBool(cmd *cobra.Command, name string, dst *bool) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetBool(name)
	}
}

func overrideFloat(cmd *cobra.Command, name string, dst *float64) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetFloat64(name)
	}
}

func overrideInt(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

func overrideID(cmd *cobra.Command, name string, dst *uint8) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	s, _ := cmd.Flags().GetString(name)
	id, err := config.ParseID(s)
	if err != nil {
		return &config.ConfigError{Problems: []string{"--" + name + ": " + err.Error()}}
	}
	*dst = id
	return nil
}
