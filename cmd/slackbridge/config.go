package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"slackbridge/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Print a config value (e.g. agent.timeoutSeconds); tokens are redacted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			redacted := config.Redacted(cfg)

			var val any = redacted
			if len(args) == 1 {
				if val, err = config.GetByPath(redacted, args[0]); err != nil {
					return err
				}
			}
			data, err := json.MarshalIndent(val, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	return cmd
}
