package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/tms"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return tms.Migrate(cmd.Context(), config)
		},
	}
	return cmd
}
