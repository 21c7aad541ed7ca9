package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/common"
	"github.com/G-Research/tms/internal/common/config"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/domain"
)

const (
	configDirFlag     = "configDir"
	configFlag        = "config"
	defaultConfigDir  = "./config/jobserver"
	sessionKeyFlag    = "sessionKey"
	machineIdFlag     = "machineId"
	sessionKeyEnvName = "VISHNU_SESSION_KEY"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jobserver",
		Short:         "jobserver submits and cancels jobs on the batch schedulers of a grid machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(configDirFlag, defaultConfigDir, "Directory holding the base config.yaml")
	cmd.PersistentFlags().StringSlice(configFlag, []string{}, "Fully qualified paths to application configuration files (for multiple config files repeat this arg or separate paths with commas)")
	common.BindCommandlineArguments()

	cmd.AddCommand(
		submitCmd(),
		cancelCmd(),
		infoCmd(),
		stepsCmd(),
		migrateCmd(),
		workerCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (*configuration.JobServerConfiguration, error) {
	configDir, err := cmd.Flags().GetString(configDirFlag)
	if err != nil {
		return nil, err
	}
	overrides, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, err
	}
	var c configuration.JobServerConfiguration
	common.LoadConfig(&c, configDir, overrides, config.StringParserHook(domain.ParseBatchType))
	return &c, nil
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String(sessionKeyFlag, "", "Session key of the caller (defaults to $"+sessionKeyEnvName+")")
	cmd.Flags().String(machineIdFlag, "", "Machine the request targets (defaults to the configured machine)")
}
