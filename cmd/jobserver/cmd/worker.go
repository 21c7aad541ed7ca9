package cmd

import (
	"context"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/common"
	"github.com/G-Research/tms/internal/tms"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/dispatch"
)

// workerCmd is the child side of both dispatch strategies. It is started by the job server, or
// over ssh on the target machine, already running as the job owner.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Perform a single request read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			statusFd, _ := cmd.Flags().GetInt("status-fd")
			common.ConfigureLogging()

			status := os.Stderr
			if statusFd != int(os.Stderr.Fd()) {
				status = os.NewFile(uintptr(statusFd), "status")
				// Jobs started detached by the backend must not keep the pipe open.
				syscall.CloseOnExec(statusFd)
			}

			// Cloud backends are configured through the environment only, so that remote workers
			// do not need a configuration file.
			var config configuration.JobServerConfiguration
			config.ApplyEnvironment()

			worker := dispatch.NewWorker(tms.NewBackendFactory(config.Cloud))
			code := worker.Serve(context.Background(), os.Stdin, os.Stdout, status)
			_ = status.Close()
			os.Exit(code)
		},
	}
	cmd.Flags().Int("status-fd", dispatch.StatusFd, "File descriptor the request status is written to")
	return cmd
}
