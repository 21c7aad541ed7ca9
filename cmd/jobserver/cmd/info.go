package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/tms"
)

const refreshFlag = "refresh"

func infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <jobId>",
		Short: "Print the stored record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refresh, err := cmd.Flags().GetBool(refreshFlag)
			if err != nil {
				return err
			}
			return withJobServer(cmd, func(ctx context.Context, app *tms.App) error {
				if !refresh {
					job, err := app.Server.GetJobInfo(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd, job)
				}
				ec, err := executionContext(ctx, cmd, app)
				if err != nil {
					return err
				}
				job, err := app.Server.RefreshJobStatus(ctx, ec, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
	cmd.Flags().Bool(refreshFlag, false, "Ask the scheduler for the current state of the job before printing it")
	addSessionFlags(cmd)
	return cmd
}

func stepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps <jobId>",
		Short: "Print the steps a job was split into by its scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobServer(cmd, func(ctx context.Context, app *tms.App) error {
				steps, err := app.Server.GetJobStepInfo(ctx, args[0])
				if err != nil {
					return err
				}
				for _, step := range steps {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", step.JobId, step.BatchJobId, step.Status)
				}
				return nil
			})
		},
	}
	return cmd
}
