package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/tms"
	"github.com/G-Research/tms/internal/tms/options"
)

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a job, every job of a user or every job of the machine",
		Long: `Cancels the job given by --jobId, or the jobs of the user given by --userId.
Administrators may pass "all" to either flag to cancel every active job on the machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobId, _ := cmd.Flags().GetString("jobId")
			userId, _ := cmd.Flags().GetString("userId")
			opts := options.New()
			if jobId != "" {
				opts.Set(options.JobId, jobId)
			}
			if userId != "" {
				opts.Set(options.UserId, userId)
			}
			return withJobServer(cmd, func(ctx context.Context, app *tms.App) error {
				ec, err := executionContext(ctx, cmd, app)
				if err != nil {
					return err
				}
				count, err := app.Server.CancelJob(ctx, ec, opts)
				if count > 0 {
					log.Infof("%d job(s) cancelled", count)
				}
				if err != nil {
					return err
				}
				if count == 0 {
					log.Info("No job to cancel")
				}
				return nil
			})
		},
	}
	addSessionFlags(cmd)
	cmd.Flags().String("jobId", "", "Job to cancel, or \"all\"")
	cmd.Flags().String("userId", "", "User whose jobs are cancelled, or \"all\"")
	return cmd
}
