package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms"
	"github.com/G-Research/tms/internal/tms/options"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <script>",
		Short: "Submit a job script to the machine's batch scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return errors.WithStack(&tmserrors.ErrSystem{Op: "read", Path: args[0], Err: err})
			}
			opts, err := submitOptions(cmd)
			if err != nil {
				return err
			}
			return withJobServer(cmd, func(ctx context.Context, app *tms.App) error {
				ec, err := executionContext(ctx, cmd, app)
				if err != nil {
					return err
				}
				jobId, err := app.Server.SubmitJob(ctx, ec, string(content), opts, app.Config.DefaultBatchOptions)
				if err != nil {
					return err
				}
				job, err := app.Server.GetJobInfo(ctx, jobId)
				if err != nil {
					return err
				}
				log.Infof("Job %s submitted", jobId)
				return printJSON(cmd, job)
			})
		},
	}
	addSessionFlags(cmd)
	cmd.Flags().String("options", "", "Submit options as a JSON object")
	cmd.Flags().String("name", "", "Job name")
	cmd.Flags().String("queue", "", "Scheduler queue")
	cmd.Flags().String("workingDir", "", "Working directory of the job")
	cmd.Flags().String("specificParams", "", "Scheduler specific directives, as space separated KEY=VALUE pairs")
	cmd.Flags().Bool("posix", false, "Treat the script as a POSIX job regardless of the machine's batch type")
	return cmd
}

func submitOptions(cmd *cobra.Command) (*options.Bag, error) {
	opts := options.New()
	if encoded, _ := cmd.Flags().GetString("options"); encoded != "" {
		decoded, err := options.Decode(encoded)
		if err != nil {
			return nil, err
		}
		opts = decoded
	}
	for flag, key := range map[string]string{
		"name":           "name",
		"queue":          "queue",
		"workingDir":     options.WorkingDir,
		"specificParams": options.SpecificParams,
	} {
		if value, _ := cmd.Flags().GetString(flag); value != "" {
			opts.Set(key, value)
		}
	}
	if posix, _ := cmd.Flags().GetBool("posix"); posix {
		opts.Set(options.Posix, 1)
	}
	return opts, nil
}
