package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms"
	"github.com/G-Research/tms/internal/tms/domain"
)

// withJobServer starts the job server described by the command's configuration, runs action and
// shuts the server down again. The context is cancelled on SIGINT and SIGTERM.
func withJobServer(cmd *cobra.Command, action func(ctx context.Context, app *tms.App) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := tms.New(config)
	if err := app.StartUp(ctx); err != nil {
		return err
	}
	defer app.Close()
	return action(ctx, app)
}

// executionContext authenticates the caller named by the session flags.
func executionContext(ctx context.Context, cmd *cobra.Command, app *tms.App) (*domain.ExecutionContext, error) {
	sessionKey, _ := cmd.Flags().GetString(sessionKeyFlag)
	if sessionKey == "" {
		sessionKey = os.Getenv(sessionKeyEnvName)
	}
	if sessionKey == "" {
		return nil, errors.WithStack(&tmserrors.ErrUnauthenticated{Message: "no session key given"})
	}
	machineId, _ := cmd.Flags().GetString(machineIdFlag)
	if machineId == "" {
		machineId = app.Config.MachineId
	}
	return app.Server.NewExecutionContext(ctx, sessionKey, machineId)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return errors.WithStack(encoder.Encode(v))
}
