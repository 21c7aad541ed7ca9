package tms

import (
	"context"
	"net/http"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	commonconfig "github.com/G-Research/tms/internal/common/config"
	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/common/util"
	"github.com/G-Research/tms/internal/tms/batch"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/metrics"
	"github.com/G-Research/tms/internal/tms/repository"
	"github.com/G-Research/tms/internal/tms/server"
	"github.com/G-Research/tms/internal/tms/session"
)

// Arguments appended to the worker executable by the local dispatcher.
var workerArgs = []string{"worker", "--status-fd", "3"}

type App struct {
	Config *configuration.JobServerConfiguration
	Server *server.JobServer

	db database.Database
}

func New(config *configuration.JobServerConfiguration) *App {
	return &App{Config: config}
}

// CheckConfig fills defaults from the environment and returns a non-nil error if the
// configuration cannot be used.
func CheckConfig(config *configuration.JobServerConfiguration) error {
	config.ApplyEnvironment()
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return errors.Wrap(err, "invalid job server configuration")
	}
	return nil
}

// StartUp opens the job database, brings its schema up to date and assembles the job server.
func (a *App) StartUp(ctx context.Context) error {
	if err := CheckConfig(a.Config); err != nil {
		return err
	}
	logger := log.WithField("JobServer", "StartUp")
	if err := metrics.CountLogMessages(); err != nil {
		logger.WithError(err).Warn("Log messages will not be counted")
	}

	db, err := openDatabase(ctx, a.Config)
	if err != nil {
		return err
	}
	a.db = db

	local, err := newLocalDispatcher(a.Config)
	if err != nil {
		a.Close()
		return err
	}
	var remote dispatch.Dispatcher
	if !a.Config.Standalone {
		sshDispatcher, err := dispatch.NewSSHDispatcher(a.Config.Ssh)
		if err != nil {
			a.Close()
			return err
		}
		remote = sshDispatcher
	}

	a.Server = server.NewJobServer(
		a.Config,
		session.NewSQLProvider(db, a.Config.SessionCacheTTL),
		repository.NewSQLJobRepository(db, a.Config.JobIdFormat, clock.RealClock{}),
		NewBackendFactory(a.Config.Cloud),
		local,
		remote,
	)
	logger.WithField("machineId", a.Config.MachineId).
		WithField("batchType", a.Config.BatchType).
		WithField("standalone", a.Config.Standalone).
		Debug("Job server ready")
	return nil
}

// Close releases the database and writes the metrics collected by this process.
func (a *App) Close() {
	if a.db != nil {
		util.CloseResource("job database", a.db)
		a.db = nil
	}
	if err := metrics.WriteToTextfile(a.Config.MetricsTextfile); err != nil {
		log.WithError(err).Warnf("Failed to write metrics to %s", a.Config.MetricsTextfile)
	}
}

// Migrate applies the job server schema migrations.
func Migrate(ctx context.Context, config *configuration.JobServerConfiguration) error {
	if err := CheckConfig(config); err != nil {
		return err
	}
	db, err := openDatabase(ctx, config)
	if err != nil {
		return err
	}
	return errors.WithStack(db.Close())
}

// NewBackendFactory returns the resolver used by job workers.
func NewBackendFactory(cloud configuration.CloudConfiguration) *batch.Factory {
	return batch.NewFactory(batch.ExecRunner{}, cloud, http.DefaultClient)
}

func openDatabase(ctx context.Context, config *configuration.JobServerConfiguration) (database.Database, error) {
	db, err := database.Open(config.DatabaseType, config.DatabasePath, config.PostgresConfig)
	if err != nil {
		return nil, err
	}
	migrations, err := database.JobServerMigrations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newLocalDispatcher(config *configuration.JobServerConfiguration) (*dispatch.LocalDispatcher, error) {
	executable := config.Worker.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locating the job server executable")
		}
		executable = self
	}
	return dispatch.NewLocalDispatcher(executable, workerArgs...)
}
