package tms

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/domain"
)

func testConfig(t *testing.T) *configuration.JobServerConfiguration {
	dir := t.TempDir()
	return &configuration.JobServerConfiguration{
		MachineId:    "MA_1",
		BatchType:    domain.Posix,
		Standalone:   true,
		DatabaseType: "sqlite",
		DatabasePath: filepath.Join(dir, "db", "jobserver.db"),
		Worker:       configuration.WorkerConfiguration{Executable: "/bin/true"},
	}
}

func TestCheckConfig_FillsDefaults(t *testing.T) {
	config := testConfig(t)
	require.NoError(t, CheckConfig(config))

	assert.Equal(t, configuration.DefaultJobIdFormat, config.JobIdFormat)
	assert.Equal(t, configuration.DefaultScriptDir, config.ScriptDir)
	assert.Equal(t, configuration.DefaultVmUser, config.Cloud.VmUser)
	assert.Equal(t, 22, config.Ssh.Port)
}

func TestCheckConfig_Invalid(t *testing.T) {
	config := testConfig(t)
	config.MachineId = ""
	config.DatabaseType = "oracle"

	err := CheckConfig(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machineId must be set")
	assert.Contains(t, err.Error(), "databaseType must be sqlite or postgres")
}

func TestStartUp(t *testing.T) {
	config := testConfig(t)
	config.MetricsTextfile = filepath.Join(t.TempDir(), "tms.prom")
	app := New(config)
	require.NoError(t, app.StartUp(context.Background()))
	require.NotNil(t, app.Server)

	// The database is migrated but holds no machine yet.
	_, err := app.Server.NewExecutionContext(context.Background(), "key", "MA_1")
	assert.Equal(t, tmserrors.CodeUnknownMachine, tmserrors.CodeFromError(err))

	app.Close()
	content, err := os.ReadFile(config.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "log_messages")
}

func TestStartUp_RemoteDispatcherNeedsKey(t *testing.T) {
	config := testConfig(t)
	config.Standalone = false
	config.Ssh.WorkerCommand = "jobserver worker"
	config.Ssh.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
	config.MetricsTextfile = ""

	err := New(config).StartUp(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading ssh private key")
}

func TestMigrate(t *testing.T) {
	config := testConfig(t)
	require.NoError(t, Migrate(context.Background(), config))

	info, err := os.Stat(config.DatabasePath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	// Running again is a no-op.
	require.NoError(t, Migrate(context.Background(), config))
}
