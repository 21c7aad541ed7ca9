package configuration

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/tms/internal/tms/domain"
)

func validConfig() *JobServerConfiguration {
	return &JobServerConfiguration{
		MachineId:    "machine_1",
		BatchType:    domain.Torque,
		Standalone:   true,
		DatabaseType: "sqlite",
		DatabasePath: "/tmp/tms.db",
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	config := &JobServerConfiguration{
		BatchType:           domain.UndefinedBatchType,
		DefaultBatchOptions: []string{"-q"},
		DatabaseType:        "mysql",
	}
	err := config.Validate()
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 5)
}

func TestValidate_CloudNeedsEndpoint(t *testing.T) {
	config := validConfig()
	config.BatchType = domain.Deltacloud
	assert.Error(t, config.Validate())

	config.Cloud.Endpoint = "http://localhost:3001/api"
	assert.NoError(t, config.Validate())
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv(CloudVmUserEnv, "ubuntu")
	t.Setenv(CloudNfsMountPointEnv, "/mnt/nfs")

	config := validConfig()
	config.Cloud.VmUser = "centos"
	config.ApplyEnvironment()

	assert.Equal(t, "ubuntu", config.Cloud.VmUser)
	assert.Equal(t, "/mnt/nfs", config.Cloud.NfsMountPoint)
	assert.Equal(t, DefaultJobIdFormat, config.JobIdFormat)
	assert.Equal(t, DefaultScriptDir, config.ScriptDir)
	assert.Equal(t, 22, config.Ssh.Port)
}

func TestApplyEnvironment_DefaultVmUser(t *testing.T) {
	t.Setenv(CloudVmUserEnv, "")
	config := validConfig()
	config.ApplyEnvironment()
	assert.Equal(t, DefaultVmUser, config.Cloud.VmUser)
}
