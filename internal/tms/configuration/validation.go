package configuration

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/G-Research/tms/internal/tms/domain"
)

const (
	DefaultJobIdFormat = "J_$CPT"
	DefaultScriptDir   = "/tmp"
	DefaultVmUser      = "root"
)

// Environment variables read by cloud backends. They take precedence over the configuration file.
const (
	CloudEndpointEnv      = "VISHNU_CLOUD_ENDPOINT"
	CloudUserEnv          = "VISHNU_CLOUD_USER"
	CloudPasswordEnv      = "VISHNU_CLOUD_USER_PASSWORD"
	CloudVmImageEnv       = "VISHNU_CLOUD_VM_IMAGE"
	CloudVmFlavorEnv      = "VISHNU_CLOUD_DEFAULT_FLAVOR"
	CloudVmUserEnv        = "VISHNU_CLOUD_VM_USER"
	CloudVmUserKeyEnv     = "VISHNU_CLOUD_VM_USER_KEY"
	CloudNfsServerEnv     = "VISHNU_CLOUD_NFS_SERVER"
	CloudNfsMountPointEnv = "VISHNU_CLOUD_NFS_MOUNT_POINT"
)

// ApplyEnvironment overlays the cloud environment variables and fills defaults.
func (c *JobServerConfiguration) ApplyEnvironment() {
	overrides := []struct {
		env    string
		target *string
	}{
		{CloudEndpointEnv, &c.Cloud.Endpoint},
		{CloudUserEnv, &c.Cloud.User},
		{CloudPasswordEnv, &c.Cloud.Password},
		{CloudVmImageEnv, &c.Cloud.VmImage},
		{CloudVmFlavorEnv, &c.Cloud.VmFlavor},
		{CloudVmUserEnv, &c.Cloud.VmUser},
		{CloudVmUserKeyEnv, &c.Cloud.VmUserKey},
		{CloudNfsServerEnv, &c.Cloud.NfsServer},
		{CloudNfsMountPointEnv, &c.Cloud.NfsMountPoint},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.env); ok && value != "" {
			*o.target = value
		}
	}
	if c.Cloud.VmUser == "" {
		c.Cloud.VmUser = DefaultVmUser
	}
	if c.JobIdFormat == "" {
		c.JobIdFormat = DefaultJobIdFormat
	}
	if c.ScriptDir == "" {
		c.ScriptDir = DefaultScriptDir
	}
	if c.Ssh.Port == 0 {
		c.Ssh.Port = 22
	}
}

// Validate reports every configuration problem at once.
func (c *JobServerConfiguration) Validate() error {
	var result *multierror.Error
	if c.MachineId == "" {
		result = multierror.Append(result, fmt.Errorf("machineId must be set"))
	}
	if c.BatchType == domain.UndefinedBatchType {
		result = multierror.Append(result, fmt.Errorf("batchType must be set"))
	}
	if len(c.DefaultBatchOptions)%2 != 0 {
		result = multierror.Append(result, fmt.Errorf("defaultBatchOptions must hold key/value pairs, got %d entries", len(c.DefaultBatchOptions)))
	}
	switch strings.ToLower(c.DatabaseType) {
	case "sqlite":
		if c.DatabasePath == "" {
			result = multierror.Append(result, fmt.Errorf("databasePath must be set for sqlite"))
		}
	case "postgres":
		if len(c.PostgresConfig.Connection) == 0 {
			result = multierror.Append(result, fmt.Errorf("postgresConfig.connection must be set for postgres"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("databaseType must be sqlite or postgres, got %q", c.DatabaseType))
	}
	if !c.Standalone && c.Ssh.WorkerCommand == "" {
		result = multierror.Append(result, fmt.Errorf("ssh.workerCommand must be set when standalone is false"))
	}
	if c.BatchType.IsCloud() && c.Cloud.Endpoint == "" {
		result = multierror.Append(result, fmt.Errorf("cloud endpoint must be set for %s, see %s", c.BatchType, CloudEndpointEnv))
	}
	return result.ErrorOrNil()
}
