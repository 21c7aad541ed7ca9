package configuration

import (
	"time"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/tms/domain"
)

type SshConfiguration struct {
	Port           int
	PrivateKeyPath string
	// known_hosts file used to verify remote machines; host keys are not checked when empty
	KnownHostsPath string
	// Command started on the remote machine; it must speak the worker protocol on stdin/stdout
	WorkerCommand string
	Timeout       time.Duration
}

type WorkerConfiguration struct {
	// Executable re-executed with the hidden worker command. Defaults to the running binary.
	Executable string
}

type CloudConfiguration struct {
	Endpoint      string
	User          string
	Password      string
	VmImage       string
	VmFlavor      string
	VmUser        string
	VmUserKey     string
	NfsServer     string
	NfsMountPoint string
}

type JobServerConfiguration struct {
	// Machine this server submits to; requests naming another machine are rejected
	MachineId    string
	BatchType    domain.BatchType
	BatchVersion string
	// Run jobs on this host with privilege separation rather than relaying them over SSH
	Standalone bool
	// Keep temporary job scripts
	Debug bool

	// Format of generated job ids. Supports $CPT, $MACHINE, $YEAR, $MONTH and $DAY
	JobIdFormat string
	// Directory temporary job scripts are written to
	ScriptDir string
	// Alternating directive keys and values merged into every submitted script
	DefaultBatchOptions []string

	// Type of database used - must be either 'postgres' or 'sqlite'
	DatabaseType string
	// Absolute or relative path for sqlite database and must include the db name
	// This field is only read when DatabaseType is 'sqlite'
	DatabasePath string
	// Configuration details for using a Postgres database; this field is
	// ignored if the DatabaseType above is not 'postgres'
	PostgresConfig database.PostgresConfig

	Ssh    SshConfiguration
	Worker WorkerConfiguration
	Cloud  CloudConfiguration

	SessionCacheTTL time.Duration
	// node-exporter textfile metrics are written to after each command; disabled when empty
	MetricsTextfile string
}
