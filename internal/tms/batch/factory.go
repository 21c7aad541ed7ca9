package batch

import (
	"net/http"
	"strings"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/domain"
)

// Resolver maps a batch type and version to a backend.
type Resolver interface {
	Resolve(batchType domain.BatchType, version string) (Backend, error)
}

// Supported scheduler versions. A configured version matches an entry when it is equal to it or
// extends it with a dot, so "2.5.1" matches "2.5" and "3.4" matches "3".
var supportedVersions = map[domain.BatchType][]string{
	domain.Torque:      {"2.3"},
	domain.PbsPro:      {"10.4"},
	domain.Slurm:       {"2.2", "2.3", "2.4", "2.5", "2.6", "14.11", "15.08", "16.05"},
	domain.Lsf:         {"7.0"},
	domain.Sge:         {"11"},
	domain.LoadLeveler: {"2.5", "3"},
}

var commandSpecs = map[domain.BatchType]func() CommandSpec{
	domain.Torque:      TorqueSpec,
	domain.PbsPro:      PbsProSpec,
	domain.Slurm:       SlurmSpec,
	domain.Lsf:         LsfSpec,
	domain.Sge:         SgeSpec,
	domain.LoadLeveler: LoadLevelerSpec,
}

type Factory struct {
	runner     Runner
	cloud      configuration.CloudConfiguration
	httpClient *http.Client
}

func NewFactory(runner Runner, cloud configuration.CloudConfiguration, httpClient *http.Client) *Factory {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Factory{runner: runner, cloud: cloud, httpClient: httpClient}
}

func (f *Factory) Resolve(batchType domain.BatchType, version string) (Backend, error) {
	switch batchType {
	case domain.Posix:
		return NewPosixBackend(), nil
	case domain.OpenNebula:
		return NewOpenNebulaBackend(f.cloud, f.runner), nil
	case domain.Deltacloud:
		return NewDeltacloudBackend(f.cloud, f.httpClient), nil
	}
	spec, ok := commandSpecs[batchType]
	if !ok {
		return nil, &tmserrors.ErrBackendUnavailable{BatchType: batchType.String(), Version: version}
	}
	if !versionSupported(supportedVersions[batchType], version) {
		return nil, &tmserrors.ErrBackendUnavailable{
			BatchType: batchType.String(),
			Version:   version,
			Message:   "supported versions: " + strings.Join(supportedVersions[batchType], ", "),
		}
	}
	return NewCommandBackend(spec(), f.runner), nil
}

func versionSupported(supported []string, version string) bool {
	version = strings.TrimSpace(version)
	for _, v := range supported {
		if version == v || strings.HasPrefix(version, v+".") {
			return true
		}
	}
	return false
}
