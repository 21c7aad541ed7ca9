package batch

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

var (
	vmIdPattern  = regexp.MustCompile(`VM ID:\s*(\d+)`)
	vmIpPattern  = regexp.MustCompile(`ETH0_IP="?([0-9a-fA-F.:]+)"?`)
	vmStateRegex = regexp.MustCompile(`(?m)^(STATE|LCM_STATE)\s*:\s*(\S+)`)
)

// OpenNebulaBackend starts one virtual machine per job through the OpenNebula command line tools.
// The script runs as the VM start script.
type OpenNebulaBackend struct {
	cloud  configuration.CloudConfiguration
	runner Runner
}

func NewOpenNebulaBackend(cloud configuration.CloudConfiguration, runner Runner) *OpenNebulaBackend {
	return &OpenNebulaBackend{cloud: cloud, runner: runner}
}

func (b *OpenNebulaBackend) authArgs() []string {
	var args []string
	if b.cloud.Endpoint != "" {
		args = append(args, "--endpoint", b.cloud.Endpoint)
	}
	if b.cloud.User != "" {
		args = append(args, "--user", b.cloud.User, "--password", b.cloud.Password)
	}
	return args
}

func (b *OpenNebulaBackend) Submit(ctx context.Context, scriptPath string, opts options.SubmitOptions) ([]*domain.Job, error) {
	if b.cloud.VmImage == "" {
		return nil, &tmserrors.ErrInvalidArgument{Name: configuration.CloudVmImageEnv, Message: "no VM template configured"}
	}
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, &tmserrors.ErrSystem{Op: "read", Path: scriptPath, Err: err}
	}
	name := opts.Name
	if name == "" {
		name = "vishnu-" + os.Getenv("VISHNU_JOB_ID")
	}
	contextVars := []string{
		"START_SCRIPT_BASE64=" + base64.StdEncoding.EncodeToString(content),
		"USERNAME=" + b.cloud.VmUser,
	}
	if b.cloud.VmUserKey != "" {
		contextVars = append(contextVars, "SSH_PUBLIC_KEY="+b.cloud.VmUserKey)
	}
	if b.cloud.NfsServer != "" {
		contextVars = append(contextVars, fmt.Sprintf("NFS_SERVER=%s,NFS_MOUNT_POINT=%s", b.cloud.NfsServer, b.cloud.NfsMountPoint))
	}
	args := append([]string{"instantiate", b.cloud.VmImage, "--name", name, "--context", strings.Join(contextVars, ",")}, b.authArgs()...)
	output, err := b.runner.Run(ctx, "", "onetemplate", args...)
	if err != nil {
		return nil, err
	}
	match := vmIdPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, &tmserrors.ErrRuntime{Message: "unable to read the VM id from onetemplate output: " + strings.TrimSpace(output)}
	}

	step := newStep(domain.OpenNebula, scriptPath, opts)
	step.VmId = match[1]
	step.BatchJobId = match[1]
	step.Owner = b.cloud.VmUser
	if show, err := b.runner.Run(ctx, "", "onevm", append([]string{"show", step.VmId}, b.authArgs()...)...); err == nil {
		if ip := vmIpPattern.FindStringSubmatch(show); ip != nil {
			step.VmIp = ip[1]
		}
	} else {
		log.WithError(err).Warnf("Unable to read the address of VM %s", step.VmId)
	}
	return []*domain.Job{step}, nil
}

func (b *OpenNebulaBackend) Cancel(ctx context.Context, id string) error {
	_, err := b.runner.Run(ctx, "", "onevm", append([]string{"terminate", id}, b.authArgs()...)...)
	return errors.WithMessagef(err, "terminating VM %s", id)
}

func (b *OpenNebulaBackend) Query(ctx context.Context, id string) (domain.Status, error) {
	output, err := b.runner.Run(ctx, "", "onevm", append([]string{"show", id}, b.authArgs()...)...)
	if err != nil {
		return domain.StatusUndefined, err
	}
	states := map[string]string{}
	for _, m := range vmStateRegex.FindAllStringSubmatch(output, -1) {
		states[m[1]] = m[2]
	}
	switch states["STATE"] {
	case "PENDING", "HOLD":
		return domain.StatusQueued, nil
	case "ACTIVE":
		if states["LCM_STATE"] == "RUNNING" {
			return domain.StatusRunning, nil
		}
		return domain.StatusWaiting, nil
	case "STOPPED", "SUSPENDED", "POWEROFF", "UNDEPLOYED":
		return domain.StatusWaiting, nil
	case "DONE":
		return domain.StatusCompleted, nil
	case "FAILED":
		return domain.StatusFailed, nil
	default:
		return domain.StatusUndefined, nil
	}
}
