// Package batch submits, cancels and queries jobs on batch schedulers and cloud backends.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

// Backend is the capability set every scheduler variant provides.
type Backend interface {
	// Submit submits the script and returns one job per resulting step.
	Submit(ctx context.Context, scriptPath string, opts options.SubmitOptions) ([]*domain.Job, error)
	// Cancel cancels the job with the given native id, or vm id for cloud backends.
	Cancel(ctx context.Context, id string) error
	Query(ctx context.Context, id string) (domain.Status, error)
}

// Runner runs an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.WithField("command", name).Debugf("Running %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), &tmserrors.ErrRuntime{
			Message:  fmt.Sprintf("%s failed: %v: %s", name, err, message),
			ExitCode: exitCode(err),
		}
	}
	return stdout.String(), nil
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 0
}

// newStep builds the job record of a freshly submitted step from the submit options.
func newStep(batchType domain.BatchType, scriptPath string, opts options.SubmitOptions) *domain.Job {
	job := domain.NewJob("")
	job.BatchType = batchType
	job.JobPath = scriptPath
	job.JobName = opts.Name
	job.JobQueue = opts.Queue
	job.WallClockLimit = opts.WallTime
	job.MemLimit = opts.Memory
	job.NbCpus = opts.NbCpu
	job.NbNodesAndCpuPerNode = opts.NbNodesAndCpuPerNode
	job.OutputPath = opts.OutputPath
	job.ErrorPath = opts.ErrorPath
	job.GroupName = opts.Group
	job.JobWorkingDir = opts.WorkingDir
	job.OutputDir = opts.OutputDir
	job.Status = domain.StatusSubmitted
	return job
}

// formatDuration renders seconds as hh:mm:ss.
func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
