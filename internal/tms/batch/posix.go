package batch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

// PosixBackend runs scripts directly on the local host, detached in their own session.
// The native job id is the pid of the session leader.
type PosixBackend struct {
	shell string
}

func NewPosixBackend() *PosixBackend {
	return &PosixBackend{shell: "/bin/sh"}
}

func (b *PosixBackend) Submit(_ context.Context, scriptPath string, opts options.SubmitOptions) ([]*domain.Job, error) {
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = filepath.Dir(scriptPath)
	}
	outputPath := defaultPath(opts.OutputPath, workingDir, scriptPath, ".out", "")
	errorPath := defaultPath(opts.ErrorPath, workingDir, scriptPath, ".err", "")

	stdout, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &tmserrors.ErrSystem{Op: "open", Path: outputPath, Err: err}
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(errorPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &tmserrors.ErrSystem{Op: "open", Path: errorPath, Err: err}
	}
	defer stderr.Close()

	// The job must outlive the request, so it is not bound to ctx.
	cmd := exec.Command(b.shell, scriptPath)
	cmd.Dir = workingDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, &tmserrors.ErrRuntime{Message: err.Error()}
	}
	pid := cmd.Process.Pid
	go func() {
		// Reap the job when it ends if this process is still around.
		_ = cmd.Wait()
	}()

	step := newStep(domain.Posix, scriptPath, opts)
	step.BatchJobId = strconv.Itoa(pid)
	step.JobWorkingDir = workingDir
	step.OutputPath = outputPath
	step.ErrorPath = errorPath
	step.Status = domain.StatusRunning
	log.WithField("batchType", domain.Posix.String()).Infof("Started %s as pid %d", scriptPath, pid)
	return []*domain.Job{step}, nil
}

func (b *PosixBackend) Cancel(_ context.Context, id string) error {
	pid, err := parsePid(id)
	if err != nil {
		return err
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return &tmserrors.ErrRuntime{Message: "cancelling process group " + id + ": " + err.Error()}
	}
	return nil
}

func (b *PosixBackend) Query(_ context.Context, id string) (domain.Status, error) {
	pid, err := parsePid(id)
	if err != nil {
		return domain.StatusUndefined, err
	}
	switch err := syscall.Kill(pid, 0); err {
	case nil, syscall.EPERM:
		return domain.StatusRunning, nil
	case syscall.ESRCH:
		return domain.StatusCompleted, nil
	default:
		return domain.StatusUndefined, &tmserrors.ErrRuntime{Message: err.Error()}
	}
}

func parsePid(id string) (int, error) {
	pid, err := strconv.Atoi(id)
	if err != nil || pid <= 0 {
		return 0, &tmserrors.ErrInvalidArgument{Name: "batchJobId", Value: id, Message: "expected a process id"}
	}
	return pid, nil
}
