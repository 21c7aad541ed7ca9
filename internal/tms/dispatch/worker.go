package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/logging"
	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/common/util"
	"github.com/G-Research/tms/internal/tms/batch"
	"github.com/G-Research/tms/internal/tms/domain"
)

// Worker performs a single request. It runs as the job owner, either in a child process of the
// job server or in a process started over SSH on the target machine.
type Worker struct {
	backends batch.Resolver
}

func NewWorker(backends batch.Resolver) *Worker {
	return &Worker{backends: backends}
}

// Serve reads a request from in, writes the response to out and SuccessMessage or the error
// message to status. The returned value is the process exit code.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer, status io.Writer) int {
	steps, err := w.handle(ctx, in)
	if err == nil {
		err = errors.WithStack(json.NewEncoder(out).Encode(&Response{Steps: steps}))
	}
	if err != nil {
		logging.WithErrorCode(log.NewEntry(log.StandardLogger()), err).Error("Job worker failed")
		_ = json.NewEncoder(out).Encode(&Response{Error: tmserrors.FormatWire(err)})
		_, _ = io.WriteString(status, errors.Cause(err).Error())
		return int(tmserrors.CodeFromError(err))
	}
	_, _ = io.WriteString(status, SuccessMessage)
	return 0
}

func (w *Worker) handle(ctx context.Context, in io.Reader) ([]*domain.Job, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	logger := log.WithField("requestId", req.RequestId).WithField("jobId", req.Job.JobId)

	for k, v := range req.Env {
		if err := os.Setenv(k, v); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	// The request may carry its own HOME.
	homedir.Reset()

	backend, err := w.backends.Resolve(req.BatchType, req.BatchVersion)
	if err != nil {
		return nil, err
	}

	id := req.Job.BatchJobId
	if req.BatchType.IsCloud() {
		id = req.Job.VmId
	}
	switch req.Action {
	case ActionSubmit:
		logger.Infof("Submitting job to %s", req.BatchType)
		return w.submit(ctx, backend, req)
	case ActionQuery:
		logger.Debugf("Querying %s job %s", req.BatchType, id)
		status, err := backend.Query(ctx, id)
		if err != nil {
			return nil, err
		}
		queried := *req.Job
		queried.Status = status
		return []*domain.Job{&queried}, nil
	default:
		logger.Infof("Cancelling %s job %s", req.BatchType, id)
		if err := backend.Cancel(ctx, id); err != nil {
			return nil, err
		}
		cancelled := *req.Job
		cancelled.Status = domain.StatusCancelled
		return []*domain.Job{&cancelled}, nil
	}
}

func (w *Worker) submit(ctx context.Context, backend batch.Backend, req *Request) ([]*domain.Job, error) {
	scriptPath := req.ScriptPath
	if req.ScriptContent != "" {
		path, err := writeLocalScript(scriptPath, req.ScriptContent)
		if err != nil {
			return nil, err
		}
		scriptPath = path
	}

	if req.Job.OutputDir != "" {
		if err := os.MkdirAll(req.Job.OutputDir, 0o755); err != nil {
			return nil, errors.WithStack(&tmserrors.ErrSystem{Op: "mkdir", Path: req.Job.OutputDir, Err: err})
		}
	}

	if !req.BatchType.IsCloud() {
		path, err := copyFileToUserHome(scriptPath)
		if err != nil {
			return nil, err
		}
		scriptPath = path
	}

	opts, err := req.Options.SubmitOptions()
	if err != nil {
		return nil, err
	}
	return backend.Submit(ctx, scriptPath, opts)
}

// writeLocalScript materialises a relayed script under the temporary directory.
func writeLocalScript(originalPath string, content string) (string, error) {
	name := filepath.Base(originalPath)
	if originalPath == "" || name == "." || name == string(filepath.Separator) {
		name = "tms-job-" + util.NewShortId() + ".sh"
	}
	path := filepath.Join(os.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return "", errors.WithStack(&tmserrors.ErrSystem{Op: "write", Path: path, Err: err})
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return "", errors.WithStack(&tmserrors.ErrSystem{Op: "chmod", Path: path, Err: err})
	}
	return path, nil
}

// copyFileToUserHome copies the script into the home directory of the user running the worker.
func copyFileToUserHome(path string) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.WithStack(&tmserrors.ErrSystem{Op: "home", Err: err})
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.WithStack(&tmserrors.ErrSystem{Op: "read", Path: path, Err: err})
	}
	target := filepath.Join(home, filepath.Base(path))
	if target == path {
		return path, nil
	}
	if err := os.WriteFile(target, content, 0o755); err != nil {
		return "", errors.WithStack(&tmserrors.ErrSystem{Op: "write", Path: target, Err: err})
	}
	return target, nil
}
