package dispatch

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/batch"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

// fakeBackend returns one step per line starting with "step" in the script, and fails scripts
// containing "fail".
type fakeBackend struct {
	mu        sync.Mutex
	submitted []string
	cancelled []string
	queried   []string
}

func (b *fakeBackend) Submit(_ context.Context, scriptPath string, opts options.SubmitOptions) ([]*domain.Job, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, &tmserrors.ErrSystem{Op: "read", Path: scriptPath, Err: err}
	}
	if strings.Contains(string(content), "fail") {
		return nil, &tmserrors.ErrInvalidArgument{Name: "script", Value: scriptPath, Message: "rejected by scheduler"}
	}
	b.mu.Lock()
	b.submitted = append(b.submitted, scriptPath)
	b.mu.Unlock()

	var steps []*domain.Job
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(line, "step") {
			steps = append(steps, newFakeStep(scriptPath, opts, len(steps)))
		}
	}
	if len(steps) == 0 {
		steps = append(steps, newFakeStep(scriptPath, opts, 0))
	}
	return steps, nil
}

func newFakeStep(scriptPath string, opts options.SubmitOptions, index int) *domain.Job {
	job := domain.NewJob("")
	job.BatchJobId = "native-" + strings.Repeat("1", index+1)
	job.JobPath = scriptPath
	job.JobName = opts.Name
	job.Status = domain.StatusQueued
	job.JobDescription = os.Getenv("VISHNU_JOB_ID")
	return job
}

func (b *fakeBackend) Cancel(_ context.Context, id string) error {
	if id == "unknown" {
		return &tmserrors.ErrNotFound{Type: "job", Value: id}
	}
	b.mu.Lock()
	b.cancelled = append(b.cancelled, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Query(_ context.Context, id string) (domain.Status, error) {
	if id == "unknown" {
		return domain.StatusUndefined, &tmserrors.ErrNotFound{Type: "job", Value: id}
	}
	b.mu.Lock()
	b.queried = append(b.queried, id)
	b.mu.Unlock()
	return domain.StatusRunning, nil
}

type fakeResolver struct {
	backend *fakeBackend
}

func (r *fakeResolver) Resolve(batchType domain.BatchType, version string) (batch.Backend, error) {
	if version == "0.0" {
		return nil, &tmserrors.ErrBackendUnavailable{BatchType: batchType.String(), Version: version}
	}
	return r.backend, nil
}
