// Package server is the job server proper: it validates requests, prepares job scripts, hands
// them to a dispatcher and records the outcome in the job store.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/batch"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/metrics"
	"github.com/G-Research/tms/internal/tms/repository"
	"github.com/G-Research/tms/internal/tms/session"
)

type JobServer struct {
	config   *configuration.JobServerConfiguration
	sessions session.Provider
	jobs     repository.JobRepository
	backends batch.Resolver
	local    dispatch.Dispatcher
	remote   dispatch.Dispatcher
}

// NewJobServer creates a job server. local serves standalone requests and remote relays the
// others; either may be nil when the configuration never selects it.
func NewJobServer(
	config *configuration.JobServerConfiguration,
	sessions session.Provider,
	jobs repository.JobRepository,
	backends batch.Resolver,
	local dispatch.Dispatcher,
	remote dispatch.Dispatcher,
) *JobServer {
	return &JobServer{
		config:   config,
		sessions: sessions,
		jobs:     jobs,
		backends: backends,
		local:    local,
		remote:   remote,
	}
}

// NewExecutionContext checks the target machine and the session key of a request.
func (server *JobServer) NewExecutionContext(ctx context.Context, sessionKey string, machineId string) (*domain.ExecutionContext, error) {
	exists, err := server.jobs.MachineExists(ctx, machineId)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.WithStack(&tmserrors.ErrNotFound{Type: "machine", Value: machineId})
	}
	if server.config.MachineId != "" && machineId != server.config.MachineId {
		return nil, errors.WithStack(&tmserrors.ErrNotFound{
			Type:    "machine",
			Value:   machineId,
			Message: fmt.Sprintf("this job server serves machine %s", server.config.MachineId),
		})
	}

	userSession, err := server.sessions.Authenticate(ctx, sessionKey, machineId)
	if err != nil {
		return nil, err
	}
	return &domain.ExecutionContext{
		Session:      userSession,
		MachineId:    machineId,
		BatchType:    server.config.BatchType,
		BatchVersion: server.config.BatchVersion,
		Standalone:   server.config.Standalone,
		Debug:        server.config.Debug,
	}, nil
}

// GetJobInfo returns the record of jobId. For a fanned out submission that is the parent listing
// its steps.
func (server *JobServer) GetJobInfo(ctx context.Context, jobId string) (*domain.Job, error) {
	return repository.LookupJob(ctx, server.jobs, jobId)
}

// GetJobStepInfo returns the steps of a fanned out submission ordered by step, or the job itself
// when it was not split.
func (server *JobServer) GetJobStepInfo(ctx context.Context, jobId string) ([]*domain.Job, error) {
	steps, err := server.jobs.GetJobSteps(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.WithStack(&tmserrors.ErrNotFound{Type: "job", Value: jobId})
	}
	if len(steps) > 1 && steps[0].JobId == jobId && steps[0].IsStepParent() {
		return steps[1:], nil
	}
	return steps, nil
}

func (server *JobServer) dispatch(ctx context.Context, ec *domain.ExecutionContext, req *dispatch.Request) ([]*domain.Job, error) {
	dispatcher, mode := server.remote, "ssh"
	if ec.Standalone {
		dispatcher, mode = server.local, "local"
	}
	if dispatcher == nil {
		return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: fmt.Sprintf("no %s dispatcher configured", mode)})
	}
	start := time.Now()
	steps, err := dispatcher.Dispatch(ctx, req)
	metrics.Get().RecordDispatch(mode, string(req.Action), time.Since(start))
	return steps, err
}
