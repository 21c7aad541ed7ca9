package server

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/metrics"
	"github.com/G-Research/tms/internal/tms/options"
	"github.com/G-Research/tms/internal/tms/repository"
)

// CancelJob cancels the jobs selected by the jobId and userId options and returns how many were
// cancelled. The first job that cannot be cancelled aborts the request; jobs cancelled before it
// stay cancelled.
func (server *JobServer) CancelJob(ctx context.Context, ec *domain.ExecutionContext, opts *options.Bag) (int, error) {
	if opts == nil {
		opts = options.New()
	}
	count, err := server.cancel(ctx, ec, opts)
	metrics.Get().RecordCancellation(count, err)
	return count, err
}

func (server *JobServer) cancel(ctx context.Context, ec *domain.ExecutionContext, opts *options.Bag) (int, error) {
	jobId := opts.GetString(options.JobId)
	userId := opts.GetString(options.UserId)
	if err := server.checkCancelPermission(ctx, ec, jobId, userId); err != nil {
		return 0, err
	}

	scope := repository.ResolveCancelScope(jobId, userId, ec.Session, ec.MachineId)
	logger := log.WithField("scope", scope.Kind.String()).WithField("user", ec.Session.UserId)
	if scope.Kind == repository.ScopeSingleJob {
		logger.Warnf("Request to cancel job %s", jobId)
	} else {
		logger.Warnf("Request to cancel jobs submitted by %s", userId)
	}

	jobs, err := server.jobs.GetCancellableJobs(ctx, scope)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		if scope.IsBulk() {
			logger.Info("No job matching the cancel request")
			return 0, nil
		}
		return 0, errors.WithStack(&tmserrors.ErrNotFound{Type: "job", Value: jobId, Message: "perhaps the job is no longer running"})
	}

	count := 0
	for _, job := range jobs {
		if job.IsStepParent() {
			n, err := server.cancelSteps(ctx, ec, job, opts)
			count += n
			if err != nil {
				return count, err
			}
			continue
		}
		if err := server.cancelOne(ctx, ec, job, opts); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// checkCancelPermission applies the rules that do not depend on the selected rows: only
// administrators use the all keyword or target other users, and a specific job must have been
// submitted through the caller's session.
func (server *JobServer) checkCancelPermission(ctx context.Context, ec *domain.ExecutionContext, jobId string, userId string) error {
	userSession := ec.Session
	if userSession.IsAdmin() {
		return nil
	}
	if jobId == options.AllKeyword || userId == options.AllKeyword {
		return errors.WithStack(&tmserrors.ErrNoPermission{
			Principal: userSession.UserId,
			Action:    "cancel all jobs",
			Message:   "only privileged users can use the all keyword",
		})
	}
	if userId != "" && userId != userSession.UserId {
		return errors.WithStack(&tmserrors.ErrNoPermission{
			Principal: userSession.UserId,
			Action:    "cancel jobs of " + userId,
			Message:   "only privileged users can cancel other users jobs",
		})
	}
	if jobId != "" {
		owner, err := server.jobs.GetJobOwnerId(ctx, jobId, userSession.SessionKey)
		if err != nil {
			return err
		}
		if owner == "" {
			return errors.WithStack(&tmserrors.ErrNoPermission{
				Principal: userSession.UserId,
				Action:    "cancel job " + jobId,
				Message:   "only privileged users can cancel other users jobs",
			})
		}
	}
	return nil
}

func checkCancellable(ec *domain.ExecutionContext, job *domain.Job) error {
	switch {
	case job.Status == domain.StatusCancelled:
		return errors.WithStack(&tmserrors.ErrAlreadyCancelled{JobId: job.JobId})
	case job.Status.IsTerminated():
		return errors.WithStack(&tmserrors.ErrAlreadyTerminated{JobId: job.JobId})
	}
	if job.Owner != ec.Session.Login && !ec.Session.IsAdmin() {
		return errors.WithStack(&tmserrors.ErrNoPermission{
			Principal: ec.Session.UserId,
			Action:    "cancel job " + job.JobId,
		})
	}
	return nil
}

// cancelSteps cancels the steps of a fanned out submission that are still active, then marks the
// parent cancelled. It returns the number of steps cancelled.
func (server *JobServer) cancelSteps(ctx context.Context, ec *domain.ExecutionContext, parent *domain.Job, opts *options.Bag) (int, error) {
	if err := checkCancellable(ec, parent); err != nil {
		return 0, err
	}
	count := 0
	for _, stepId := range parent.StepIds() {
		steps, err := server.jobs.GetCancellableJobs(ctx, repository.CancelScope{Kind: repository.ScopeSingleJob, JobId: stepId})
		if err != nil {
			return count, err
		}
		for _, step := range steps {
			if !step.Status.IsActive() {
				continue
			}
			if err := server.cancelOne(ctx, ec, step, opts); err != nil {
				return count, err
			}
			count++
		}
	}
	if err := server.jobs.UpdateJobStatus(ctx, parent.JobId, domain.StatusCancelled); err != nil {
		return count, err
	}
	return count, nil
}

func (server *JobServer) cancelOne(ctx context.Context, ec *domain.ExecutionContext, job *domain.Job, opts *options.Bag) error {
	if err := checkCancellable(ec, job); err != nil {
		return err
	}

	batchType := job.BatchType
	if batchType == domain.UndefinedBatchType {
		batchType = ec.BatchType
	}
	steps, err := server.dispatch(ctx, ec, dispatch.NewRequest(dispatch.ActionCancel, ec, batchType, job, opts))
	if err != nil {
		return err
	}
	status := domain.StatusCancelled
	if len(steps) > 0 {
		status = steps[0].Status
	}
	if err := server.jobs.UpdateJobStatus(ctx, job.JobId, status); err != nil {
		return err
	}
	log.WithField("jobId", job.JobId).Info("Job cancelled")
	return nil
}
