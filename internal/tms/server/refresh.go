package server

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/domain"
)

// RefreshJobStatus asks the scheduler for the current state of every active step of jobId, stores
// the answers and returns the updated record.
func (server *JobServer) RefreshJobStatus(ctx context.Context, ec *domain.ExecutionContext, jobId string) (*domain.Job, error) {
	steps, err := server.jobs.GetJobSteps(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.WithStack(&tmserrors.ErrNotFound{Type: "job", Value: jobId})
	}
	if steps[0].Owner != ec.Session.Login && !ec.Session.IsAdmin() {
		return nil, errors.WithStack(&tmserrors.ErrNoPermission{
			Principal: ec.Session.UserId,
			Action:    "query job " + jobId,
		})
	}

	for _, job := range steps {
		if !job.HasSchedulerJob() || !job.Status.IsActive() {
			continue
		}
		if err := server.refreshOne(ctx, ec, job); err != nil {
			return nil, err
		}
	}
	return server.GetJobInfo(ctx, jobId)
}

func (server *JobServer) refreshOne(ctx context.Context, ec *domain.ExecutionContext, job *domain.Job) error {
	batchType := job.BatchType
	if batchType == domain.UndefinedBatchType {
		batchType = ec.BatchType
	}
	answers, err := server.dispatch(ctx, ec, dispatch.NewRequest(dispatch.ActionQuery, ec, batchType, job, nil))
	if err != nil {
		return err
	}
	if len(answers) == 0 || answers[0].Status == domain.StatusUndefined || answers[0].Status == job.Status {
		return nil
	}
	log.WithField("jobId", job.JobId).Debugf("Job moved from %s to %s", job.Status, answers[0].Status)
	return server.jobs.UpdateJobStatus(ctx, job.JobId, answers[0].Status)
}
