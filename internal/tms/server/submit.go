package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/metrics"
	"github.com/G-Research/tms/internal/tms/options"
	"github.com/G-Research/tms/internal/tms/script"
)

// SubmitJob submits content with the given options and returns the new job id. Once an id has been
// allocated every outcome is recorded, failures included.
func (server *JobServer) SubmitJob(ctx context.Context, ec *domain.ExecutionContext, content string, opts *options.Bag, defaults []string) (string, error) {
	log.Info("Request to submit job")
	if strings.TrimSpace(content) == "" {
		return "", errors.WithStack(&tmserrors.ErrInvalidArgument{Name: "script", Value: "", Message: "empty script content"})
	}
	if opts == nil {
		opts = options.New()
	}

	submission := *ec
	if posix := opts.GetInt(options.Posix); posix != options.UndefinedProperty && posix != 0 {
		submission.BatchType = domain.Posix
	}
	if _, err := server.backends.Resolve(submission.BatchType, submission.BatchVersion); err != nil {
		return "", err
	}

	jobId, err := server.jobs.NextJobId(ctx, ec.MachineId)
	if err != nil {
		return "", err
	}
	if err := server.jobs.CreateJob(ctx, jobId, ec.Session); err != nil {
		return "", err
	}
	logger := log.WithField("jobId", jobId).WithField("batchType", submission.BatchType)
	logger.Info("Job entry added, performing submission process...")

	job := domain.NewJob(jobId)
	job.BatchType = submission.BatchType
	job.SubmitMachineId = ec.MachineId
	job.WorkId = int64(opts.GetIntOr(options.WorkId, 0))
	job.Owner = ec.Session.Login
	if submission.BatchType.IsCloud() {
		job.Owner = server.config.Cloud.VmUser
	}

	steps, err := server.submit(ctx, &submission, job, content, opts, defaults)
	metrics.Get().RecordSubmission(submission.BatchType, err)
	if err != nil {
		job.SubmitError = errors.Cause(err).Error()
		job.OutputPath = ""
		job.ErrorPath = ""
		job.OutputDir = ""
		job.Status = domain.StatusFailed
		if saveErr := server.jobs.SaveSubmittedJob(ctx, &submission, job); saveErr != nil {
			logger.WithError(saveErr).Error("Unable to record the submission failure")
		}
		return "", err
	}

	if err := server.saveSteps(ctx, &submission, job, steps); err != nil {
		return "", err
	}
	metrics.Get().RecordSteps(submission.BatchType, len(steps))
	return jobId, nil
}

func (server *JobServer) submit(ctx context.Context, ec *domain.ExecutionContext, job *domain.Job, content string, opts *options.Bag, defaults []string) ([]*domain.Job, error) {
	scriptPath, content, err := server.resolvePaths(ec, job, content, opts)
	if err != nil {
		return nil, err
	}
	if err := writeScript(scriptPath, content, script.ProcessInput{
		BatchType:         ec.BatchType,
		SubmitMachineName: ec.Session.MachineName,
		Options:           opts,
		DefaultOptions:    defaults,
	}); err != nil {
		return nil, err
	}
	job.JobPath = scriptPath

	req := dispatch.NewRequest(dispatch.ActionSubmit, ec, ec.BatchType, job, opts)
	req.ScriptPath = scriptPath
	req.Env = map[string]string{
		script.JobIdVar:     job.JobId,
		script.OutputDirVar: job.OutputDir,
	}
	steps, err := server.dispatch(ctx, ec, req)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: "the batch scheduler returned no job step"})
	}
	return steps, nil
}

// writeScript renders the final script and writes it as an executable file.
func writeScript(path string, content string, in script.ProcessInput) error {
	processed, err := script.Process(content, in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(&tmserrors.ErrSystem{Op: "mkdir", Path: filepath.Dir(path), Err: err})
	}
	if err := os.WriteFile(path, []byte(processed), 0o755); err != nil {
		return errors.WithStack(&tmserrors.ErrSystem{Op: "write", Path: path, Err: err})
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return errors.WithStack(&tmserrors.ErrSystem{Op: "unable to make the script executable", Path: path, Err: err})
	}
	return nil
}

// saveSteps records the steps a submission produced. A single step takes the job id itself; several
// steps get ids <jobId>.<index>, are inserted first and are linked to each other afterwards, and
// the base row lists them all.
func (server *JobServer) saveSteps(ctx context.Context, ec *domain.ExecutionContext, base *domain.Job, steps []*domain.Job) error {
	if len(steps) == 1 {
		step := steps[0]
		inheritBase(step, base)
		step.JobId = base.JobId
		return server.jobs.SaveSubmittedJob(ctx, ec, step)
	}

	ids := make([]string, len(steps))
	for i, step := range steps {
		inheritBase(step, base)
		step.JobId = domain.StepId(base.JobId, i)
		ids[i] = step.JobId
		if err := server.jobs.InsertStep(ctx, step.JobId, ec.Session); err != nil {
			return err
		}
	}
	for _, step := range steps {
		step.RelatedSteps = domain.RelatedStepsExcept(ids, step.JobId)
		if err := server.jobs.SaveSubmittedJob(ctx, ec, step); err != nil {
			return err
		}
	}

	// The base id stays as the record of the submission. It holds no scheduler job.
	parent := *base
	parent.JobName = steps[0].JobName
	parent.RelatedSteps = strings.Join(ids, ",")
	parent.Status = domain.StatusSubmitted
	return server.jobs.SaveSubmittedJob(ctx, ec, &parent)
}

func inheritBase(step *domain.Job, base *domain.Job) {
	step.SubmitMachineId = base.SubmitMachineId
	step.WorkId = base.WorkId
	step.Owner = base.Owner
	step.OutputDir = base.OutputDir
	step.JobWorkingDir = base.JobWorkingDir
	if step.JobPath == "" {
		step.JobPath = base.JobPath
	}
}
