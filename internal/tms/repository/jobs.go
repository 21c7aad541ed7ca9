package repository

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
)

const jobCounterName = "job"

// NextJobId increments the job counter and renders the configured id format.
func (r *SQLJobRepository) NextJobId(ctx context.Context, machineId string) (string, error) {
	d := r.db.Dialect()
	increment, _, err := d.Update(idCounterTable).
		Set(goqu.Record{"value": goqu.L("value + 1")}).
		Where(goqu.C("name").Eq(jobCounterName)).
		ToSQL()
	if err != nil {
		return "", errors.WithStack(err)
	}
	query, _, err := d.From(idCounterTable).
		Select(idCounter_value).
		Where(idCounter_name.Eq(jobCounterName)).
		ToSQL()
	if err != nil {
		return "", errors.WithStack(err)
	}

	var counter int64
	err = r.db.WithTx(ctx, func(tx database.Executor) error {
		if err := tx.Exec(ctx, increment); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errors.Errorf("job id counter is missing")
		}
		counter, err = strconv.ParseInt(rows[0][0], 10, 64)
		return errors.WithStack(err)
	})
	if err != nil {
		return "", err
	}
	return FormatJobId(r.jobIdFormat, counter, machineId, r.clock.Now()), nil
}

// CreateJob records a job in the undefined state before it is dispatched.
func (r *SQLJobRepository) CreateJob(ctx context.Context, jobId string, session *domain.UserSession) error {
	statement, _, err := r.db.Dialect().Insert(jobTable).
		Rows(goqu.Record{
			"jobid":                 jobId,
			"vsession_numsessionid": session.NumSession,
			"job_owner_id":          session.NumUser,
			"status":                int(domain.StatusUndefined),
			"batchtype":             int(domain.UndefinedBatchType),
		}).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	err = r.db.Exec(ctx, statement)
	if database.IsUniqueViolation(err) {
		return errors.WithStack(&tmserrors.ErrInvalidArgument{Name: "jobId", Value: jobId, Message: "job id already in use"})
	}
	return err
}

// InsertStep records one step of a fanned out submission.
func (r *SQLJobRepository) InsertStep(ctx context.Context, jobId string, session *domain.UserSession) error {
	return r.CreateJob(ctx, jobId, session)
}

// SaveSubmittedJob writes the outcome of a submission. Output and error paths without a host are
// qualified with the submit machine name.
func (r *SQLJobRepository) SaveSubmittedJob(ctx context.Context, ec *domain.ExecutionContext, job *domain.Job) error {
	machineName := ec.Session.MachineName
	job.OutputPath = qualifyPath(machineName, job.OutputPath)
	job.ErrorPath = qualifyPath(machineName, job.ErrorPath)
	if job.Owner == "" {
		job.Owner = ec.Session.Login
	}
	job.SubmitMachineId = ec.MachineId
	job.SubmitMachineName = machineName

	record := goqu.Record{
		"vsession_numsessionid": ec.Session.NumSession,
		"job_owner_id":          ec.Session.NumUser,
		"owner":                 job.Owner,
		"submitmachineid":       job.SubmitMachineId,
		"submitmachinename":     job.SubmitMachineName,
		"batchjobid":            job.BatchJobId,
		"batchtype":             int(ec.BatchType),
		"jobname":               job.JobName,
		"jobpath":               job.JobPath,
		"outputpath":            job.OutputPath,
		"errorpath":             job.ErrorPath,
		"outputdir":             job.OutputDir,
		"jobworkingdir":         job.JobWorkingDir,
		"jobprio":               job.JobPrio,
		"nbcpus":                job.NbCpus,
		"nbnodes":               job.NbNodes,
		"nbnodesandcpupernode":  job.NbNodesAndCpuPerNode,
		"memlimit":              job.MemLimit,
		"wallclocklimit":        job.WallClockLimit,
		"jobqueue":              job.JobQueue,
		"groupname":             job.GroupName,
		"jobdescription":        job.JobDescription,
		"relatedsteps":          job.RelatedSteps,
		"vmid":                  job.VmId,
		"vmip":                  job.VmIp,
		"status":                int(job.Status),
		"submiterror":           job.SubmitError,
		"submitdate":            goqu.L("CURRENT_TIMESTAMP"),
	}
	if job.WorkId != 0 {
		record["workid"] = job.WorkId
	}

	statement, _, err := r.db.Dialect().Update(jobTable).
		Set(record).
		Where(goqu.C("jobid").Eq(job.JobId)).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := r.db.Exec(ctx, statement); err != nil {
		return err
	}

	if job.SubmitError == "" {
		log.WithField("jobId", job.JobId).Infof("Job submitted. User: %s. Owner: %s", ec.Session.UserId, job.Owner)
	} else {
		log.WithField("jobId", job.JobId).Warnf("Submission error: %s", job.SubmitError)
	}
	return nil
}

func (r *SQLJobRepository) UpdateJobStatus(ctx context.Context, jobId string, status domain.Status) error {
	record := goqu.Record{"status": int(status)}
	if !status.IsActive() {
		record["enddate"] = goqu.L("CURRENT_TIMESTAMP")
	}
	statement, _, err := r.db.Dialect().Update(jobTable).
		Set(record).
		Where(goqu.C("jobid").Eq(jobId)).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	return r.db.Exec(ctx, statement)
}

// GetJobOwnerId returns the owner of a job submitted through the given session, or "" when the
// job was not submitted through it.
func (r *SQLJobRepository) GetJobOwnerId(ctx context.Context, jobId string, sessionKey string) (string, error) {
	query, _, err := r.db.Dialect().From(jobTable).
		InnerJoin(sessionTable, goqu.On(job_sessionId.Eq(session_numSessionId))).
		Select(job_owner).
		Where(
			job_jobId.Eq(jobId),
			session_sessionKey.Eq(sessionKey)).
		ToSQL()
	if err != nil {
		return "", errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0][0], nil
}

// CancelQuery builds the selection of jobs a cancel request applies to.
func (r *SQLJobRepository) CancelQuery(scope CancelScope) *goqu.SelectDataset {
	ds := r.db.Dialect().From(jobTable).
		Select(job_owner, job_status, job_jobId, job_batchJobId, job_vmId, job_batchType, job_relatedSteps).
		Order(job_jobId.Asc())

	switch scope.Kind {
	case ScopeSingleJob:
		// Terminal jobs and step parents are kept so that the caller can report or expand them.
		return ds.Where(job_jobId.Eq(scope.JobId))
	case ScopeUserJobs:
		return ds.InnerJoin(usersTable, goqu.On(users_numUserId.Eq(job_ownerId))).
			Where(
				activeJobs(),
				schedulerJobs(),
				users_userId.Eq(scope.UserId),
				job_submitMachineId.Eq(scope.MachineId))
	case ScopeAllJobs:
		return ds.Where(
			activeJobs(),
			schedulerJobs(),
			job_submitMachineId.Eq(scope.MachineId))
	default:
		return ds.Where(
			activeJobs(),
			schedulerJobs(),
			job_owner.Eq(scope.Login),
			job_submitMachineId.Eq(scope.MachineId))
	}
}

func (r *SQLJobRepository) GetCancellableJobs(ctx context.Context, scope CancelScope) ([]*domain.Job, error) {
	query, _, err := r.CancelQuery(scope).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		job := domain.NewJob(row[2])
		job.Owner = row[0]
		job.Status = domain.Status(parseInt(row[1]))
		job.BatchJobId = row[3]
		job.VmId = row[4]
		job.BatchType = domain.BatchType(parseInt(row[5]))
		job.RelatedSteps = row[6]
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var stepColumns = []interface{}{
	session_sessionId, job_submitMachineId, job_submitMachineName, job_jobId, job_jobName,
	job_batchJobId, job_batchType, job_jobPath, job_workId, job_relatedSteps, job_outputPath,
	job_errorPath, job_outputDir, job_workingDir, job_jobPrio, job_nbCpus, job_status,
	job_submitDate, job_endDate, job_owner, job_jobQueue, job_wallClockLimit, job_groupName,
	job_memLimit, job_nbNodes, job_nbNodesAndCpuPerNode, users_userId, job_vmId, job_vmIp,
	job_description, job_submitError,
}

// GetJobSteps returns the job with the given id and every step derived from it, base job first.
func (r *SQLJobRepository) GetJobSteps(ctx context.Context, jobId string) ([]*domain.Job, error) {
	query, _, err := r.db.Dialect().From(jobTable).
		LeftJoin(sessionTable, goqu.On(job_sessionId.Eq(session_numSessionId))).
		LeftJoin(usersTable, goqu.On(session_numUserId.Eq(users_numUserId))).
		Select(stepColumns...).
		Where(goqu.Or(
			job_jobId.Eq(jobId),
			job_jobId.Like(jobId+".%"))).
		Order(job_jobId.Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, rowToJob(row))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return stepIndex(jobId, jobs[i].JobId) < stepIndex(jobId, jobs[j].JobId)
	})
	return jobs, nil
}

func (r *SQLJobRepository) MachineExists(ctx context.Context, machineId string) (bool, error) {
	query, _, err := r.db.Dialect().From(machineTable).
		Select(machine_machineId).
		Where(
			machine_machineId.Eq(machineId),
			machine_status.Neq(MachineStatusDeleted)).
		ToSQL()
	if err != nil {
		return false, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// LookupJob returns the record of a job. An active step parent reports the status of its least
// advanced step.
func LookupJob(ctx context.Context, r JobRepository, jobId string) (*domain.Job, error) {
	steps, err := r.GetJobSteps(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.WithStack(&tmserrors.ErrNotFound{Type: "job", Value: jobId})
	}
	job := steps[0]
	if job.IsStepParent() && job.Status.IsActive() && len(steps) > 1 {
		job.Status = steps[1].Status
		for _, step := range steps[2:] {
			if step.Status < job.Status {
				job.Status = step.Status
			}
		}
	}
	return job, nil
}

func activeJobs() exp.Expression {
	return job_status.Lt(int(domain.StatusCompleted))
}

// schedulerJobs excludes rows without a scheduler or VM id: step parents and submissions still
// in flight.
func schedulerJobs() exp.Expression {
	return goqu.Or(job_batchJobId.Neq(""), job_vmId.Neq(""))
}

func rowToJob(row []string) *domain.Job {
	return &domain.Job{
		SessionId:            row[0],
		SubmitMachineId:      row[1],
		SubmitMachineName:    row[2],
		JobId:                row[3],
		JobName:              row[4],
		BatchJobId:           row[5],
		BatchType:            domain.BatchType(parseInt(row[6])),
		JobPath:              row[7],
		WorkId:               int64(parseInt(row[8])),
		RelatedSteps:         row[9],
		OutputPath:           row[10],
		ErrorPath:            row[11],
		OutputDir:            row[12],
		JobWorkingDir:        row[13],
		JobPrio:              parseInt(row[14]),
		NbCpus:               parseInt(row[15]),
		Status:               domain.Status(parseInt(row[16])),
		SubmitDate:           database.ParseTimestamp(row[17]),
		EndDate:              database.ParseTimestamp(row[18]),
		Owner:                row[19],
		JobQueue:             row[20],
		WallClockLimit:       parseInt(row[21]),
		GroupName:            row[22],
		MemLimit:             parseInt(row[23]),
		NbNodes:              parseInt(row[24]),
		NbNodesAndCpuPerNode: row[25],
		UserId:               row[26],
		VmId:                 row[27],
		VmIp:                 row[28],
		JobDescription:       row[29],
		SubmitError:          row[30],
	}
}

func qualifyPath(machineName string, path string) string {
	if path == "" || strings.Contains(path, ":") {
		return path
	}
	return machineName + ":" + path
}

// stepIndex orders the base job before its steps and steps numerically.
func stepIndex(baseJobId string, jobId string) int {
	if jobId == baseJobId {
		return -1
	}
	index, err := strconv.Atoi(strings.TrimPrefix(jobId, baseJobId+"."))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return index
}

func parseInt(value string) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return domain.UndefinedProperty
	}
	return i
}

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}
