package repository

import (
	"context"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"k8s.io/utils/clock"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/tms/domain"
)

const (
	// Machine status of a machine removed from the grid.
	MachineStatusDeleted = 2
	SessionStateActive   = 1
)

type JobRepository interface {
	NextJobId(ctx context.Context, machineId string) (string, error)
	CreateJob(ctx context.Context, jobId string, session *domain.UserSession) error
	InsertStep(ctx context.Context, jobId string, session *domain.UserSession) error
	SaveSubmittedJob(ctx context.Context, ec *domain.ExecutionContext, job *domain.Job) error
	UpdateJobStatus(ctx context.Context, jobId string, status domain.Status) error
	GetJobOwnerId(ctx context.Context, jobId string, sessionKey string) (string, error)
	GetCancellableJobs(ctx context.Context, scope CancelScope) ([]*domain.Job, error)
	GetJobSteps(ctx context.Context, jobId string) ([]*domain.Job, error)
	MachineExists(ctx context.Context, machineId string) (bool, error)
}

type SQLJobRepository struct {
	db          database.Database
	jobIdFormat string
	clock       clock.Clock
}

var (
	// Tables
	jobTable       = goqu.T("job")
	sessionTable   = goqu.T("vsession")
	usersTable     = goqu.T("users")
	machineTable   = goqu.T("machine")
	idCounterTable = goqu.T("id_counter")

	// Columns: job table
	job_jobId                = goqu.I("job.jobid")
	job_sessionId            = goqu.I("job.vsession_numsessionid")
	job_ownerId              = goqu.I("job.job_owner_id")
	job_owner                = goqu.I("job.owner")
	job_submitMachineId      = goqu.I("job.submitmachineid")
	job_submitMachineName    = goqu.I("job.submitmachinename")
	job_batchJobId           = goqu.I("job.batchjobid")
	job_batchType            = goqu.I("job.batchtype")
	job_jobName              = goqu.I("job.jobname")
	job_jobPath              = goqu.I("job.jobpath")
	job_outputPath           = goqu.I("job.outputpath")
	job_errorPath            = goqu.I("job.errorpath")
	job_outputDir            = goqu.I("job.outputdir")
	job_workingDir           = goqu.I("job.jobworkingdir")
	job_jobPrio              = goqu.I("job.jobprio")
	job_nbCpus               = goqu.I("job.nbcpus")
	job_nbNodes              = goqu.I("job.nbnodes")
	job_nbNodesAndCpuPerNode = goqu.I("job.nbnodesandcpupernode")
	job_memLimit             = goqu.I("job.memlimit")
	job_wallClockLimit       = goqu.I("job.wallclocklimit")
	job_jobQueue             = goqu.I("job.jobqueue")
	job_groupName            = goqu.I("job.groupname")
	job_description          = goqu.I("job.jobdescription")
	job_relatedSteps         = goqu.I("job.relatedsteps")
	job_vmId                 = goqu.I("job.vmid")
	job_vmIp                 = goqu.I("job.vmip")
	job_workId               = goqu.I("job.workid")
	job_status               = goqu.I("job.status")
	job_submitError          = goqu.I("job.submiterror")
	job_submitDate           = goqu.I("job.submitdate")
	job_endDate              = goqu.I("job.enddate")

	// Columns: vsession table
	session_numSessionId = goqu.I("vsession.numsessionid")
	session_sessionId    = goqu.I("vsession.vsessionid")
	session_sessionKey   = goqu.I("vsession.sessionkey")
	session_numUserId    = goqu.I("vsession.users_numuserid")

	// Columns: users table
	users_numUserId = goqu.I("users.numuserid")
	users_userId    = goqu.I("users.userid")

	// Columns: machine table
	machine_machineId = goqu.I("machine.machineid")
	machine_status    = goqu.I("machine.status")

	// Columns: id_counter table
	idCounter_name  = goqu.I("id_counter.name")
	idCounter_value = goqu.I("id_counter.value")
)

func NewSQLJobRepository(db database.Database, jobIdFormat string, clock clock.Clock) *SQLJobRepository {
	return &SQLJobRepository{db: db, jobIdFormat: jobIdFormat, clock: clock}
}

// FormatJobId expands the placeholders of an id format.
func FormatJobId(format string, counter int64, machineId string, now time.Time) string {
	replacer := strings.NewReplacer(
		"$CPT", formatInt(counter),
		"$MACHINE", machineId,
		"$YEAR", now.Format("2006"),
		"$MONTH", now.Format("01"),
		"$DAY", now.Format("02"),
	)
	return replacer.Replace(format)
}
