package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
)

var (
	testTime = time.Date(2022, 3, 7, 10, 0, 0, 0, time.UTC)

	alice = &domain.UserSession{
		SessionId: "S_1", SessionKey: "key-alice", NumSession: 1, NumUser: 1,
		UserId: "alice", Login: "alice", Home: "/home/alice", MachineName: "cluster",
	}
	bob = &domain.UserSession{
		SessionId: "S_2", SessionKey: "key-bob", NumSession: 2, NumUser: 2,
		UserId: "bob", Login: "bob", Home: "/home/bob", MachineName: "cluster",
	}
	admin = &domain.UserSession{
		SessionId: "S_3", SessionKey: "key-admin", NumSession: 3, NumUser: 3,
		UserId: "root", Login: "root", Home: "/root", MachineName: "cluster", Privilege: domain.PrivilegeAdmin,
	}
	testFixture = Fixture{
		MachineId:     "MA_1",
		MachineName:   "cluster",
		MachineStatus: 1,
		Sessions:      []*domain.UserSession{alice, bob, admin},
	}
)

func withRepository(t *testing.T, action func(db database.Database, repo *SQLJobRepository)) {
	err := WithTestRepository(testFixture, "J_$MACHINE_$YEAR$MONTH$DAY_$CPT", clocktesting.NewFakeClock(testTime),
		func(db database.Database, repo *SQLJobRepository) error {
			action(db, repo)
			return nil
		})
	require.NoError(t, err)
}

func executionContext(session *domain.UserSession) *domain.ExecutionContext {
	return &domain.ExecutionContext{Session: session, MachineId: "MA_1", BatchType: domain.Torque}
}

func submitJob(t *testing.T, repo *SQLJobRepository, session *domain.UserSession, status domain.Status) string {
	ctx := context.Background()
	jobId, err := repo.NextJobId(ctx, "MA_1")
	require.NoError(t, err)
	require.NoError(t, repo.CreateJob(ctx, jobId, session))
	job := domain.NewJob(jobId)
	job.BatchJobId = "100." + jobId
	job.Status = status
	require.NoError(t, repo.SaveSubmittedJob(ctx, executionContext(session), job))
	return jobId
}

func TestFormatJobId(t *testing.T) {
	assert.Equal(t, "J_12", FormatJobId("J_$CPT", 12, "MA_1", testTime))
	assert.Equal(t, "MA_1-2022-03-07-1", FormatJobId("$MACHINE-$YEAR-$MONTH-$DAY-$CPT", 1, "MA_1", testTime))
}

func TestNextJobId_Increments(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		first, err := repo.NextJobId(ctx, "MA_1")
		require.NoError(t, err)
		second, err := repo.NextJobId(ctx, "MA_1")
		require.NoError(t, err)

		assert.Equal(t, "J_MA_1_20220307_1", first)
		assert.Equal(t, "J_MA_1_20220307_2", second)
	})
}

func TestCreateJob_StartsUndefined(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, "J_1", alice))

		steps, err := repo.GetJobSteps(ctx, "J_1")
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, domain.StatusUndefined, steps[0].Status)
		assert.Equal(t, "S_1", steps[0].SessionId)
		assert.Equal(t, "alice", steps[0].UserId)
		assert.True(t, steps[0].SubmitDate.IsZero())
	})
}

func TestCreateJob_DuplicateId(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, "J_1", alice))
		require.NoError(t, repo.InsertStep(ctx, "J_1.0", alice))

		err := repo.InsertStep(ctx, "J_1.0", alice)
		assert.Equal(t, tmserrors.CodeInvalidParameter, tmserrors.CodeFromError(err))
		assert.Contains(t, err.Error(), "job id already in use")
	})
}

func TestSaveSubmittedJob_RoundTrip(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, "J_1", alice))

		job := domain.NewJob("J_1")
		job.BatchJobId = "42.server"
		job.JobName = "it's mine"
		job.JobPath = "/home/alice/job.sh"
		job.JobWorkingDir = "/home/alice"
		job.OutputPath = "/home/alice/job.o42"
		job.ErrorPath = "other:/home/alice/job.e42"
		job.OutputDir = "/home/alice/out"
		job.WallClockLimit = 3600
		job.NbCpus = 4
		job.JobQueue = "short"
		job.WorkId = 7
		job.Status = domain.StatusQueued
		require.NoError(t, repo.SaveSubmittedJob(ctx, executionContext(alice), job))

		saved, err := LookupJob(ctx, repo, "J_1")
		require.NoError(t, err)

		expected := &domain.Job{
			JobId:                "J_1",
			JobName:              "it's mine",
			BatchJobId:           "42.server",
			BatchType:            domain.Torque,
			SessionId:            "S_1",
			UserId:               "alice",
			Owner:                "alice",
			SubmitMachineId:      "MA_1",
			SubmitMachineName:    "cluster",
			JobPrio:              domain.UndefinedProperty,
			NbCpus:               4,
			NbNodes:              domain.UndefinedProperty,
			NbNodesAndCpuPerNode: "",
			MemLimit:             domain.UndefinedProperty,
			WallClockLimit:       3600,
			JobQueue:             "short",
			JobPath:              "/home/alice/job.sh",
			JobWorkingDir:        "/home/alice",
			OutputPath:           "cluster:/home/alice/job.o42",
			ErrorPath:            "other:/home/alice/job.e42",
			OutputDir:            "/home/alice/out",
			WorkId:               7,
			Status:               domain.StatusQueued,
		}
		assert.True(t, cmp.Equal(expected, saved, cmpopts.IgnoreFields(domain.Job{}, "SubmitDate")), cmp.Diff(expected, saved))
		assert.False(t, saved.SubmitDate.IsZero())
		assert.Equal(t, "cluster:/home/alice/job.o42", job.OutputPath)
	})
}

func TestSaveSubmittedJob_FailureKeepsError(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, "J_1", alice))
		job := domain.NewJob("J_1")
		job.Status = domain.StatusFailed
		job.SubmitError = "qsub: unknown queue"
		require.NoError(t, repo.SaveSubmittedJob(ctx, executionContext(alice), job))

		saved, err := LookupJob(ctx, repo, "J_1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, saved.Status)
		assert.Equal(t, "qsub: unknown queue", saved.SubmitError)
		assert.Empty(t, saved.OutputPath)
	})
}

func TestUpdateJobStatus(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		jobId := submitJob(t, repo, alice, domain.StatusRunning)
		require.NoError(t, repo.UpdateJobStatus(ctx, jobId, domain.StatusCancelled))

		saved, err := LookupJob(ctx, repo, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, saved.Status)
		assert.False(t, saved.EndDate.IsZero())
	})
}

func TestGetJobSteps_OrdersSteps(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, "J_1", alice))
		for i := 11; i >= 0; i-- {
			require.NoError(t, repo.InsertStep(ctx, domain.StepId("J_1", i), alice))
		}
		require.NoError(t, repo.CreateJob(ctx, "J_10", alice))

		steps, err := repo.GetJobSteps(ctx, "J_1")
		require.NoError(t, err)
		require.Len(t, steps, 13)
		assert.Equal(t, "J_1", steps[0].JobId)
		assert.Equal(t, "J_1.0", steps[1].JobId)
		assert.Equal(t, "J_1.2", steps[3].JobId)
		assert.Equal(t, "J_1.11", steps[12].JobId)
	})
}

func TestLookupJob_Unknown(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		_, err := LookupJob(context.Background(), repo, "J_404")
		assert.Equal(t, tmserrors.CodeUnknownJob, tmserrors.CodeFromError(err))
	})
}

func TestGetJobOwnerId(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		jobId := submitJob(t, repo, alice, domain.StatusQueued)

		owner, err := repo.GetJobOwnerId(ctx, jobId, "key-alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", owner)

		owner, err = repo.GetJobOwnerId(ctx, jobId, "key-bob")
		require.NoError(t, err)
		assert.Empty(t, owner)
	})
}

func TestMachineExists(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		exists, err := repo.MachineExists(ctx, "MA_1")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = repo.MachineExists(ctx, "MA_2")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, db.Exec(ctx, `UPDATE machine SET status = 2`))
		exists, err = repo.MachineExists(ctx, "MA_1")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestGetCancellableJobs(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		aliceRunning := submitJob(t, repo, alice, domain.StatusRunning)
		aliceDone := submitJob(t, repo, alice, domain.StatusCompleted)
		bobQueued := submitJob(t, repo, bob, domain.StatusQueued)
		adminWaiting := submitJob(t, repo, admin, domain.StatusWaiting)

		tests := map[string]struct {
			scope    CancelScope
			expected []string
		}{
			"own jobs": {
				scope:    CancelScope{Kind: ScopeOwnJobs, Login: "alice", MachineId: "MA_1"},
				expected: []string{aliceRunning},
			},
			"single job keeps terminated jobs": {
				scope:    CancelScope{Kind: ScopeSingleJob, JobId: aliceDone},
				expected: []string{aliceDone},
			},
			"user jobs": {
				scope:    CancelScope{Kind: ScopeUserJobs, UserId: "bob", MachineId: "MA_1"},
				expected: []string{bobQueued},
			},
			"all jobs": {
				scope:    CancelScope{Kind: ScopeAllJobs, MachineId: "MA_1"},
				expected: []string{aliceRunning, bobQueued, adminWaiting},
			},
			"other machine": {
				scope:    CancelScope{Kind: ScopeAllJobs, MachineId: "MA_2"},
				expected: []string{},
			},
		}
		for name, tc := range tests {
			t.Run(name, func(t *testing.T) {
				jobs, err := repo.GetCancellableJobs(ctx, tc.scope)
				require.NoError(t, err)
				ids := make([]string, 0, len(jobs))
				for _, job := range jobs {
					ids = append(ids, job.JobId)
					assert.Equal(t, domain.Torque, job.BatchType)
					assert.True(t, strings.HasPrefix(job.BatchJobId, "100."))
				}
				assert.ElementsMatch(t, tc.expected, ids)
			})
		}
	})
}

func TestGetCancellableJobs_SkipsRowsWithoutSchedulerJob(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		ctx := context.Background()
		step := submitJob(t, repo, alice, domain.StatusQueued)

		parentId, err := repo.NextJobId(ctx, "MA_1")
		require.NoError(t, err)
		require.NoError(t, repo.CreateJob(ctx, parentId, alice))
		parent := domain.NewJob(parentId)
		parent.RelatedSteps = step
		parent.Status = domain.StatusSubmitted
		require.NoError(t, repo.SaveSubmittedJob(ctx, executionContext(alice), parent))

		jobs, err := repo.GetCancellableJobs(ctx, CancelScope{Kind: ScopeOwnJobs, Login: "alice", MachineId: "MA_1"})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, step, jobs[0].JobId)

		jobs, err = repo.GetCancellableJobs(ctx, CancelScope{Kind: ScopeSingleJob, JobId: parentId})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.True(t, jobs[0].IsStepParent())
		assert.Equal(t, []string{step}, jobs[0].StepIds())
	})
}

func TestCancelQuery_EscapesValues(t *testing.T) {
	withRepository(t, func(db database.Database, repo *SQLJobRepository) {
		sql, _, err := repo.CancelQuery(CancelScope{Kind: ScopeSingleJob, JobId: "J_1' OR '1'='1"}).ToSQL()
		require.NoError(t, err)
		assert.Contains(t, sql, `'J_1'' OR ''1''=''1'`)

		jobs, err := repo.GetCancellableJobs(context.Background(), CancelScope{Kind: ScopeSingleJob, JobId: "J_1' OR '1'='1"})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestResolveCancelScope(t *testing.T) {
	tests := map[string]struct {
		jobId    string
		userId   string
		session  *domain.UserSession
		expected ScopeKind
	}{
		"no filter":              {session: alice, expected: ScopeOwnJobs},
		"job id":                 {jobId: "J_1", session: alice, expected: ScopeSingleJob},
		"job id for other user":  {jobId: "J_1", userId: "bob", session: admin, expected: ScopeSingleJob},
		"named user":             {userId: "bob", session: admin, expected: ScopeUserJobs},
		"admin all users":        {userId: "all", session: admin, expected: ScopeAllJobs},
		"admin all jobs":         {jobId: "all", session: admin, expected: ScopeAllJobs},
		"admin all jobs of user": {jobId: "all", userId: "bob", session: admin, expected: ScopeUserJobs},
		"user all jobs":          {jobId: "all", session: alice, expected: ScopeOwnJobs},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			scope := ResolveCancelScope(tc.jobId, tc.userId, tc.session, "MA_1")
			assert.Equal(t, tc.expected, scope.Kind)
			assert.Equal(t, tc.session.Login, scope.Login)
			assert.Equal(t, "MA_1", scope.MachineId)
			assert.Equal(t, tc.expected != ScopeSingleJob, scope.IsBulk())
		})
	}
}
