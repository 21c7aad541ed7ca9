package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

// withSubmittedJobs runs action once alice has submitted J_1 and J_2 and bob J_3.
func withSubmittedJobs(t *testing.T, action func(env *testEnv)) {
	withJobServer(t, testConfig(t), func(env *testEnv) {
		ctx := context.Background()
		for _, s := range []*domain.UserSession{alice, alice, bob} {
			_, err := env.server.SubmitJob(ctx, env.context(t, s), "#!/bin/sh\necho hi\n", nil, nil)
			require.NoError(t, err)
		}
		action(env)
	})
}

func cancelOptions(jobId string, userId string) *options.Bag {
	opts := options.New()
	if jobId != "" {
		opts.Set(options.JobId, jobId)
	}
	if userId != "" {
		opts.Set(options.UserId, userId)
	}
	return opts
}

func jobStatus(t *testing.T, env *testEnv, jobId string) domain.Status {
	job, err := env.server.GetJobInfo(context.Background(), jobId)
	require.NoError(t, err)
	return job.Status
}

func TestCancelJob_Single(t *testing.T) {
	withSubmittedJobs(t, func(env *testEnv) {
		count, err := env.server.CancelJob(context.Background(), env.context(t, alice), cancelOptions("J_1", ""))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		job, err := env.server.GetJobInfo(context.Background(), "J_1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, job.Status)
		assert.False(t, job.EndDate.IsZero())
		assert.Equal(t, domain.StatusQueued, jobStatus(t, env, "J_2"))

		req := env.local.requests[len(env.local.requests)-1]
		assert.Equal(t, dispatch.ActionCancel, req.Action)
		assert.Equal(t, "J_1", req.Job.JobId)
		assert.Equal(t, "1001.cluster", req.Job.BatchJobId)
		assert.Equal(t, domain.Torque, req.BatchType)
		assert.Equal(t, "alice", req.Login)
	})
}

func TestCancelJob_Scopes(t *testing.T) {
	tests := map[string]struct {
		session   *domain.UserSession
		jobId     string
		userId    string
		expected  int
		cancelled []string
	}{
		"own jobs": {
			session:   alice,
			expected:  2,
			cancelled: []string{"J_1", "J_2"},
		},
		"own jobs by user id": {
			session:   bob,
			userId:    "bob",
			expected:  1,
			cancelled: []string{"J_3"},
		},
		"admin cancels the jobs of a user": {
			session:   admin,
			userId:    "alice",
			expected:  2,
			cancelled: []string{"J_1", "J_2"},
		},
		"admin cancels every job": {
			session:   admin,
			userId:    options.AllKeyword,
			expected:  3,
			cancelled: []string{"J_1", "J_2", "J_3"},
		},
		"admin cancels every job with the job keyword": {
			session:   admin,
			jobId:     options.AllKeyword,
			expected:  3,
			cancelled: []string{"J_1", "J_2", "J_3"},
		},
		"admin cancels another user's job": {
			session:   admin,
			jobId:     "J_3",
			expected:  1,
			cancelled: []string{"J_3"},
		},
		"admin without jobs of its own": {
			session:  admin,
			expected: 0,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withSubmittedJobs(t, func(env *testEnv) {
				count, err := env.server.CancelJob(context.Background(), env.context(t, tc.session), cancelOptions(tc.jobId, tc.userId))
				require.NoError(t, err)
				assert.Equal(t, tc.expected, count)

				cancelled := map[string]bool{}
				for _, id := range tc.cancelled {
					cancelled[id] = true
				}
				for _, id := range []string{"J_1", "J_2", "J_3"} {
					if cancelled[id] {
						assert.Equal(t, domain.StatusCancelled, jobStatus(t, env, id), id)
					} else {
						assert.Equal(t, domain.StatusQueued, jobStatus(t, env, id), id)
					}
				}
			})
		})
	}
}

func TestCancelJob_PermissionDenied(t *testing.T) {
	tests := map[string]struct {
		jobId  string
		userId string
	}{
		"all users":              {userId: options.AllKeyword},
		"all jobs":               {jobId: options.AllKeyword},
		"another user":           {userId: "bob"},
		"another user's job":     {jobId: "J_3"},
		"job of unknown session": {jobId: "J_404"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withSubmittedJobs(t, func(env *testEnv) {
				before := len(env.local.requests)
				_, err := env.server.CancelJob(context.Background(), env.context(t, alice), cancelOptions(tc.jobId, tc.userId))
				require.Error(t, err)
				assert.Equal(t, tmserrors.CodePermissionDenied, tmserrors.CodeFromError(err))
				assert.Len(t, env.local.requests, before)
				assert.Equal(t, domain.StatusQueued, jobStatus(t, env, "J_3"))
			})
		})
	}
}

func TestCancelJob_TerminalStates(t *testing.T) {
	tests := map[string]struct {
		status   domain.Status
		expected tmserrors.Code
	}{
		"completed":  {status: domain.StatusCompleted, expected: tmserrors.CodeAlreadyTerminated},
		"failed":     {status: domain.StatusFailed, expected: tmserrors.CodeAlreadyTerminated},
		"downloaded": {status: domain.StatusDownloaded, expected: tmserrors.CodeAlreadyTerminated},
		"cancelled":  {status: domain.StatusCancelled, expected: tmserrors.CodeAlreadyCancelled},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withSubmittedJobs(t, func(env *testEnv) {
				ctx := context.Background()
				require.NoError(t, env.repo.UpdateJobStatus(ctx, "J_1", tc.status))

				_, err := env.server.CancelJob(ctx, env.context(t, alice), cancelOptions("J_1", ""))
				require.Error(t, err)
				assert.Equal(t, tc.expected, tmserrors.CodeFromError(err))
				assert.Equal(t, tc.status, jobStatus(t, env, "J_1"))
			})
		})
	}
}

func TestCancelJob_UnknownJob(t *testing.T) {
	withSubmittedJobs(t, func(env *testEnv) {
		_, err := env.server.CancelJob(context.Background(), env.context(t, admin), cancelOptions("J_404", ""))
		require.Error(t, err)
		assert.Equal(t, tmserrors.CodeUnknownJob, tmserrors.CodeFromError(err))
	})
}

func TestCancelJob_BulkSkipsFinishedJobs(t *testing.T) {
	withSubmittedJobs(t, func(env *testEnv) {
		ctx := context.Background()
		require.NoError(t, env.repo.UpdateJobStatus(ctx, "J_1", domain.StatusCompleted))

		count, err := env.server.CancelJob(ctx, env.context(t, alice), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.Equal(t, domain.StatusCompleted, jobStatus(t, env, "J_1"))
		assert.Equal(t, domain.StatusCancelled, jobStatus(t, env, "J_2"))
	})
}

func TestCancelJob_DispatchFailure(t *testing.T) {
	withSubmittedJobs(t, func(env *testEnv) {
		env.local.cancelErr = &tmserrors.ErrRuntime{Message: "qdel: Unknown Job Id"}

		count, err := env.server.CancelJob(context.Background(), env.context(t, alice), nil)
		require.Error(t, err)
		assert.Equal(t, tmserrors.CodeRuntimeError, tmserrors.CodeFromError(err))
		assert.Equal(t, 0, count)
		assert.Equal(t, domain.StatusQueued, jobStatus(t, env, "J_1"))
	})
}

func TestCancelJob_RelayedOverSsh(t *testing.T) {
	config := testConfig(t)
	config.Standalone = false
	withJobServer(t, config, func(env *testEnv) {
		ctx := context.Background()
		_, err := env.server.SubmitJob(ctx, env.context(t, alice), "#!/bin/sh\necho hi\n", nil, nil)
		require.NoError(t, err)

		count, err := env.server.CancelJob(ctx, env.context(t, alice), cancelOptions("J_1", ""))
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.Empty(t, env.local.requests)
		assert.Equal(t, []dispatch.Action{dispatch.ActionSubmit, dispatch.ActionCancel}, env.remote.actions())
	})
}

// withFannedOutJob runs action once alice has submitted J_1, split by the scheduler into three steps.
func withFannedOutJob(t *testing.T, action func(env *testEnv)) {
	withJobServer(t, testConfig(t), func(env *testEnv) {
		env.local.submit = func(*dispatch.Request) ([]*domain.Job, error) {
			return []*domain.Job{queuedStep("2001.0"), queuedStep("2001.1"), queuedStep("2001.2")}, nil
		}
		_, err := env.server.SubmitJob(context.Background(), env.context(t, alice), "#!/bin/sh\necho hi\n", nil, nil)
		require.NoError(t, err)
		action(env)
	})
}

func cancelledBatchJobIds(env *testEnv) []string {
	env.local.mu.Lock()
	defer env.local.mu.Unlock()
	var ids []string
	for _, req := range env.local.requests {
		if req.Action == dispatch.ActionCancel {
			ids = append(ids, req.Job.BatchJobId)
		}
	}
	return ids
}

func TestCancelJob_FannedOutJob(t *testing.T) {
	tests := map[string]struct {
		session *domain.UserSession
		jobId   string
		userId  string
	}{
		"own jobs":             {session: alice},
		"parent job":           {session: alice, jobId: "J_1"},
		"admin cancels a user": {session: admin, userId: "alice"},
		"admin cancels all":    {session: admin, userId: options.AllKeyword},
		"admin cancels parent": {session: admin, jobId: "J_1"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withFannedOutJob(t, func(env *testEnv) {
				count, err := env.server.CancelJob(context.Background(), env.context(t, tc.session), cancelOptions(tc.jobId, tc.userId))
				require.NoError(t, err)
				assert.Equal(t, 3, count)
				assert.ElementsMatch(t, []string{"2001.0", "2001.1", "2001.2"}, cancelledBatchJobIds(env))

				for _, id := range []string{"J_1.0", "J_1.1", "J_1.2"} {
					assert.Equal(t, domain.StatusCancelled, jobStatus(t, env, id), id)
				}
				assert.Equal(t, domain.StatusCancelled, jobStatus(t, env, "J_1"))
			})
		})
	}
}

func TestCancelJob_ParentSkipsFinishedSteps(t *testing.T) {
	withFannedOutJob(t, func(env *testEnv) {
		ctx := context.Background()
		require.NoError(t, env.repo.UpdateJobStatus(ctx, "J_1.1", domain.StatusCompleted))

		count, err := env.server.CancelJob(ctx, env.context(t, alice), cancelOptions("J_1", ""))
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.ElementsMatch(t, []string{"2001.0", "2001.2"}, cancelledBatchJobIds(env))
		assert.Equal(t, domain.StatusCompleted, jobStatus(t, env, "J_1.1"))
		assert.Equal(t, domain.StatusCancelled, jobStatus(t, env, "J_1"))

		_, err = env.server.CancelJob(ctx, env.context(t, alice), cancelOptions("J_1", ""))
		assert.Equal(t, tmserrors.CodeAlreadyCancelled, tmserrors.CodeFromError(err))
	})
}
