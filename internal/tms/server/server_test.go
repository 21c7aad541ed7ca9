package server

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/batch"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/dispatch"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/repository"
	"github.com/G-Research/tms/internal/tms/session"
)

var (
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
	ghost = &domain.UserSession{
		SessionId: "S_4", SessionKey: "key-ghost", NumSession: 4, NumUser: 4,
		UserId: "ghost", Login: "tms-no-such-login", Home: "/nonexistent", MachineName: "cluster",
	}
	testFixture = repository.Fixture{
		MachineId:     "MA_1",
		MachineName:   "cluster",
		MachineStatus: 1,
		Sessions:      []*domain.UserSession{alice, bob, admin, ghost},
	}
)

// fakeDispatcher accepts every submission with a single queued step unless submit is set,
// cancels every job and reports every queried job as running.
type fakeDispatcher struct {
	mu        sync.Mutex
	requests  []*dispatch.Request
	scripts   []string
	submit    func(req *dispatch.Request) ([]*domain.Job, error)
	cancelErr error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req *dispatch.Request) ([]*domain.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)

	if req.Action == dispatch.ActionCancel {
		if d.cancelErr != nil {
			return nil, d.cancelErr
		}
		cancelled := *req.Job
		cancelled.Status = domain.StatusCancelled
		return []*domain.Job{&cancelled}, nil
	}
	if req.Action == dispatch.ActionQuery {
		running := *req.Job
		running.Status = domain.StatusRunning
		return []*domain.Job{&running}, nil
	}

	content, err := os.ReadFile(req.ScriptPath)
	if err != nil {
		return nil, err
	}
	d.scripts = append(d.scripts, string(content))
	if d.submit != nil {
		return d.submit(req)
	}
	return []*domain.Job{queuedStep("1001.cluster")}, nil
}

func (d *fakeDispatcher) actions() []dispatch.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	actions := make([]dispatch.Action, 0, len(d.requests))
	for _, req := range d.requests {
		actions = append(actions, req.Action)
	}
	return actions
}

func queuedStep(batchJobId string) *domain.Job {
	step := domain.NewJob("")
	step.BatchJobId = batchJobId
	step.JobName = "job"
	step.Status = domain.StatusQueued
	step.OutputPath = "/home/alice/job.o" + batchJobId
	step.ErrorPath = "frontend:/home/alice/job.e" + batchJobId
	return step
}

type fakeResolver struct {
	unavailable bool
}

func (r *fakeResolver) Resolve(batchType domain.BatchType, version string) (batch.Backend, error) {
	if r.unavailable {
		return nil, &tmserrors.ErrBackendUnavailable{BatchType: batchType.String(), Version: version}
	}
	return batch.NewPosixBackend(), nil
}

type testEnv struct {
	server   *JobServer
	repo     *repository.SQLJobRepository
	local    *fakeDispatcher
	remote   *fakeDispatcher
	resolver *fakeResolver
	config   *configuration.JobServerConfiguration
}

func testConfig(t *testing.T) *configuration.JobServerConfiguration {
	return &configuration.JobServerConfiguration{
		MachineId:    "MA_1",
		BatchType:    domain.Torque,
		BatchVersion: "2.3",
		Standalone:   true,
		JobIdFormat:  "J_$CPT",
		ScriptDir:    t.TempDir(),
	}
}

func withJobServer(t *testing.T, config *configuration.JobServerConfiguration, action func(env *testEnv)) {
	err := repository.WithTestRepository(testFixture, config.JobIdFormat, clock.RealClock{},
		func(db database.Database, repo *repository.SQLJobRepository) error {
			env := &testEnv{
				repo:     repo,
				local:    &fakeDispatcher{},
				remote:   &fakeDispatcher{},
				resolver: &fakeResolver{},
				config:   config,
			}
			env.server = NewJobServer(config, session.NewSQLProvider(db, 0), repo, env.resolver, env.local, env.remote)
			action(env)
			return nil
		})
	require.NoError(t, err)
}

func (env *testEnv) context(t *testing.T, s *domain.UserSession) *domain.ExecutionContext {
	ec, err := env.server.NewExecutionContext(context.Background(), s.SessionKey, "MA_1")
	require.NoError(t, err)
	return ec
}

func TestNewExecutionContext(t *testing.T) {
	withJobServer(t, testConfig(t), func(env *testEnv) {
		ec := env.context(t, alice)
		assert.Equal(t, "alice", ec.Session.Login)
		assert.Equal(t, "/home/alice", ec.Session.Home)
		assert.Equal(t, "MA_1", ec.MachineId)
		assert.Equal(t, domain.Torque, ec.BatchType)
		assert.Equal(t, "2.3", ec.BatchVersion)
		assert.True(t, ec.Standalone)
	})
}

func TestNewExecutionContext_Rejections(t *testing.T) {
	tests := map[string]struct {
		sessionKey string
		machineId  string
		configured string
		expected   tmserrors.Code
	}{
		"unknown machine":           {sessionKey: "key-alice", machineId: "MA_404", configured: "MA_1", expected: tmserrors.CodeUnknownMachine},
		"machine of another server": {sessionKey: "key-alice", machineId: "MA_1", configured: "MA_2", expected: tmserrors.CodeUnknownMachine},
		"invalid session key":       {sessionKey: "nope", machineId: "MA_1", configured: "MA_1", expected: tmserrors.CodeUnauthenticated},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := testConfig(t)
			config.MachineId = tc.configured
			withJobServer(t, config, func(env *testEnv) {
				_, err := env.server.NewExecutionContext(context.Background(), tc.sessionKey, tc.machineId)
				require.Error(t, err)
				assert.Equal(t, tc.expected, tmserrors.CodeFromError(err))
			})
		})
	}
}

func TestGetJobInfo_Unknown(t *testing.T) {
	withJobServer(t, testConfig(t), func(env *testEnv) {
		_, err := env.server.GetJobInfo(context.Background(), "J_404")
		assert.Equal(t, tmserrors.CodeUnknownJob, tmserrors.CodeFromError(err))

		_, err = env.server.GetJobStepInfo(context.Background(), "J_404")
		assert.Equal(t, tmserrors.CodeUnknownJob, tmserrors.CodeFromError(err))
	})
}

func TestDispatch_NoDispatcherConfigured(t *testing.T) {
	config := testConfig(t)
	config.Standalone = false
	withJobServer(t, config, func(env *testEnv) {
		env.server.remote = nil
		_, err := env.server.SubmitJob(context.Background(), env.context(t, alice), "#!/bin/sh\necho hi\n", nil, nil)
		require.Error(t, err)
		assert.Equal(t, tmserrors.CodeRuntimeError, tmserrors.CodeFromError(err))
	})
}
