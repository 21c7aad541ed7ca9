package repository

import (
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

type ScopeKind int

const (
	// ScopeOwnJobs selects every active job of the caller on the machine.
	ScopeOwnJobs ScopeKind = iota
	// ScopeSingleJob selects one job by id, whatever its state.
	ScopeSingleJob
	// ScopeUserJobs selects every active job of a named user on the machine.
	ScopeUserJobs
	// ScopeAllJobs selects every active job on the machine.
	ScopeAllJobs
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeSingleJob:
		return "job"
	case ScopeUserJobs:
		return "user"
	case ScopeAllJobs:
		return "all"
	default:
		return "own"
	}
}

type CancelScope struct {
	Kind      ScopeKind
	JobId     string
	UserId    string
	Login     string
	MachineId string
}

// ResolveCancelScope turns the job and user filters of a cancel request into a scope. Permission
// checks are the caller's business.
func ResolveCancelScope(jobId string, userId string, session *domain.UserSession, machineId string) CancelScope {
	scope := CancelScope{
		JobId:     jobId,
		UserId:    userId,
		Login:     session.Login,
		MachineId: machineId,
	}
	switch {
	case jobId != "" && jobId != options.AllKeyword && userId != options.AllKeyword:
		scope.Kind = ScopeSingleJob
	case session.IsAdmin() && (userId == options.AllKeyword || (jobId == options.AllKeyword && userId == "")):
		scope.Kind = ScopeAllJobs
	case userId != "" && userId != options.AllKeyword:
		scope.Kind = ScopeUserJobs
	default:
		scope.Kind = ScopeOwnJobs
	}
	return scope
}

// IsBulk reports whether an empty selection is a no-op rather than an unknown job.
func (s CancelScope) IsBulk() bool {
	return s.Kind != ScopeSingleJob
}
