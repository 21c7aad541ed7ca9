package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job. The numeric order is significant: every status below
// StatusCompleted is still active and can be cancelled.
type Status int

const (
	StatusUndefined  Status = 0
	StatusSubmitted  Status = 1
	StatusQueued     Status = 2
	StatusWaiting    Status = 3
	StatusRunning    Status = 4
	StatusCompleted  Status = 5
	StatusCancelled  Status = 6
	StatusDownloaded Status = 7
	StatusFailed     Status = 8
)

var statusNames = map[Status]string{
	StatusUndefined:  "UNDEFINED",
	StatusSubmitted:  "SUBMITTED",
	StatusQueued:     "QUEUED",
	StatusWaiting:    "WAITING",
	StatusRunning:    "RUNNING",
	StatusCompleted:  "COMPLETED",
	StatusCancelled:  "CANCELLED",
	StatusDownloaded: "DOWNLOADED",
	StatusFailed:     "FAILED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", int(s))
}

func (s Status) IsActive() bool {
	return s < StatusCompleted
}

// IsTerminated reports whether the job finished on its own, as opposed to being cancelled.
func (s Status) IsTerminated() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDownloaded
}

// UndefinedProperty is the value of unset integer resource requests.
const UndefinedProperty = -1

// Job is one unit of scheduled work, or one step of a fanned out submission.
type Job struct {
	JobId                string    `json:"jobId"`
	JobName              string    `json:"jobName,omitempty"`
	JobDescription       string    `json:"jobDescription,omitempty"`
	BatchJobId           string    `json:"batchJobId,omitempty"`
	BatchType            BatchType `json:"batchType"`
	VmId                 string    `json:"vmId,omitempty"`
	VmIp                 string    `json:"vmIp,omitempty"`
	SessionId            string    `json:"sessionId,omitempty"`
	UserId               string    `json:"userId,omitempty"`
	Owner                string    `json:"owner,omitempty"`
	SubmitMachineId      string    `json:"submitMachineId,omitempty"`
	SubmitMachineName    string    `json:"submitMachineName,omitempty"`
	JobPrio              int       `json:"jobPrio"`
	NbCpus               int       `json:"nbCpus"`
	NbNodes              int       `json:"nbNodes"`
	NbNodesAndCpuPerNode string    `json:"nbNodesAndCpuPerNode,omitempty"`
	MemLimit             int       `json:"memLimit"`
	WallClockLimit       int       `json:"wallClockLimit"`
	JobQueue             string    `json:"jobQueue,omitempty"`
	GroupName            string    `json:"groupName,omitempty"`
	JobPath              string    `json:"jobPath,omitempty"`
	JobWorkingDir        string    `json:"jobWorkingDir,omitempty"`
	OutputPath           string    `json:"outputPath,omitempty"`
	ErrorPath            string    `json:"errorPath,omitempty"`
	OutputDir            string    `json:"outputDir,omitempty"`
	RelatedSteps         string    `json:"relatedSteps,omitempty"`
	WorkId               int64     `json:"workId,omitempty"`
	Status               Status    `json:"status"`
	SubmitDate           time.Time `json:"submitDate,omitempty"`
	EndDate              time.Time `json:"endDate,omitempty"`
	SubmitError          string    `json:"submitError,omitempty"`
}

// NewJob returns a job with every integer resource request unset.
func NewJob(jobId string) *Job {
	return &Job{
		JobId:          jobId,
		JobPrio:        UndefinedProperty,
		NbCpus:         UndefinedProperty,
		NbNodes:        UndefinedProperty,
		MemLimit:       UndefinedProperty,
		WallClockLimit: UndefinedProperty,
		Status:         StatusUndefined,
	}
}

// IsStepParent reports whether the job only records a fanned out submission. Its steps carry
// the scheduler jobs.
func (j *Job) IsStepParent() bool {
	return !j.HasSchedulerJob() && j.RelatedSteps != ""
}

// HasSchedulerJob reports whether the job was given a native id by a scheduler or cloud.
func (j *Job) HasSchedulerJob() bool {
	return j.BatchJobId != "" || j.VmId != ""
}

// StepIds splits the comma separated step list of a parent or step.
func (j *Job) StepIds() []string {
	if j.RelatedSteps == "" {
		return nil
	}
	return strings.Split(j.RelatedSteps, ",")
}

// StepId is the id of the index-th step of a fanned out submission.
func StepId(baseJobId string, index int) string {
	return fmt.Sprintf("%s.%d", baseJobId, index)
}

// RelatedStepsExcept joins every id but self with commas.
func RelatedStepsExcept(ids []string, self string) string {
	others := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != self {
			others = append(others, id)
		}
	}
	return strings.Join(others, ",")
}
