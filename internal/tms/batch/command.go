package batch

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

// CommandSpec describes the command line tools of one scheduler family.
type CommandSpec struct {
	BatchType     domain.BatchType
	SubmitCommand string
	CancelCommand string
	QueryCommand  string
	// SubmitFlags translates submit options into command line flags placed before the script path.
	SubmitFlags func(opts options.SubmitOptions) []string
	// QueryArgs defaults to the job id alone.
	QueryArgs func(id string) []string
	// IdPattern extracts the native job id from the submit output; the first group is the id.
	IdPattern *regexp.Regexp
	// Steps expands a native id into one id per job step. Defaults to the id alone.
	Steps func(nativeId string, script string) []string
	// ParseState maps the query output for a job id to a status.
	ParseState func(id string, output string) domain.Status
}

// CommandBackend drives a scheduler through its command line tools.
type CommandBackend struct {
	spec   CommandSpec
	runner Runner
}

func NewCommandBackend(spec CommandSpec, runner Runner) *CommandBackend {
	return &CommandBackend{spec: spec, runner: runner}
}

func (b *CommandBackend) Submit(ctx context.Context, scriptPath string, opts options.SubmitOptions) ([]*domain.Job, error) {
	var args []string
	if b.spec.SubmitFlags != nil {
		args = append(args, b.spec.SubmitFlags(opts)...)
	}
	args = append(args, scriptPath)

	output, err := b.runner.Run(ctx, opts.WorkingDir, b.spec.SubmitCommand, args...)
	if err != nil {
		return nil, err
	}
	match := b.spec.IdPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, &tmserrors.ErrRuntime{
			Message: "unable to read the job id from " + b.spec.SubmitCommand + " output: " + strings.TrimSpace(output),
		}
	}
	nativeId := match[1]

	stepIds := []string{nativeId}
	if b.spec.Steps != nil {
		content, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, &tmserrors.ErrSystem{Op: "read", Path: scriptPath, Err: err}
		}
		stepIds = b.spec.Steps(nativeId, string(content))
	}

	steps := make([]*domain.Job, 0, len(stepIds))
	for _, id := range stepIds {
		step := newStep(b.spec.BatchType, scriptPath, opts)
		step.BatchJobId = id
		step.OutputPath = defaultPath(opts.OutputPath, opts.WorkingDir, scriptPath, ".o", id)
		step.ErrorPath = defaultPath(opts.ErrorPath, opts.WorkingDir, scriptPath, ".e", id)
		steps = append(steps, step)
	}
	log.WithField("batchType", b.spec.BatchType.String()).Infof("Submitted %s with %d step(s)", nativeId, len(steps))
	return steps, nil
}

// defaultPath mirrors the scheduler default of <workdir>/<script><suffix><id> for unset output paths.
func defaultPath(path string, workingDir string, scriptPath string, suffix string, id string) string {
	if path != "" {
		return path
	}
	return filepath.Join(workingDir, filepath.Base(scriptPath)+suffix+id)
}

func (b *CommandBackend) Cancel(ctx context.Context, id string) error {
	_, err := b.runner.Run(ctx, "", b.spec.CancelCommand, id)
	return errors.WithMessagef(err, "cancelling %s job %s", b.spec.BatchType, id)
}

func (b *CommandBackend) Query(ctx context.Context, id string) (domain.Status, error) {
	args := []string{id}
	if b.spec.QueryArgs != nil {
		args = b.spec.QueryArgs(id)
	}
	output, err := b.runner.Run(ctx, "", b.spec.QueryCommand, args...)
	if err != nil {
		return domain.StatusUndefined, err
	}
	return b.spec.ParseState(id, output), nil
}
