package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
)

const (
	// File descriptor of the status pipe in the worker process.
	StatusFd         = 3
	statusReadLimit  = 255
	accountCacheSize = 256
)

// LocalDispatcher runs each request in a worker process started from the job server binary under
// the OS account of the job owner.
type LocalDispatcher struct {
	executable string
	args       []string
	accounts   *lru.Cache
	lookup     func(login string) (*user.User, error)
}

// NewLocalDispatcher starts workers as "executable args...". The worker must serve the request
// read from stdin and report its status on file descriptor StatusFd.
func NewLocalDispatcher(executable string, args ...string) (*LocalDispatcher, error) {
	accounts, err := lru.New(accountCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LocalDispatcher{
		executable: executable,
		args:       args,
		accounts:   accounts,
		lookup:     user.Lookup,
	}, nil
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, req *Request) ([]*domain.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cmd := exec.CommandContext(ctx, d.executable, d.args...)
	cmd.Env = os.Environ()
	if !req.BatchType.IsCloud() {
		account, err := d.account(req.Login)
		if err != nil {
			return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: err.Error()})
		}
		credential, err := credentialFor(account)
		if err != nil {
			return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: err.Error()})
		}
		if credential != nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credential}
		}
		cmd.Env = append(cmd.Env, "HOME="+account.HomeDir, "USER="+account.Username, "LOGNAME="+account.Username)
	}

	statusReader, statusWriter, err := os.Pipe()
	if err != nil {
		return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: "pipe creation failed: " + err.Error()})
	}
	defer statusReader.Close()

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.ExtraFiles = []*os.File{statusWriter}

	logger := log.WithField("requestId", req.RequestId).WithField("jobId", req.Job.JobId)
	logger.Debugf("Starting job worker %s as %s", d.executable, req.Login)
	err = cmd.Start()
	statusWriter.Close()
	if err != nil {
		return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: err.Error()})
	}

	// The status is read before waiting so that a worker blocked on a full pipe cannot hang us.
	status := make([]byte, statusReadLimit)
	n, _ := io.ReadFull(statusReader, status)
	_, _ = io.Copy(io.Discard, statusReader)
	_ = cmd.Wait()

	exitCode := cmd.ProcessState.ExitCode()
	message := string(status[:n])
	if stderr.Len() > 0 {
		logger.Debugf("Job worker output: %s", stderr.String())
	}
	if message != SuccessMessage {
		return nil, errors.WithStack(&tmserrors.ErrRuntime{
			Message:  fmt.Sprintf("Job worker process exited with status %d, message: %s", exitCode, message),
			ExitCode: exitCode,
		})
	}
	return decodeResponse(stdout.Bytes())
}

func (d *LocalDispatcher) account(login string) (*user.User, error) {
	if cached, ok := d.accounts.Get(login); ok {
		return cached.(*user.User), nil
	}
	account, err := d.lookup(login)
	if err != nil {
		return nil, err
	}
	d.accounts.Add(login, account)
	return account, nil
}

// credentialFor returns the credential to start the worker with, or nil when the job server
// already runs as that account.
func credentialFor(account *user.User) (*syscall.Credential, error) {
	uid, err := strconv.ParseUint(account.Uid, 10, 32)
	if err != nil {
		return nil, errors.Errorf("the user %s doesn't have a valid uid", account.Username)
	}
	gid, err := strconv.ParseUint(account.Gid, 10, 32)
	if err != nil {
		return nil, errors.Errorf("the user %s doesn't have a valid gid", account.Username)
	}
	if int(uid) == os.Getuid() {
		return nil, nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
