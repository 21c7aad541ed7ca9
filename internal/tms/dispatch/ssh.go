package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/domain"
)

// SSHDispatcher relays requests to a worker started over SSH on the target machine, logged in as
// the job owner.
type SSHDispatcher struct {
	config          configuration.SshConfiguration
	auth            []ssh.AuthMethod
	hostKeyCallback ssh.HostKeyCallback
}

func NewSSHDispatcher(config configuration.SshConfiguration) (*SSHDispatcher, error) {
	key, err := os.ReadFile(config.PrivateKeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ssh private key %s", config.PrivateKeyPath)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ssh private key %s", config.PrivateKeyPath)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(config.KnownHostsPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading known hosts %s", config.KnownHostsPath)
		}
	} else {
		log.Warn("No known hosts file configured, remote host keys will not be verified")
	}

	return &SSHDispatcher{
		config:          config,
		auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		hostKeyCallback: hostKeyCallback,
	}, nil
}

func (d *SSHDispatcher) Dispatch(ctx context.Context, req *Request) ([]*domain.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	relayed := *req
	if req.Action == ActionSubmit && req.ScriptContent == "" {
		content, err := os.ReadFile(req.ScriptPath)
		if err != nil {
			return nil, errors.WithStack(&tmserrors.ErrSystem{Op: "read", Path: req.ScriptPath, Err: err})
		}
		relayed.ScriptContent = string(content)
	}
	payload, err := json.Marshal(&relayed)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	stdout, err := d.run(ctx, req, payload)
	if err != nil {
		return nil, err
	}
	steps, err := decodeResponse(stdout)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case ActionSubmit:
		if !req.BatchType.IsCloud() && !req.Debug {
			if err := os.Remove(req.ScriptPath); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warnf("Unable to remove temporary script %s", req.ScriptPath)
			}
		}
	case ActionCancel, ActionQuery:
		if len(steps) != 1 {
			return nil, errors.WithStack(&tmserrors.ErrRuntime{
				Message: fmt.Sprintf("ssh relay returned %d steps for a %s request", len(steps), req.Action),
			})
		}
	}
	return steps, nil
}

func (d *SSHDispatcher) run(ctx context.Context, req *Request, payload []byte) ([]byte, error) {
	address := net.JoinHostPort(req.MachineName, strconv.Itoa(d.config.Port))
	logger := log.WithField("requestId", req.RequestId).WithField("jobId", req.Job.JobId)
	logger.Debugf("Relaying %s request to %s@%s", req.Action, req.Login, address)

	client, err := d.dial(ctx, address, req.Login)
	if err != nil {
		return nil, relayFailure(address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, relayFailure(address, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = bytes.NewReader(payload)
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(d.config.WorkerCommand + " --status-fd 2")
	}()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, relayFailure(address, ctx.Err())
	case err = <-done:
	}

	if err != nil && stdout.Len() == 0 {
		return nil, relayFailure(address, errors.Errorf("%v: %s", err, strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

func (d *SSHDispatcher) dial(ctx context.Context, address string, login string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            login,
		Auth:            d.auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.config.Timeout,
	}
	dialer := net.Dialer{Timeout: d.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func relayFailure(address string, err error) error {
	return errors.WithStack(&tmserrors.ErrRuntime{Message: fmt.Sprintf("ssh relay to %s failed: %v", address, err)})
}
