// Package dispatch runs submit and cancel actions either in a privilege separated worker process
// on this host or in a worker started over SSH on the target machine.
package dispatch

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/common/util"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

type Action string

const (
	ActionSubmit Action = "SUBMIT"
	ActionCancel Action = "CANCEL"
	ActionQuery  Action = "QUERY"
)

// SuccessMessage is written to the status channel by a worker that completed its action.
const SuccessMessage = "SUCCESS"

// Request is everything a worker needs to perform one action on behalf of a user.
type Request struct {
	Action       Action           `json:"action"`
	RequestId    string           `json:"requestId"`
	Login        string           `json:"login"`
	MachineName  string           `json:"machineName"`
	BatchType    domain.BatchType `json:"batchType"`
	BatchVersion string           `json:"batchVersion"`
	Job          *domain.Job      `json:"job"`
	Options      *options.Bag     `json:"options"`
	ScriptPath   string           `json:"scriptPath,omitempty"`
	// ScriptContent carries the script to workers that cannot read ScriptPath.
	ScriptContent string            `json:"scriptContent,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Debug         bool              `json:"debug"`
}

// Response is written by the worker on its standard output.
type Response struct {
	Steps []*domain.Job `json:"steps,omitempty"`
	// Error in "<code>#<message>" form
	Error string `json:"error,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) ([]*domain.Job, error)
}

func NewRequest(action Action, ec *domain.ExecutionContext, batchType domain.BatchType, job *domain.Job, opts *options.Bag) *Request {
	if opts == nil {
		opts = options.New()
	}
	return &Request{
		Action:       action,
		RequestId:    util.NewRequestId(),
		Login:        ec.Session.Login,
		MachineName:  ec.Session.MachineName,
		BatchType:    batchType,
		BatchVersion: ec.BatchVersion,
		Job:          job,
		Options:      opts,
		Debug:        ec.Debug,
	}
}

func (r *Request) validate() error {
	if r.Action != ActionSubmit && r.Action != ActionCancel && r.Action != ActionQuery {
		return &tmserrors.ErrInvalidArgument{Name: "action", Value: r.Action, Message: "unknown batch action"}
	}
	if r.Job == nil {
		return &tmserrors.ErrInvalidArgument{Name: "job", Value: nil, Message: "a job is required"}
	}
	if r.Options == nil {
		r.Options = options.New()
	}
	return nil
}

func decodeRequest(in io.Reader) (*Request, error) {
	req := &Request{}
	if err := json.NewDecoder(in).Decode(req); err != nil {
		return nil, errors.WithStack(&tmserrors.ErrInvalidArgument{Name: "request", Value: nil, Message: err.Error()})
	}
	return req, req.validate()
}

// decodeResponse reads the steps a worker returned.
func decodeResponse(data []byte) ([]*domain.Job, error) {
	response := &Response{}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: "malformed worker response: " + err.Error()})
	}
	if response.Error != "" {
		_, message := tmserrors.ParseWire(response.Error)
		return nil, errors.WithStack(&tmserrors.ErrRuntime{Message: message})
	}
	return response.Steps, nil
}
