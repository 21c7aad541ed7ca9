package tmserrors

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeFromError(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected Code
	}{
		"nil":                {nil, CodeOK},
		"plain":              {fmt.Errorf("boom"), CodeUnknown},
		"no permission":      {&ErrNoPermission{Principal: "bob"}, CodePermissionDenied},
		"unknown job":        {&ErrNotFound{Type: "job", Value: "J_1"}, CodeUnknownJob},
		"unknown machine":    {&ErrNotFound{Type: "machine", Value: "m1"}, CodeUnknownMachine},
		"invalid argument":   {&ErrInvalidArgument{Name: "script"}, CodeInvalidParameter},
		"already terminated": {&ErrAlreadyTerminated{JobId: "J_1"}, CodeAlreadyTerminated},
		"already cancelled":  {&ErrAlreadyCancelled{JobId: "J_1"}, CodeAlreadyCancelled},
		"backend":            {&ErrBackendUnavailable{BatchType: "SLURM"}, CodeBackendUnavailable},
		"runtime":            {&ErrRuntime{Message: "fork failed"}, CodeRuntimeError},
		"system":             {&ErrSystem{Op: "mkdir", Err: fmt.Errorf("denied")}, CodeSystemException},
		"unauthenticated":    {&ErrUnauthenticated{}, CodeUnauthenticated},
		"wrapped":            {errors.Wrap(&ErrAlreadyCancelled{JobId: "J_1"}, "cancelling"), CodeAlreadyCancelled},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CodeFromError(tc.err))
		})
	}
}

func TestWireRoundTrip(t *testing.T) {
	err := errors.Wrap(&ErrNotFound{Type: "job", Value: "J_7"}, "looking up job")

	code, message := ParseWire(FormatWire(err))

	assert.Equal(t, CodeUnknownJob, code)
	assert.Equal(t, `resource "J_7" of type "job" does not exist`, message)
}

func TestParseWire_NotWireFormat(t *testing.T) {
	code, message := ParseWire("segmentation fault")
	assert.Equal(t, CodeUnknown, code)
	assert.Equal(t, "segmentation fault", message)

	code, message = ParseWire("abc#def")
	assert.Equal(t, CodeUnknown, code)
	assert.Equal(t, "abc#def", message)
}

func TestErrNoPermission_Message(t *testing.T) {
	err := &ErrNoPermission{Principal: "alice", Action: "cancel all jobs", Message: "admin only"}
	assert.Equal(t, "alice is not allowed to cancel all jobs; admin only", err.Error())
}
