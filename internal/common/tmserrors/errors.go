// Package tmserrors contains the typed errors returned by the job server.
//
// Every error type maps to a stable numeric Code (see CodeFromError), which is what callers,
// the worker exit status and the "<code>#<message>" wire form carry. Code looks through the
// whole error chain using errors.As, so errors may be wrapped freely with github.com/pkg/errors.
//
// If several independent errors occur in one function (e.g. configuration validation), return a
// *multierror.Error from github.com/hashicorp/go-multierror that encapsulates them.
package tmserrors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Code is the stable numeric identifier of an error class.
type Code int

const (
	CodeOK                 Code = 0
	CodeUnknown            Code = 1
	CodePermissionDenied   Code = 2
	CodeInvalidParameter   Code = 10
	CodeRuntimeError       Code = 11
	CodeSystemException    Code = 12
	CodeUnauthenticated    Code = 28
	CodeUnknownMachine     Code = 32
	CodeUnknownJob         Code = 101
	CodeAlreadyTerminated  Code = 102
	CodeAlreadyCancelled   Code = 103
	CodeBackendUnavailable Code = 104
)

var codeNames = map[Code]string{
	CodeOK:                 "OK",
	CodeUnknown:            "Unknown",
	CodePermissionDenied:   "PermissionDenied",
	CodeInvalidParameter:   "InvalidParameter",
	CodeRuntimeError:       "RuntimeError",
	CodeSystemException:    "SystemException",
	CodeUnauthenticated:    "Unauthenticated",
	CodeUnknownMachine:     "UnknownMachine",
	CodeUnknownJob:         "UnknownJob",
	CodeAlreadyTerminated:  "AlreadyTerminated",
	CodeAlreadyCancelled:   "AlreadyCancelled",
	CodeBackendUnavailable: "BackendUnavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// ErrNoPermission is returned when a principal attempts an action it is not allowed to perform,
// e.g. cancelling another user's jobs without being an administrator.
type ErrNoPermission struct {
	// Principal that attempted the action
	Principal string
	// The attempted action
	Action string
	// Optional message included with the error message
	Message string
}

func (err *ErrNoPermission) Error() (s string) {
	if err.Action != "" {
		s = fmt.Sprintf("%s is not allowed to %s", err.Principal, err.Action)
	} else {
		s = fmt.Sprintf("permission denied for %s", err.Principal)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrNotFound is returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
// A Type of "job" maps to CodeUnknownJob and "machine" to CodeUnknownMachine.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned on an invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "specificparams"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrAlreadyTerminated is returned when cancelling a job that has already finished.
type ErrAlreadyTerminated struct {
	JobId string
}

func (err *ErrAlreadyTerminated) Error() string {
	return fmt.Sprintf("job %s is already terminated", err.JobId)
}

// ErrAlreadyCancelled is returned when cancelling a job that has already been cancelled.
type ErrAlreadyCancelled struct {
	JobId string
}

func (err *ErrAlreadyCancelled) Error() string {
	return fmt.Sprintf("job %s is already cancelled", err.JobId)
}

// ErrBackendUnavailable is returned when no batch backend matches the configured type and version.
type ErrBackendUnavailable struct {
	BatchType string
	Version   string
	Message   string
}

func (err *ErrBackendUnavailable) Error() string {
	s := fmt.Sprintf("no batch backend available for batch type %s version %q", err.BatchType, err.Version)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrRuntime reports an OS-level failure: pipe, process spawn, credential switch, non-zero worker
// exit or a relay failure. OS error strings are carried verbatim in Message.
type ErrRuntime struct {
	Message string
	// ExitCode of the worker process when one was involved, zero otherwise.
	ExitCode int
}

func (err *ErrRuntime) Error() string {
	return err.Message
}

// ErrSystem reports a filesystem failure while preparing paths or scripts.
type ErrSystem struct {
	Op   string
	Path string
	Err  error
}

func (err *ErrSystem) Error() string {
	if err.Path == "" {
		return fmt.Sprintf("%s: %v", err.Op, err.Err)
	}
	return fmt.Sprintf("%s %s: %v", err.Op, err.Path, err.Err)
}

func (err *ErrSystem) Unwrap() error {
	return err.Err
}

// ErrUnauthenticated is returned for an invalid or expired session key.
type ErrUnauthenticated struct {
	Message string
}

func (err *ErrUnauthenticated) Error() string {
	if err.Message == "" {
		return "invalid session key"
	}
	return "invalid session key; " + err.Message
}

// CodeFromError maps error types to codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CodeFromError(err error) Code {
	if err == nil {
		return CodeOK
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrNoPermission
		if errors.As(err, &e) {
			return CodePermissionDenied
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			if e.Type == "machine" {
				return CodeUnknownMachine
			}
			return CodeUnknownJob
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return CodeInvalidParameter
		}
	}
	{
		var e *ErrAlreadyTerminated
		if errors.As(err, &e) {
			return CodeAlreadyTerminated
		}
	}
	{
		var e *ErrAlreadyCancelled
		if errors.As(err, &e) {
			return CodeAlreadyCancelled
		}
	}
	{
		var e *ErrBackendUnavailable
		if errors.As(err, &e) {
			return CodeBackendUnavailable
		}
	}
	{
		var e *ErrRuntime
		if errors.As(err, &e) {
			return CodeRuntimeError
		}
	}
	{
		var e *ErrSystem
		if errors.As(err, &e) {
			return CodeSystemException
		}
	}
	{
		var e *ErrUnauthenticated
		if errors.As(err, &e) {
			return CodeUnauthenticated
		}
	}
	return CodeUnknown
}

// FormatWire renders err as "<code>#<message>", the form used to carry errors across process
// and host boundaries.
func FormatWire(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%d#%s", CodeFromError(err), errors.Cause(err).Error())
}

// ParseWire splits a "<code>#<message>" string. Strings not in that form yield CodeUnknown and
// the whole input as message.
func ParseWire(s string) (Code, string) {
	pos := strings.Index(s, "#")
	if pos <= 0 {
		return CodeUnknown, s
	}
	code, err := strconv.Atoi(s[:pos])
	if err != nil {
		return CodeUnknown, s
	}
	return Code(code), s[pos+1:]
}
