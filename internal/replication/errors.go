package replication

import (
	"errors"
	"fmt"

	"github.com/roach88/policysync/internal/cache"
	"github.com/roach88/policysync/internal/poller"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Code.
var (
	ErrValidation          = errors.New("invalid replication request")
	ErrResolution          = errors.New("node resolution failed")
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrVersionIncompatible = errors.New("node versions incompatible")
	ErrConflict            = errors.New("conflict")
	ErrTransfer            = errors.New("transfer failed")
	ErrStopped             = errors.New("orchestrator stopped")

	// ErrRemoteJobFailed and ErrRemoteJobTimeout are the poller's sentinels,
	// so a *poller.JobError matches them directly.
	ErrRemoteJobFailed  = poller.ErrJobFailed
	ErrRemoteJobTimeout = poller.ErrJobTimeout

	// ErrCacheCorruption marks a staged file that failed validation. It is
	// always reported under CodeTransfer.
	ErrCacheCorruption = cache.ErrCorrupt
)

// ErrorCode categorizes replication errors.
type ErrorCode string

const (
	// CodeValidation indicates missing or conflicting request parameters.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeResolution indicates an unknown node.
	CodeResolution ErrorCode = "RESOLUTION"

	// CodeArtifactNotFound indicates the source artifact does not exist.
	CodeArtifactNotFound ErrorCode = "ARTIFACT_NOT_FOUND"

	// CodeVersionIncompatible indicates source and target major versions differ.
	CodeVersionIncompatible ErrorCode = "VERSION_INCOMPATIBLE"

	// CodeConflict indicates a request for the key is already tracked, or a
	// delete was attempted on an in-flight request.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeRemoteJobFailed indicates a remote job reported FAILURE.
	CodeRemoteJobFailed ErrorCode = "REMOTE_JOB_FAILED"

	// CodeRemoteJobTimeout indicates a remote job did not finish in time.
	CodeRemoteJobTimeout ErrorCode = "REMOTE_JOB_TIMEOUT"

	// CodeTransfer indicates a network or disk failure, including staged
	// files that failed validation.
	CodeTransfer ErrorCode = "TRANSFER"
)

var codeSentinels = map[ErrorCode]error{
	CodeValidation:          ErrValidation,
	CodeResolution:          ErrResolution,
	CodeArtifactNotFound:    ErrArtifactNotFound,
	CodeVersionIncompatible: ErrVersionIncompatible,
	CodeConflict:            ErrConflict,
	CodeRemoteJobFailed:     ErrRemoteJobFailed,
	CodeRemoteJobTimeout:    ErrRemoteJobTimeout,
	CodeTransfer:            ErrTransfer,
}

// Error is a replication failure with enough context to report it on the
// status surface.
type Error struct {
	Code    ErrorCode
	Message string

	// Key identifies the affected request, if any.
	Key Key

	// Stage is the state the request was in when the error occurred.
	// Empty for errors raised before the pipeline starts.
	Stage State

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s during %s: %s", e.Code, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Code.
func (e *Error) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}

// CodeOf returns the code of the *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func validationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictError(key Key, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Key: key, Message: fmt.Sprintf(format, args...)}
}

// stageError classifies err raised while key was in stage. An *Error in
// err's chain may come from coalesced work and be shared by several
// requests, so it is copied rather than filled in place.
func stageError(key Key, stage State, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		cp := *re
		if cp.Stage == "" {
			cp.Stage = stage
		}
		if cp.Key == (Key{}) {
			cp.Key = key
		}
		return &cp
	}

	code := CodeTransfer
	switch {
	case errors.Is(err, poller.ErrJobFailed):
		code = CodeRemoteJobFailed
	case errors.Is(err, poller.ErrJobTimeout):
		code = CodeRemoteJobTimeout
	}
	return &Error{Code: code, Key: key, Stage: stage, Err: err}
}
