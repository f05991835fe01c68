package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrInvalidData  = fmt.Errorf("invalid data")
	ErrTimeout      = fmt.Errorf("operation timed out")
)

// Sentinel errors for process and session handling.
var (
	ErrCommandResolution    = fmt.Errorf("command could not be resolved")
	ErrProcessSpawn         = fmt.Errorf("process spawn failed")
	ErrStdinWrite           = fmt.Errorf("stdin write failed")
	ErrFollowUpNotSupported = fmt.Errorf("follow-up not supported")
	ErrSessionNotFound      = fmt.Errorf("session not found")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrStoreWrite           = fmt.Errorf("log store write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Supervisor.Spawn")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "session", "process"); used for ErrorCode dispatch
	Cause     error  // optional originating error, reachable through Unwrap
}

func (e *DomainError) Error() string {
	msg := e.Op + ": "
	if e.Detail != "" {
		msg += e.Detail + ": "
	}
	msg += e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the originating cause to errors.Is/As.
func (e *DomainError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapCause creates a DomainError whose sentinel is err and whose originating
// error is cause, e.g. a follow-up failure caused by a fork error.
func WrapCause(op string, err, cause error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, Cause: cause}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsProcessLifecycleError reports whether err must propagate to the caller
// as a transport/process failure rather than be absorbed into the log.
func IsProcessLifecycleError(err error) bool {
	return errors.Is(err, ErrCommandResolution) ||
		errors.Is(err, ErrProcessSpawn) ||
		errors.Is(err, ErrStdinWrite) ||
		errors.Is(err, ErrFollowUpNotSupported)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeCommandResolution    ErrorCode = "COMMAND_RESOLUTION"
	CodeProcessSpawn         ErrorCode = "PROCESS_SPAWN"
	CodeStdinWrite           ErrorCode = "STDIN_WRITE"
	CodeFollowUpNotSupported ErrorCode = "FOLLOW_UP_NOT_SUPPORTED"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeStoreWrite           ErrorCode = "STORE_WRITE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeInvalidSessionID   ErrorCode = "INVALID_SESSION_ID"
	CodeSessionDirNotFound ErrorCode = "SESSION_DIR_NOT_FOUND"
	CodeSessionFileInvalid ErrorCode = "SESSION_FILE_INVALID"
	CodeConfigInvalid      ErrorCode = "CONFIG_INVALID"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeInvalidData  ErrorCode = "INVALID_DATA"
	CodeTimeout      ErrorCode = "TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrInvalidInput: CodeInvalidInput,
	ErrInvalidData:  CodeInvalidData,
	ErrTimeout:      CodeTimeout,

	ErrCommandResolution:    CodeCommandResolution,
	ErrProcessSpawn:         CodeProcessSpawn,
	ErrStdinWrite:           CodeStdinWrite,
	ErrFollowUpNotSupported: CodeFollowUpNotSupported,
	ErrSessionNotFound:      CodeSessionNotFound,
	ErrConfigLoad:           CodeConfigLoad,
	ErrStoreWrite:           CodeStoreWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"session": CodeSessionDirNotFound,
	},
	ErrInvalidInput: {
		"session": CodeInvalidSessionID,
		"config":  CodeConfigInvalid,
	},
	ErrInvalidData: {
		"session": CodeSessionFileInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Follow-up failures always report CodeFollowUpNotSupported even though they
// also wrap the fork error that caused them.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
