package errors

import "errors"

// Error messages.
var (
	ErrInvalidLanguageType   = errors.New("invalid language type")
	ErrFailedToGetFreeWorker = errors.New("failed to get free worker")
	ErrUnknownMessageType    = errors.New("unknown message type")
	ErrResponderClosed       = errors.New("responder is closed")
	ErrInvalidTask           = errors.New("invalid task payload")

	ErrSandboxTimeout      = errors.New("sandbox execution timed out")
	ErrSandboxOutOfMemory  = errors.New("sandbox exceeded memory limit")
	ErrSandboxExecFailed   = errors.New("sandbox command failed")
	ErrSandboxOutputLimit  = errors.New("sandbox output limit exceeded")
	ErrSandboxNotStarted   = errors.New("sandbox is not started")
	ErrCompilationFailed   = errors.New("compilation failed")
	ErrInvalidCommand      = errors.New("invalid language command template")
	ErrMalformedTestCases  = errors.New("malformed test case data")
	ErrAttachmentNotFound  = errors.New("attachment not found")
	ErrAttachmentMissing   = errors.New("attachment reference is empty")
	ErrFailedToStoreOutput = errors.New("failed to store execution output")
	ErrDuplicateExecution  = errors.New("execution already recorded for this attempt")
)
