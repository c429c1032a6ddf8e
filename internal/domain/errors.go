package domain

import "fmt"

// TransportError signals a pipe I/O failure, malformed header, truncated
// body, or stream EOF. The worker that produced it is assumed dead; the
// caller may retry against a freshly (re)started worker.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error during %s", e.Op)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with the operation that failed.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// CompileError is a well-formed "error" response from a healthy worker, or
// an unrecognized response type. Non-transient for the given input: the
// compile service does not retry it.
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string { return e.Message }

// NewCompileError builds a CompileError, substituting a placeholder when
// the worker sent an empty error field.
func NewCompileError(message string) *CompileError {
	if message == "" {
		message = "[no 'error' field]"
	}
	return &CompileError{Message: message}
}

// BadCompilerError means the worker could not be launched, could not
// produce a valid version line, or could not accept the opening newline.
// Fatal at the pool level: it propagates out of startup without retry.
type BadCompilerError struct {
	Message string
	Err     error
}

func (e *BadCompilerError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *BadCompilerError) Unwrap() error { return e.Err }

// NewBadCompilerError builds a BadCompilerError with an optional cause.
func NewBadCompilerError(message string, err error) *BadCompilerError {
	return &BadCompilerError{Message: message, Err: err}
}
