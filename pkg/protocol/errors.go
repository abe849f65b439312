package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the numbered failure classes. Callers match with
// errors.Is; error handlers receive these wrapped with context.
var (
	// ErrFactoryNotFound: a handle or SHA key does not resolve to a
	// live cache entry.
	ErrFactoryNotFound = errors.New("factory not found")

	// ErrInstanceNotCreated: instance allocation or session setup
	// failed at creation time. Never reported mid-stream.
	ErrInstanceNotCreated = errors.New("instance not created")

	// ErrNetStreamNotStarted: the streaming handshake was rejected or
	// timed out, typically a sampling rate / cycle size / encoding
	// mismatch.
	ErrNetStreamNotStarted = errors.New("network stream not started")

	// ErrNetStreamRead: a cycle of remote output was lost or arrived
	// too late. Transient; the session substitutes silence.
	ErrNetStreamRead = errors.New("network stream read failed")

	// ErrNetStreamWrite: sending a cycle of input failed. Transient.
	ErrNetStreamWrite = errors.New("network stream write failed")

	// ErrConnection: the HTTP exchange with a compilation server
	// failed (refused, timeout, malformed response).
	ErrConnection = errors.New("server connection failed")
)

// Numbered error codes, stable across the wire and in error handlers.
const (
	CodeFactoryNotFound = iota
	CodeInstanceNotCreated
	CodeNetStreamNotStarted
	CodeNetStreamRead
	CodeNetStreamWrite
	CodeConnection
	CodeUnknown = -1
)

// ErrorCode maps an error chain to its numbered code, CodeUnknown when
// none of the sentinels match.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, ErrFactoryNotFound):
		return CodeFactoryNotFound
	case errors.Is(err, ErrInstanceNotCreated):
		return CodeInstanceNotCreated
	case errors.Is(err, ErrNetStreamNotStarted):
		return CodeNetStreamNotStarted
	case errors.Is(err, ErrNetStreamRead):
		return CodeNetStreamRead
	case errors.Is(err, ErrNetStreamWrite):
		return CodeNetStreamWrite
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeUnknown
	}
}

// CompileError carries a compiler diagnostic verbatim. Compile errors
// are free text, not numbered codes.
type CompileError struct {
	Output string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed: %s", e.Output)
}
