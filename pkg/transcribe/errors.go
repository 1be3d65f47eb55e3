package transcribe

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by SendChunk after the session has ended.
var ErrSessionClosed = errors.New("transcribe: session closed")

// ConnectionError is a fatal failure to establish or keep the transport
// connection: dial timeout, refused connection, or handshake failure. It
// is fatal for the attempt; the engine does not retry internally.
type ConnectionError struct {
	Op  string // "dial", "handshake", "send"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transcribe: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServiceError is a fatal service-side condition mapped from a close
// reason: quota exhaustion, rejected credential, overload. The Reason
// carries the retryable flag and a human-readable description.
type ServiceError struct {
	Reason CloseReason
	Code   int
}

func (e *ServiceError) Error() string { return e.Reason.Describe() }

// TransientNetworkError reports an abnormal connection loss. It is
// reported once and never auto-retried internally.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transcribe: %s: %v", ReasonTransientNetwork.Describe(), e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected message. Protocol errors
// are logged and the offending message skipped; the session continues.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transcribe: protocol error: %s: %v", e.Detail, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// EncodingError is scoped to a single chunk: the chunk is dropped, the
// error surfaced, and streaming continues.
type EncodingError struct {
	Seq uint64
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("transcribe: encoding chunk %d: %v", e.Seq, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// FatalReason extracts the classified close reason when err is a terminal
// session error, and reports whether err is fatal for the session.
// EncodingError and ProtocolError are not fatal.
func FatalReason(err error) (CloseReason, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	var tne *TransientNetworkError
	if errors.As(err, &tne) {
		return ReasonTransientNetwork, true
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ReasonUnknown, true
	}
	return ReasonUnknown, false
}
