package a2a

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies agent invocation failures.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindUnreachable     ErrorKind = "unreachable"
	KindBadResponse     ErrorKind = "bad_response"
	KindBackendRejected ErrorKind = "backend_rejected"
)

// Error is returned by Client.Invoke. Its detail is for operators only.
type Error struct {
	Kind          ErrorKind
	StatusCode    int // 0 when no HTTP response was received
	CorrelationID string
	Attempts      int
	Err           error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("a2a %s (HTTP %d, correlation %s): %v", e.Kind, e.StatusCode, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("a2a %s (correlation %s): %v", e.Kind, e.CorrelationID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an a2a error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// attemptError is a single failed attempt before retry classification.
type attemptError struct {
	kind       ErrorKind
	statusCode int
	retryable  bool
	err        error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.retryable
	}
	return false
}

// classifyTransport maps a client.Do error to an attempt error.
func classifyTransport(err error) *attemptError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &attemptError{kind: KindTimeout, retryable: true, err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &attemptError{kind: KindTimeout, retryable: true, err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &attemptError{kind: KindUnreachable, retryable: true, err: err}
	}
	// Checked before OpError, which wraps it on dial.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &attemptError{kind: KindUnreachable, retryable: dnsErr.IsTemporary, err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &attemptError{kind: KindUnreachable, retryable: true, err: err}
	}
	return &attemptError{kind: KindUnreachable, retryable: false, err: err}
}
