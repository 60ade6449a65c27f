package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost reports end-of-stream or a broken connection. The
	// connection must not be used after it is returned.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrAuthenticationFailed reports a rejected handshake. It is never retried.
	ErrAuthenticationFailed = errors.New("transport: authentication failed")
)

// Error envelope codes.
const (
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeNotFound        = 404
	CodeUnknownFunction = 405
	CodeConflict        = 409
	CodeInternal        = 500
)

// ProtocolError describes a malformed or unrecognized envelope. The
// connection that produced it stays usable.
type ProtocolError struct {
	Code     int
	Function string
	Message  string
}

func (e *ProtocolError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("protocol error %d (%s): %s", e.Code, e.Function, e.Message)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Envelope renders the error as a reply.
func (e *ProtocolError) Envelope() Envelope {
	if e.Function != "" {
		return ErrorEnvelope(e.Code, e.Message, "function", e.Function)
	}
	return ErrorEnvelope(e.Code, e.Message)
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func connectionLost(err error) error {
	if err == nil || errors.Is(err, ErrConnectionLost) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
