package transport

import (
	"errors"
	"fmt"
)

// KwargToken names the credential carried by the auth envelope.
const KwargToken = "token"

// VerifyFunc validates a handshake credential and returns the
// authenticated subject.
type VerifyFunc func(token string) (subject string, err error)

// ClientHandshake authenticates the dialing side. Any answer other than
// auth_ok fails with ErrAuthenticationFailed.
func ClientHandshake(conn Conn, token string) error {
	if err := conn.Send(NewEnvelope(KindAuth).WithKwarg(KwargToken, token)); err != nil {
		return err
	}
	env, err := conn.Receive()
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	switch env.Kind() {
	case KindAuthOK:
		return nil
	case KindError:
		_, msg, _ := env.ErrorDetail()
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg)
	default:
		return fmt.Errorf("%w: unexpected %q during handshake", ErrAuthenticationFailed, env.Function)
	}
}

// ServerHandshake expects the first envelope on conn to be auth and checks
// it with verify. On failure an error envelope is sent and
// ErrAuthenticationFailed is returned; the caller closes the connection.
func ServerHandshake(conn Conn, verify VerifyFunc) (string, error) {
	env, err := conn.Receive()
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			//nolint:errcheck // best-effort reply before the connection is dropped
			conn.Send(pe.Envelope())
			return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return "", err
	}
	if env.Kind() != KindAuth {
		//nolint:errcheck // best-effort reply before the connection is dropped
		conn.Send(ErrorEnvelope(CodeBadRequest, "first message must be auth", "function", env.Function))
		return "", fmt.Errorf("%w: expected auth, got %q", ErrAuthenticationFailed, env.Function)
	}
	subject, err := verify(env.KwargString(KwargToken))
	if err != nil {
		//nolint:errcheck // best-effort reply before the connection is dropped
		conn.Send(ErrorEnvelope(CodeUnauthorized, "authentication failed"))
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if err := conn.Send(NewEnvelope(KindAuthOK)); err != nil {
		return "", err
	}
	return subject, nil
}
