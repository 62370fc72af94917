package chatlink

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout means a connect attempt did not settle within
	// Config.ConnectTimeout. The half-open transport has been discarded.
	ErrConnectTimeout = errors.New("chatlink: connect timed out")

	// ErrBrokerRejected means the broker refused the session during the
	// handshake, typically authentication or authorization failure.
	ErrBrokerRejected = errors.New("chatlink: broker rejected connection")

	// ErrNotConnected means an operation that needs a live session was
	// attempted without one. It never opens a connection as a side effect.
	ErrNotConnected = errors.New("chatlink: no live session")

	// ErrSubscriptionConflict is defensive only; idempotent subscribe
	// reuses the existing handle instead of surfacing it.
	ErrSubscriptionConflict = errors.New("chatlink: subscription already exists")

	// ErrReconnectExhausted is the terminal failure reported after the
	// automatic reconnect budget is spent. An explicit Connect call
	// resets the budget.
	ErrReconnectExhausted = errors.New("chatlink: automatic reconnect attempts exhausted")

	// errConnectAborted settles a pending connect attempt that was
	// superseded by a deliberate teardown. It wraps ErrNotConnected so
	// coalesced Connect callers can classify the outcome.
	errConnectAborted = fmt.Errorf("%w: connect attempt aborted", ErrNotConnected)
)

// DecodeError reports a malformed inbound frame. A DecodeError is always
// recovered locally: the frame is dropped and the session continues.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "chatlink: malformed frame: " + e.Reason
}

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

func brokerRejected(message string) error {
	if message == "" {
		return ErrBrokerRejected
	}
	return fmt.Errorf("%w: %s", ErrBrokerRejected, message)
}
