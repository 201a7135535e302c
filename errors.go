package dist

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrBackpressure is returned by Session.Send when the outbound queue is
// full (spec §5 Backpressure).
var ErrBackpressure = errors.New("dist: outbound queue full")

// ErrTickTimeout is queued as an error for Session.Recv when no frame of any
// kind arrives within 4 tick intervals (spec §4.8); the session then closes
// with reason "tick timeout".
var ErrTickTimeout = errors.New("dist: tick timeout")

// HandshakeError reports a fatal failure of the C5 state machine (spec §7).
type HandshakeError struct {
	Kind  string
	State string
	Info  string
}

func (e *HandshakeError) Error() string {
	if e.Info == "" {
		return fmt.Sprintf("dist: handshake %s in state %s", e.Kind, e.State)
	}
	return fmt.Sprintf("dist: handshake %s in state %s: %s", e.Kind, e.State, e.Info)
}

func missingRequiredFlag(state, name string) error {
	return errors.WithStack(&HandshakeError{Kind: "MissingRequiredFlag", State: state, Info: name})
}

func statusRejected(state, status string) error {
	return errors.WithStack(&HandshakeError{Kind: "StatusRejected", State: state, Info: status})
}

func authenticationFailed(state string) error {
	return errors.WithStack(&HandshakeError{Kind: "AuthenticationFailed", State: state})
}

func nameCollision(state string) error {
	return errors.WithStack(&HandshakeError{Kind: "NameCollision", State: state})
}

// SessionError reports a fault in the steady-state loop (spec §7).
type SessionError struct {
	Kind string
	Info string
}

func (e *SessionError) Error() string {
	if e.Info == "" {
		return fmt.Sprintf("dist: session %s", e.Kind)
	}
	return fmt.Sprintf("dist: session %s: %s", e.Kind, e.Info)
}

func protocolError(info string) error {
	return errors.WithStack(&SessionError{Kind: "ProtocolError", Info: info})
}

func unknownControl(opcode int) error {
	return errors.WithStack(&SessionError{Kind: "UnknownControl", Info: fmt.Sprintf("opcode %d", opcode)})
}

func payloadDecodeError(info string) error {
	return errors.WithStack(&SessionError{Kind: "PayloadDecodeError", Info: info})
}

func fragmentOverflow(seq uint64) error {
	return errors.WithStack(&SessionError{Kind: "FragmentOverflow", Info: fmt.Sprintf("sequence %d", seq)})
}

// Closed is queued as the final error of the session's event queue when a
// session ends, so Session.Recv returns it as an error; it is not an Event.
// A Recv already blocked when the session's context is cancelled returns
// the context's error instead. Send and the other enqueueing methods return
// Closed once the session is shutting down.
type Closed struct {
	Reason string
}

func (e Closed) Error() string { return fmt.Sprintf("dist: closed: %s", e.Reason) }
