package session

import (
	"errors"
	"fmt"
)

var (
	// ErrActive is returned by Start while a session is connecting or connected.
	ErrActive = errors.New("session: already active")

	// ErrStopped is returned by Start when Stop was called before startup
	// completed.
	ErrStopped = errors.New("session: stopped during startup")
)

// Kind classifies a terminal session error.
type Kind int

const (
	// KindStartup is any other failure while starting a session.
	KindStartup Kind = iota

	// KindPermission means the microphone was denied or unavailable.
	KindPermission

	// KindConnection is a transport-level socket error.
	KindConnection

	// KindClose is an abnormal close of the remote session.
	KindClose

	// KindDecode is malformed audio from the remote session.
	KindDecode
)

// String returns the lowercase kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindConnection:
		return "connection"
	case KindClose:
		return "close"
	case KindDecode:
		return "decode"
	default:
		return "startup"
	}
}

// Error is a terminal session failure. Msg is the user-facing text shown in
// the error banner; Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Code int // close code, KindClose only
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// startupError builds the error for a failed start(). Permission failures and
// generic failures share the user-facing prefix.
func startupError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: "Failed to start session: " + err.Error(), Err: err}
}

// connectionError is the generic message for transport failures; the cause is
// only logged.
func connectionError(err error) *Error {
	return &Error{Kind: KindConnection, Msg: "A connection error occurred.", Err: err}
}

// closeError builds the error for an abnormal close.
func closeError(code int, reason string) *Error {
	msg := reason
	if msg == "" {
		msg = fmt.Sprintf("Connection closed unexpectedly (Code: %d).", code)
	}
	return &Error{Kind: KindClose, Code: code, Msg: msg}
}

func decodeError(err error) *Error {
	return &Error{Kind: KindDecode, Msg: "Failed to play audio response: " + err.Error(), Err: err}
}
