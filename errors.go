// Package wsclient — see doc.go for the package overview.
package wsclient

import (
	"errors"
	"fmt"

	"github.com/kazyx/wsclient/extension"
	"github.com/kazyx/wsclient/handshake"
	"github.com/kazyx/wsclient/session"
	"github.com/kazyx/wsclient/wire"
)

// Kind classifies an Error by how it should propagate: transport and
// handshake errors fail the dial, protocol errors close the session, usage
// and resource errors are caller faults that fail fast.
type Kind int

const (
	// KindTransport covers TCP connect failure and unexpected EOF.
	KindTransport Kind = iota
	// KindHandshake covers a malformed or rejected HTTP upgrade response.
	KindHandshake
	// KindProtocol covers wire-format violations detected by the frame codec.
	KindProtocol
	// KindUsage covers invalid arguments supplied by the caller (e.g. window
	// bits out of range, nil logger level).
	KindUsage
	// KindResource covers use of an already-destroyed factory or reactor.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshake:
		return "handshake"
	case KindProtocol:
		return "protocol"
	case KindUsage:
		return "usage"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned across the public API.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wsclient: %s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("wsclient: %s: %s", e.Kind, e.Op)
}

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, wrapping a sentinel cause.
func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel causes wrapped by *Error values returned from this package. Most
// of these alias the sentinel declared by the package that actually detects
// the failure, so errors.Is works whether a caller compares against the
// root package's name or the underlying package's.
var (
	ErrConnectFailed       = session.ErrConnectFailed
	ErrUnexpectedEOF       = session.ErrUnexpectedEOF
	ErrHandshakeRejected   = handshake.ErrRejected
	ErrHandshakeMalformed  = handshake.ErrMalformed
	ErrAcceptMismatch      = handshake.ErrAcceptMismatch
	ErrSubprotocolRejected = handshake.ErrSubprotocolRejected
	ErrExtensionRejected   = handshake.ErrExtensionRejected
	ErrProtocolViolation   = wire.ErrProtocolViolation
	ErrInvalidWindowBits   = extension.ErrInvalidWindowBits
	ErrNilWriter           = session.ErrNilWriter
	ErrFactoryDestroyed    = errors.New("factory is already destroyed")
	ErrReactorClosed       = errors.New("reactor is closed")
)
