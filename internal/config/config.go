// Package config defines the validated options a Session is built from.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kazyx/wsclient/extension"
	"github.com/kazyx/wsclient/handshake"
)

// SessionOptions holds every knob a caller can set before dialing.
type SessionOptions struct {
	// Protocols are offered in Sec-WebSocket-Protocol, most preferred first.
	Protocols []string
	// ExtensionRequests are offered in Sec-WebSocket-Extensions, in order.
	ExtensionRequests []extension.Request
	// ExtraHeaders are appended to the opening request verbatim.
	ExtraHeaders []handshake.Header
	// MaxResponsePayloadSizeInBytes bounds the payload of each inbound
	// frame; a fragmented message is not bounded as a whole. 0 means
	// unlimited.
	MaxResponsePayloadSizeInBytes int64 `validate:"gte=0"`
	// HandshakeHook, if set, gets a final accept/reject vote on the
	// response after the built-in checks pass.
	HandshakeHook func(*handshake.Response) bool
	// ConnectTimeout bounds the TCP connect step; 0 means no timeout.
	ConnectTimeout time.Duration `validate:"gte=0"`
	// PingInterval is how often CheckConnection should be called by the
	// caller to keep the connection alive; Session does not schedule this
	// itself. 0 disables the recommendation (no liveness checking).
	PingInterval time.Duration `validate:"gte=0"`
	// PongTimeout is the recommended timeout for the caller to pass to
	// CheckConnection; Session does not read it, CheckConnection takes its
	// timeout as an argument.
	PongTimeout time.Duration `validate:"gte=0"`
	// ReaderRoutines bounds the depth of the queue feeding the single
	// dispatch goroutine that runs message/ping/pong/close handlers for
	// this session off the read loop, in wire order. Must be at least 1.
	ReaderRoutines int `validate:"gte=1"`
}

// NewSessionOptions returns SessionOptions with the package defaults:
// no subprotocols or extensions offered, no size limit, a 10s connect
// timeout, no liveness checking, and a 4-deep dispatch queue.
func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		MaxResponsePayloadSizeInBytes: 0,
		ConnectTimeout:                10 * time.Second,
		ReaderRoutines:                4,
	}
}

// WithProtocols sets the offered subprotocols.
func (o *SessionOptions) WithProtocols(protocols ...string) *SessionOptions {
	o.Protocols = protocols
	return o
}

// WithExtensions sets the offered extensions.
func (o *SessionOptions) WithExtensions(reqs ...extension.Request) *SessionOptions {
	o.ExtensionRequests = reqs
	return o
}

// WithExtraHeaders appends headers to the opening request.
func (o *SessionOptions) WithExtraHeaders(headers ...handshake.Header) *SessionOptions {
	o.ExtraHeaders = headers
	return o
}

// WithMaxResponsePayloadSizeInBytes bounds the payload of each inbound frame.
func (o *SessionOptions) WithMaxResponsePayloadSizeInBytes(n int64) *SessionOptions {
	o.MaxResponsePayloadSizeInBytes = n
	return o
}

// WithHandshakeHook installs a final accept/reject hook on the response.
func (o *SessionOptions) WithHandshakeHook(hook func(*handshake.Response) bool) *SessionOptions {
	o.HandshakeHook = hook
	return o
}

// WithConnectTimeout bounds the TCP connect step.
func (o *SessionOptions) WithConnectTimeout(d time.Duration) *SessionOptions {
	o.ConnectTimeout = d
	return o
}

// WithPingInterval sets the recommended CheckConnection cadence.
func (o *SessionOptions) WithPingInterval(d time.Duration) *SessionOptions {
	o.PingInterval = d
	return o
}

// WithPongTimeout sets the recommended CheckConnection timeout.
func (o *SessionOptions) WithPongTimeout(d time.Duration) *SessionOptions {
	o.PongTimeout = d
	return o
}

// WithReaderRoutines sets the dispatch queue depth dedicated to this session.
func (o *SessionOptions) WithReaderRoutines(n int) *SessionOptions {
	o.ReaderRoutines = n
	return o
}

// Validate runs the go-playground/validator struct-tag rules over opts.
func Validate(opts *SessionOptions) error {
	return validator.New().Struct(opts)
}
