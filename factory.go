package wsclient

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/kazyx/wsclient/handshake"
	"github.com/kazyx/wsclient/internal/config"
	"github.com/kazyx/wsclient/reactor"
	"github.com/kazyx/wsclient/session"
	"github.com/kazyx/wsclient/wslog"
)

// Options re-exports the builder callers use to configure a session before
// Connect, so callers only need to import the root package.
type Options = config.SessionOptions

// NewOptions returns Options with the package defaults; see
// internal/config.NewSessionOptions.
func NewOptions() *Options { return config.NewSessionOptions() }

// Handler re-exports the session event-callback contract.
type Handler = session.Handler

// NopHandler re-exports the no-op Handler embedding helper.
type NopHandler = session.NopHandler

// Session re-exports the open connection handle returned by Connect.
type Session = session.Session

// Factory owns a Reactor and every Session dialed through it. Destroying a
// Factory closes every live session dialed through it (CloseNow) and then
// destroys its Reactor.
type Factory struct {
	reactor *reactor.Reactor
	logger  *wslog.Logger

	mu        sync.Mutex
	sessions  map[uuid.UUID]*Session
	destroyed bool
}

// NewFactory starts a Factory with its own Reactor and a logger that uses
// the Discard sink at level Silent; override both via SetLogger.
func NewFactory() (*Factory, error) {
	rx, err := reactor.New()
	if err != nil {
		return nil, newErr(KindResource, "NewFactory", err)
	}
	return &Factory{
		reactor:  rx,
		logger:   wslog.New(wslog.Discard, wslog.Silent, "wsclient"),
		sessions: make(map[uuid.UUID]*Session),
	}, nil
}

// SetLogger installs the sink and level every subsequently dialed session
// logs through. Reconfiguring after the first Connect call is undefined;
// treat the logger as process-wide configuration set once at startup.
func (f *Factory) SetLogger(sink wslog.Sink, level wslog.Level) {
	f.logger = wslog.New(sink, level, "wsclient")
}

// Connect performs the synchronous TCP-connect-then-handshake sequence and
// blocks until the session is open or ctx is done. ctx bounds the entire
// connect+handshake.
func (f *Factory) Connect(ctx context.Context, url string, opts *Options, handler Handler) (*Session, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil, newErr(KindResource, "Connect", ErrFactoryDestroyed)
	}
	f.mu.Unlock()

	id := uuid.New()
	logger := f.logger.WithTag(id.String())

	sess, err := session.Dial(ctx, url, opts, handler, f.reactor, logger)
	if err != nil {
		return nil, classifyDialError(err)
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		sess.CloseNow()
		return nil, newErr(KindResource, "Connect", ErrFactoryDestroyed)
	}
	f.sessions[id] = sess
	f.mu.Unlock()

	go func() {
		<-sess.Done()
		f.mu.Lock()
		delete(f.sessions, id)
		f.mu.Unlock()
	}()

	return sess, nil
}

// classifyDialError maps the plain errors session.Dial returns into the
// public Kind taxonomy by checking which sentinel the failure wraps. session
// cannot import this package (it would cycle), so the mapping lives here.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, session.ErrConnectFailed),
		errors.Is(err, session.ErrUnexpectedEOF):
		return newErr(KindTransport, "Connect", err)
	case errors.Is(err, handshake.ErrMalformed),
		errors.Is(err, handshake.ErrAcceptMismatch),
		errors.Is(err, handshake.ErrSubprotocolRejected),
		errors.Is(err, handshake.ErrExtensionRejected),
		errors.Is(err, handshake.ErrRejected):
		return newErr(KindHandshake, "Connect", err)
	default:
		// Every other Dial failure is classified as a handshake failure too:
		// errors after TCP connect (a write error mid-handshake, an
		// extension negotiation error, ctx ending during the handshake) as
		// well as an invalid URL or invalid options, which Dial reports
		// before connecting.
		return newErr(KindHandshake, "Connect", err)
	}
}

// Destroy idempotently closes every live session, stops the Reactor, and
// marks the Factory unusable for further Connect calls.
func (f *Factory) Destroy() error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true
	sessions := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.sessions = nil
	f.mu.Unlock()

	for _, s := range sessions {
		s.CloseNow()
	}
	return f.reactor.Destroy()
}

// Metrics reports the factory's Reactor operability counters.
func (f *Factory) Metrics() reactor.Metrics { return f.reactor.Metrics() }
