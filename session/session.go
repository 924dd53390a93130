// Package session implements the client-visible WebSocket connection: it
// sequences TCP connect, the opening handshake, framed communication, and
// the two-step close discipline, and owns the write queue that linearizes
// concurrent sends, driving wire.Decoder/Encoder and extension.Extension.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"

	"github.com/kazyx/wsclient/extension"
	"github.com/kazyx/wsclient/handshake"
	"github.com/kazyx/wsclient/internal/config"
	"github.com/kazyx/wsclient/reactor"
	"github.com/kazyx/wsclient/wire"
	"github.com/kazyx/wsclient/wslog"
	"github.com/kazyx/wsclient/wsrand"
)

// Sentinel causes wrapped into the errors Dial and PartialWriter return, so
// the root package can classify a failure with errors.Is instead of matching
// message text.
var (
	ErrConnectFailed = errors.New("session: tcp connect failed")
	ErrUnexpectedEOF = errors.New("session: unexpected end of stream")
	ErrNilWriter     = errors.New("session: partial writer is nil")
)

// State is the session's one-way lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives session lifecycle and message events, one at a time, in
// on-the-wire order, on a single dispatch goroutine dedicated to the session
// (separate from the goroutine reading the socket, so a slow Handler call
// never stalls the read loop; see SessionOptions.ReaderRoutines for the
// queue depth between them). A Handler must not block indefinitely or
// reenter the session synchronously. OnConnected is delivered synchronously
// from Dial. OnClosed is delivered on whichever goroutine ends the session
// (the dispatch goroutine for an inbound CLOSE, otherwise the read loop, a
// reactor timer, or the caller of CloseNow), so it can run concurrently with
// a message callback still on the dispatch goroutine.
type Handler interface {
	OnConnected()
	OnTextMessage(text string)
	OnBinaryMessage(payload []byte)
	OnPing(payload []byte)
	OnPong(payload []byte)
	OnClosed(code wire.CloseCode, reason string)
}

// writeRequest is one pending frame write plus the channel its caller blocks
// on for the result.
type writeRequest struct {
	buf  []byte
	done chan error
}

// writePump is the connection's pending-write ring: callers enqueue frames
// from any goroutine (readLoop replying to a PING, the public Send* methods,
// the close handshake) and a single writer goroutine drains them onto the
// socket in order, so writes for one session are never interleaved. Backed
// by an eapache/queue ring instead of a fixed-capacity channel so a burst of
// sends never blocks the caller on channel capacity.
type writePump struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
}

func newWritePump() *writePump {
	p := &writePump{q: queue.New()}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// enqueue appends buf to the ring and returns a channel that receives the
// write's outcome once the pump goroutine has drained it.
func (p *writePump) enqueue(buf []byte) chan error {
	done := make(chan error, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done <- fmt.Errorf("session: write pump closed")
		return done
	}
	p.q.Add(writeRequest{buf: buf, done: done})
	p.mu.Unlock()
	p.cond.Signal()
	return done
}

// dequeue blocks until a request is available or the pump has been closed
// and drained. Requests queued before close are still returned, so callers
// already blocked on done never hang.
func (p *writePump) dequeue() (writeRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.q.Length() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.q.Length() == 0 {
		return writeRequest{}, false
	}
	return p.q.Remove().(writeRequest), true
}

func (p *writePump) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// stoppableExecutor is what reactor.NewBoundedExecutor returns: an Executor
// that can also release its worker goroutines. Each session gets its own
// single-worker instance (queue depth set by SessionOptions.ReaderRoutines)
// so message dispatch runs off the read loop without competing with another
// session's dispatch on the factory-wide reactor's shared pool, while still
// delivering events to the Handler strictly in wire order.
type stoppableExecutor interface {
	reactor.Executor
	Stop()
}

// NopHandler implements Handler with no-ops, for embedding by callers who
// only care about a subset of events.
type NopHandler struct{}

func (NopHandler) OnConnected()                    {}
func (NopHandler) OnTextMessage(string)             {}
func (NopHandler) OnBinaryMessage(payload []byte)   {}
func (NopHandler) OnPing(payload []byte)            {}
func (NopHandler) OnPong(payload []byte)            {}
func (NopHandler) OnClosed(wire.CloseCode, string)  {}

// Session is a single client WebSocket connection.
type Session struct {
	conn    net.Conn
	reactor *reactor.Reactor
	logger  *wslog.Logger
	opts    *config.SessionOptions

	handler Handler

	encoder wire.Encoder
	decoder wire.Decoder

	extensions []extension.Extension
	protocol   string
	resp       *handshake.Response

	state atomic.Int32

	wq       *writePump
	executor stoppableExecutor

	closeOnce    sync.Once
	closeNowOnce sync.Once
	closeSignal  chan struct{}

	pendingPingMu sync.Mutex
	pendingPing   func() // cancels the outstanding ping-deadline timer; nil if none

	partialMu   sync.Mutex
	partialOpen bool

	framesSent     atomic.Int64
	framesReceived atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
}

// Dial performs TCP connect, the opening handshake, and (on success) starts
// the read loop. The returned error is a *wsclient.Error-shaped cause from
// the caller's point of view (wrapped by the wsclient root package); this
// package returns plain errors annotated with context so it has no import
// cycle back to the root package.
func Dial(ctx context.Context, rawURL string, opts *config.SessionOptions, handler Handler, rx *reactor.Reactor, logger *wslog.Logger) (*Session, error) {
	if opts == nil {
		opts = config.NewSessionOptions()
	}
	if err := config.Validate(opts); err != nil {
		return nil, fmt.Errorf("session: invalid options: %w", err)
	}
	if handler == nil {
		handler = NopHandler{}
	}
	if logger == nil {
		logger = wslog.New(wslog.Discard, wslog.Silent, "session")
	}

	u, host, err := parseWSURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	var conn net.Conn
	if u.Scheme == "wss" {
		tlsDialer := &tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: u.Hostname()}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("session: tcp connect: %w: %w", ErrConnectFailed, err)
	}

	s := &Session{
		conn:        conn,
		reactor:     rx,
		logger:      logger,
		opts:        opts,
		handler:     handler,
		wq:          newWritePump(),
		executor:    reactor.NewBoundedExecutor(1, opts.ReaderRoutines),
		closeSignal: make(chan struct{}),
	}
	s.decoder.MaxPayload = opts.MaxResponsePayloadSizeInBytes
	s.state.Store(int32(StateConnecting))

	// ctx also bounds the handshake: once it is done, the pending read fails.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	err = s.handshakeClient(u, opts)
	if !stop() && err == nil {
		err = fmt.Errorf("session: handshake: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	s.state.Store(int32(StateOpen))
	logger.Debug("session open, protocol=%q extensions=%d", s.protocol, len(s.extensions))
	handler.OnConnected()

	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// writeLoop is the pump's single drain goroutine; see writePump for why
// writes are serialized here instead of under a plain mutex.
func (s *Session) writeLoop() {
	for {
		req, ok := s.wq.dequeue()
		if !ok {
			return
		}
		_, err := s.conn.Write(req.buf)
		req.done <- err
	}
}

func (s *Session) handshakeClient(u *url.URL, opts *config.SessionOptions) error {
	s.state.Store(int32(StateHandshaking))

	offers := make([]string, 0, len(opts.ExtensionRequests))
	offeredTokens := make(map[string]bool, len(opts.ExtensionRequests))
	byToken := make(map[string]extension.Request, len(opts.ExtensionRequests))
	for _, req := range opts.ExtensionRequests {
		offers = append(offers, renderOffer(req))
		offeredTokens[req.Token()] = true
		byToken[req.Token()] = req
	}

	req := &handshake.Request{
		URI:          u,
		Protocols:    opts.Protocols,
		Extensions:   offers,
		ExtraHeaders: opts.ExtraHeaders,
	}
	reqBytes, nonce := handshake.Build(req, wsrand.Default())

	if _, err := s.conn.Write(reqBytes); err != nil {
		return fmt.Errorf("session: write handshake request: %w", err)
	}

	parser := &handshake.Parser{
		Nonce:             nonce,
		OfferedProtocols:  opts.Protocols,
		OfferedExtensions: offeredTokens,
		HandshakeHook:     opts.HandshakeHook,
	}

	buf := make([]byte, 4096)
	var result handshake.Result
	for {
		n, err := s.conn.Read(buf)
		if n == 0 && err != nil {
			return fmt.Errorf("session: read handshake response: %w: %w", ErrUnexpectedEOF, err)
		}
		result = parser.Feed(buf[:n])
		if result.State != handshake.NeedMore {
			break
		}
	}
	if result.State == handshake.Failed {
		return fmt.Errorf("session: handshake rejected: %w", result.Err)
	}

	s.protocol = result.Response.Protocol
	s.resp = result.Response

	for token := range result.Response.Extensions {
		if _, ok := byToken[token]; !ok {
			return fmt.Errorf("session: server accepted unoffered extension %q: %w", token, handshake.ErrExtensionRejected)
		}
	}
	for _, reqForToken := range opts.ExtensionRequests {
		token := reqForToken.Token()
		params, accepted := result.Response.Extensions[token]
		if !accepted {
			continue
		}
		ext, ok, err := reqForToken.Accept(parseExtensionParams(params))
		if err != nil {
			return fmt.Errorf("session: negotiating extension %q: %w", token, err)
		}
		if !ok {
			return fmt.Errorf("session: extension %q rejected the server's response: %w", token, handshake.ErrExtensionRejected)
		}
		s.extensions = append(s.extensions, ext)
		if ext.Name() == "permessage-deflate" {
			s.decoder.AllowRsv1 = true
		}
	}

	if len(result.Remaining) > 0 {
		if events, err := s.decoder.Feed(result.Remaining); err == nil {
			for _, ev := range events {
				s.dispatch(ev)
			}
		}
	}

	return nil
}

func renderOffer(req extension.Request) string {
	parts := append([]string{req.Token()}, req.Offer()...)
	return strings.Join(parts, "; ")
}

func parseExtensionParams(params string) map[string]string {
	out := make(map[string]string)
	if params == "" {
		return out
	}
	for _, frag := range strings.Split(params, ";") {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		if i := strings.IndexByte(frag, '='); i >= 0 {
			out[strings.TrimSpace(frag[:i])] = strings.TrimSpace(frag[i+1:])
		} else {
			out[frag] = ""
		}
	}
	return out
}

// IsOpen reports whether the session is in StateOpen.
func (s *Session) IsOpen() bool { return State(s.state.Load()) == StateOpen }

// State returns the session's current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

// Protocol returns the negotiated subprotocol, or "" if none.
func (s *Session) Protocol() string { return s.protocol }

// Extensions returns the negotiated extensions, in offer order.
func (s *Session) Extensions() []extension.Extension { return s.extensions }

// Handshake returns the validated handshake response.
func (s *Session) Handshake() *handshake.Response { return s.resp }

// Metrics reports per-session frame/byte counters. FramesReceived counts
// decoded events (each reassembled message and each control frame), not
// individual fragments.
type Metrics struct {
	FramesSent     int64
	FramesReceived int64
	BytesSent      int64
	BytesReceived  int64
}

func (s *Session) Metrics() Metrics {
	return Metrics{
		FramesSent:     s.framesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		BytesSent:      s.bytesSent.Load(),
		BytesReceived:  s.bytesReceived.Load(),
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.bytesReceived.Add(int64(n))
			events, decErr := s.decoder.Feed(buf[:n])
			for _, ev := range events {
				ev := ev
				s.executor.Submit(func() { s.dispatch(ev) })
			}
			if decErr != nil {
				s.logger.Errorf("protocol violation: %v", decErr)
				s.sendClose(wire.CloseProtocolError, "protocol violation")
				s.finishClose(wire.CloseProtocolError, "protocol violation")
				s.CloseNow()
				return
			}
		}
		if err != nil {
			if State(s.state.Load()) != StateClosed {
				s.finishClose(wire.CloseAbnormal, "")
			}
			return
		}
	}
}

func (s *Session) dispatch(ev wire.Event) {
	s.framesReceived.Add(1)
	switch ev.Kind {
	case wire.OpText, wire.OpBinary:
		payload, err := s.decodeExtensions(ev.Rsv1, payloadOpcode(ev.Kind), ev.Payload)
		if err != nil {
			s.logger.Errorf("extension decode: %v", err)
			s.sendClose(wire.CloseProtocolError, "extension decode failure")
			s.finishClose(wire.CloseProtocolError, "extension decode failure")
			s.CloseNow()
			return
		}
		if ev.Kind == wire.OpText && ev.Rsv1 && !utf8.Valid(payload) {
			s.logger.Errorf("invalid utf-8 in inflated text message")
			s.sendClose(wire.CloseProtocolError, "invalid utf-8")
			s.finishClose(wire.CloseProtocolError, "invalid utf-8")
			s.CloseNow()
			return
		}
		if ev.Kind == wire.OpText {
			s.handler.OnTextMessage(string(payload))
		} else {
			s.handler.OnBinaryMessage(payload)
		}
	case wire.OpPing:
		s.handler.OnPing(ev.Payload)
		s.writeFrame(true, false, false, false, wire.OpPong, ev.Payload)
	case wire.OpPong:
		if s.IsOpen() {
			// Once closing, the pending timer is the close-grace timer.
			s.cancelPendingPing()
		}
		s.handler.OnPong(ev.Payload)
	case wire.OpClose:
		s.handleInboundClose(ev.CloseCode, ev.CloseReason)
	}
}

func payloadOpcode(k wire.Opcode) byte { return byte(k) }

func (s *Session) decodeExtensions(rsv1 bool, opcode byte, payload []byte) ([]byte, error) {
	var err error
	for i := len(s.extensions) - 1; i >= 0; i-- {
		payload, err = s.extensions[i].DecodeMessage(opcode, rsv1, false, false, payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (s *Session) encodeExtensions(opcode byte, payload []byte) ([]byte, bool, bool, bool, error) {
	rsv1, rsv2, rsv3 := false, false, false
	var err error
	for _, ext := range s.extensions {
		payload, rsv1, rsv2, rsv3, err = ext.EncodeMessage(opcode, payload)
		if err != nil {
			return nil, false, false, false, err
		}
	}
	return payload, rsv1, rsv2, rsv3, nil
}

// SendText sends a single-frame TEXT message.
func (s *Session) SendText(text string) error {
	return s.sendMessage(wire.OpText, []byte(text))
}

// SendBinary sends a single-frame BINARY message.
func (s *Session) SendBinary(payload []byte) error {
	return s.sendMessage(wire.OpBinary, payload)
}

func (s *Session) sendMessage(opcode wire.Opcode, payload []byte) error {
	if !s.IsOpen() {
		return fmt.Errorf("session: send on a session in state %s", s.State())
	}
	out, rsv1, rsv2, rsv3, err := s.encodeExtensions(byte(opcode), payload)
	if err != nil {
		return fmt.Errorf("session: extension encode: %w", err)
	}
	return s.writeFrame(true, rsv1, rsv2, rsv3, opcode, out)
}

// writeFrame encodes one frame and enqueues it on the write pump, blocking
// until the pump goroutine has written it (or the pump has been closed). The
// blocking wait keeps writeFrame's synchronous error-return contract while
// the pump itself guarantees ordering across concurrent callers.
func (s *Session) writeFrame(fin, rsv1, rsv2, rsv3 bool, opcode wire.Opcode, payload []byte) error {
	buf := s.encoder.AppendFrame(nil, fin, rsv1, rsv2, rsv3, opcode, payload)
	if err := <-s.wq.enqueue(buf); err != nil {
		return fmt.Errorf("session: write frame: %w", err)
	}
	s.framesSent.Add(1)
	s.bytesSent.Add(int64(len(buf)))
	return nil
}

// PartialWriter emits CONTINUATION fragments for one message. Only one may
// be open per session at a time.
type PartialWriter struct {
	s      *Session
	opcode wire.Opcode
	first  bool
	closed bool
}

// NewPartialWriter starts a fragmented message of the given data opcode.
// Closing the handle writes the final fragment if one hasn't been sent yet.
func (s *Session) NewPartialWriter(opcode wire.Opcode) (*PartialWriter, error) {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()
	if s.partialOpen {
		return nil, fmt.Errorf("session: a partial writer is already open")
	}
	s.partialOpen = true
	return &PartialWriter{s: s, opcode: opcode, first: true}, nil
}

// Write sends one CONTINUATION (or, for the first call, TEXT/BINARY) fragment
// with fin=false.
func (w *PartialWriter) Write(chunk []byte) error {
	if w == nil {
		return ErrNilWriter
	}
	if w.closed {
		return fmt.Errorf("session: partial writer is closed")
	}
	opcode := wire.OpContinuation
	if w.first {
		opcode = w.opcode
	}
	w.first = false
	return w.s.writeFrame(false, false, false, false, opcode, chunk)
}

// Close sends the final fragment (fin=true) as an empty frame: a
// CONTINUATION frame, or a frame with the message's own opcode if Write was
// never called.
func (w *PartialWriter) Close() error {
	if w == nil {
		return ErrNilWriter
	}
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() {
		w.s.partialMu.Lock()
		w.s.partialOpen = false
		w.s.partialMu.Unlock()
	}()
	opcode := wire.OpContinuation
	if w.first {
		opcode = w.opcode
	}
	return w.s.writeFrame(true, false, false, false, opcode, nil)
}

// CheckConnection sends a PING and arms a deadline timer via the reactor; if
// no PONG arrives within timeout the session is force-closed. Calling this
// again cancels any previously outstanding deadline.
func (s *Session) CheckConnection(timeout time.Duration) error {
	if !s.IsOpen() {
		return fmt.Errorf("session: check_connection on a session in state %s", s.State())
	}
	s.cancelPendingPing()

	var pingPayload [8]byte
	wsrand.Default().Bytes(pingPayload[:])
	if err := s.writeFrame(true, false, false, false, wire.OpPing, pingPayload[:]); err != nil {
		return err
	}

	cancel := s.reactor.Schedule(timeout, func() {
		s.logger.Debug("ping deadline exceeded after %s", timeout)
		s.finishClose(wire.CloseAbnormal, "ping timeout")
		s.CloseNow()
	})
	s.pendingPingMu.Lock()
	s.pendingPing = cancel
	s.pendingPingMu.Unlock()
	return nil
}

func (s *Session) cancelPendingPing() {
	s.pendingPingMu.Lock()
	defer s.pendingPingMu.Unlock()
	if s.pendingPing != nil {
		s.pendingPing()
		s.pendingPing = nil
	}
}

// Close sends CLOSE 1000 and waits (via the read loop) for the peer's CLOSE
// echo; see CloseWithCode for a custom code/reason.
func (s *Session) Close() error {
	return s.CloseWithCode(wire.CloseNormalClosure, "")
}

// CloseWithCode starts the two-step close discipline: send CLOSE, then wait
// for the peer's CLOSE (handled by handleInboundClose) or drop the socket
// after a grace window.
func (s *Session) CloseWithCode(code wire.CloseCode, reason string) error {
	if State(s.state.Load()) >= StateClosing {
		return nil
	}
	s.state.Store(int32(StateClosing))
	s.sendClose(code, reason)

	s.cancelPendingPing()
	cancel := s.reactor.Schedule(closeGraceWindow, func() {
		s.logger.Debug("close grace window elapsed without peer echo")
		s.finishClose(wire.CloseAbnormal, "")
		s.CloseNow()
	})
	s.pendingPingMu.Lock()
	s.pendingPing = cancel
	s.pendingPingMu.Unlock()
	return nil
}

// closeGraceWindow bounds how long Close waits for the peer's CLOSE echo
// before CloseNow is forced.
const closeGraceWindow = 5 * time.Second

func (s *Session) sendClose(code wire.CloseCode, reason string) {
	payload := wire.BuildClosePayload(code, reason)
	_ = s.writeFrame(true, false, false, false, wire.OpClose, payload)
}

// handleInboundClose implements the receive-path CLOSE handling: if we
// haven't already sent our own CLOSE, echo one back before closing.
func (s *Session) handleInboundClose(code wire.CloseCode, reason string) {
	if State(s.state.Load()) < StateClosing {
		echoCode := code
		if echoCode == 0 || echoCode == wire.CloseNoStatus {
			echoCode = wire.CloseNormalClosure
		}
		s.state.Store(int32(StateClosing))
		s.sendClose(echoCode, "")
	}
	s.finishClose(code, reason)
	s.CloseNow()
}

// finishClose delivers on_closed exactly once.
func (s *Session) finishClose(code wire.CloseCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancelPendingPing()
		close(s.closeSignal)
		s.handler.OnClosed(code, reason)
	})
}

// CloseNow drops the socket immediately without sending or waiting for a
// CLOSE frame, and delivers on_closed if it hasn't fired yet. Idempotent:
// the ping-deadline and close-grace timers can each independently race a
// caller's own Close/CloseNow, so every path converges here safely.
func (s *Session) CloseNow() error {
	var err error
	s.closeNowOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.finishClose(wire.CloseAbnormal, "")
		s.wq.close()
		s.executor.Stop()
		err = s.conn.Close()
	})
	return err
}

// Done is closed when on_closed is delivered, just before the Handler's
// OnClosed is called.
func (s *Session) Done() <-chan struct{} { return s.closeSignal }

// parseWSURL resolves a ws/wss URL to its default port (80 for ws, 443 for
// wss) when the URL doesn't specify one.
func parseWSURL(raw string) (*url.URL, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("session: invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, "", fmt.Errorf("session: unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "ws" {
			host += ":80"
		} else {
			host += ":443"
		}
	}
	return u, host, nil
}
