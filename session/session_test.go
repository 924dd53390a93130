package session_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazyx/wsclient/handshake"
	"github.com/kazyx/wsclient/internal/config"
	"github.com/kazyx/wsclient/reactor"
	"github.com/kazyx/wsclient/session"
	"github.com/kazyx/wsclient/wire"
)

// mockServer accepts one connection, performs the server side of the
// opening handshake by hand, and hands the raw conn to the test so it can
// drive the wire protocol directly.
type mockServer struct {
	ln   net.Listener
	conn net.Conn
}

func startMockServer(t *testing.T) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &mockServer{ln: ln}
}

func (m *mockServer) addr() string { return "ws://" + m.ln.Addr().String() }

// acceptAndUpgrade blocks until the client connects, validates the request,
// and writes a 101 response, returning the raw conn for the test to drive.
func (m *mockServer) acceptAndUpgrade(t *testing.T, extraResponseHeaders string) net.Conn {
	t.Helper()
	conn, err := m.ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		t.Fatal(err)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	accept := handshake.Accept(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		extraResponseHeaders +
		"\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		t.Fatal(err)
	}
	m.conn = conn
	return conn
}

func (m *mockServer) close() {
	if m.conn != nil {
		m.conn.Close()
	}
	m.ln.Close()
}

type recordingHandler struct {
	session.NopHandler
	texts  chan string
	closed chan struct{}
	code   wire.CloseCode
	reason string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{texts: make(chan string, 8), closed: make(chan struct{})}
}

func (h *recordingHandler) OnTextMessage(text string) {
	h.texts <- text
}

func (h *recordingHandler) OnClosed(code wire.CloseCode, reason string) {
	h.code = code
	h.reason = reason
	close(h.closed)
}

func dialTestSession(t *testing.T, addr string, handler session.Handler, rx *reactor.Reactor) (*session.Session, error) {
	t.Helper()
	opts := config.NewSessionOptions().WithConnectTimeout(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return session.Dial(ctx, addr, opts, handler, rx, nil)
}

func TestSessionReceivesText(t *testing.T) {
	srv := startMockServer(t)
	defer srv.close()

	rx, err := reactor.New()
	if err != nil {
		t.Skipf("reactor backend unavailable on this platform: %v", err)
	}
	defer rx.Destroy()

	var serverConn net.Conn
	done := make(chan struct{})
	go func() {
		serverConn = srv.acceptAndUpgrade(t, "")
		close(done)
	}()

	h := newRecordingHandler()
	sess, err := dialTestSession(t, srv.addr(), h, rx)
	require.NoError(t, err, "dial")
	defer sess.CloseNow()

	<-done
	require.True(t, sess.IsOpen(), "expected session to be open after handshake")

	// Server frames are unmasked; build one by hand and write it directly.
	var enc encoderLike
	frame := enc.appendServerFrame(nil, true, false, false, false, wire.OpText, []byte("hello"))
	_, err = serverConn.Write(frame)
	require.NoError(t, err)

	select {
	case text := <-h.texts:
		require.Equal(t, "hello", text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for text message")
	}
}

func TestSessionPingDeadlineCloses(t *testing.T) {
	srv := startMockServer(t)
	defer srv.close()

	rx, err := reactor.New()
	if err != nil {
		t.Skipf("reactor backend unavailable on this platform: %v", err)
	}
	defer rx.Destroy()

	done := make(chan struct{})
	go func() {
		srv.acceptAndUpgrade(t, "")
		close(done)
	}()

	h := newRecordingHandler()
	sess, err := dialTestSession(t, srv.addr(), h, rx)
	require.NoError(t, err, "dial")
	defer sess.CloseNow()
	<-done

	require.NoError(t, sess.CheckConnection(100*time.Millisecond))

	select {
	case <-h.closed:
		// expected: no PONG was ever sent by the mock server
	case <-time.After(1 * time.Second):
		t.Fatal("expected on_closed after ping deadline")
	}
}

func TestSessionProtocolViolationCloses(t *testing.T) {
	srv := startMockServer(t)
	defer srv.close()

	rx, err := reactor.New()
	if err != nil {
		t.Skipf("reactor backend unavailable on this platform: %v", err)
	}
	defer rx.Destroy()

	var serverConn net.Conn
	done := make(chan struct{})
	go func() {
		serverConn = srv.acceptAndUpgrade(t, "")
		close(done)
	}()

	h := newRecordingHandler()
	sess, err := dialTestSession(t, srv.addr(), h, rx)
	require.NoError(t, err, "dial")
	defer sess.CloseNow()
	<-done

	// Reserved opcode 0x3, fin=1, no mask, zero-length payload.
	_, err = serverConn.Write([]byte{0x83, 0x00})
	require.NoError(t, err)

	select {
	case <-h.closed:
		require.Equal(t, wire.CloseProtocolError, h.code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected on_closed after protocol violation")
	}
}

// encoderLike builds unmasked server->client frames for tests, standing in
// for a server peer (wire.Encoder only builds masked client frames).
type encoderLike struct{}

func (encoderLike) appendServerFrame(dst []byte, fin, rsv1, rsv2, rsv3 bool, opcode wire.Opcode, payload []byte) []byte {
	var b0 byte
	if fin {
		b0 |= 0x80
	}
	b0 |= byte(opcode) & 0x0F
	dst = append(dst, b0)
	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126, byte(n>>8), byte(n))
	default:
		dst = append(dst, 127, 0, 0, 0, 0, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(dst, payload...)
}
