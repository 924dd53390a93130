// Package wsclient implements the client side of RFC 6455 (the WebSocket
// Protocol), with optional RFC 7692 permessage-deflate compression.
//
// A Factory owns a reactor and every session dialed through it:
//
//	f, err := wsclient.NewFactory()
//	if err != nil {
//		// ...
//	}
//	defer f.Destroy()
//
//	sess, err := f.Connect(ctx, "ws://example.com/chat", wsclient.NewOptions(), handler)
//	if err != nil {
//		// TransportError or HandshakeError, depending on err's Kind
//	}
//	defer sess.CloseNow()
//
// Connect blocks until the opening handshake completes or ctx is done; there
// is no separate future type, since a blocking call already is that wait
// point. Handler receives message, ping and pong events in on-the-wire
// order, one at a time, from a single dispatch goroutine dedicated to the
// session (decoupled from the goroutine reading the socket so a slow Handler
// never stalls reads; see Options.ReaderRoutines for the queue depth between
// them). OnConnected is called from Connect itself, and OnClosed from
// whichever goroutine ends the session; see session.Handler.
package wsclient
