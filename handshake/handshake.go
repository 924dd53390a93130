// Package handshake implements the RFC 6455 client opening handshake: the
// Upgrade request builder and the HTTP response parser/validator.
//
// The response parser signals "need more bytes" by returning an explicit
// Result value rather than by throwing, so a caller can feed it whatever
// chunk boundaries a socket read happens to produce.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/kazyx/wsclient/wsrand"
)

// GUID is the RFC 6455 magic value appended to the client nonce before
// hashing to compute Sec-WebSocket-Accept.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Header is a single extra HTTP header supplied by the caller.
type Header struct {
	Name  string
	Value string
}

// Request carries everything needed to build the opening HTTP request.
type Request struct {
	URI          *url.URL
	Protocols    []string
	Extensions   []string // pre-rendered "name;param=value" offers
	ExtraHeaders []Header
	Nonce        string // base64-encoded 16-byte nonce; generated if empty
}

// NewNonce generates a fresh Sec-WebSocket-Key nonce from src (16 random
// bytes, standard base64), per RFC 6455 section 4.1.
func NewNonce(src wsrand.Source) string {
	var raw [16]byte
	src.Bytes(raw[:])
	return base64.StdEncoding.EncodeToString(raw[:])
}

// Accept computes the Sec-WebSocket-Accept value the server must echo for a
// given nonce, per RFC 6455 section 4.2.2 step 5.4.
func Accept(nonce string) string {
	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Build renders the opening HTTP/1.1 GET request for r, generating a nonce
// via src if r.Nonce is empty. It returns the request bytes and the nonce
// used, so the caller can validate the eventual Sec-WebSocket-Accept.
func Build(r *Request, src wsrand.Source) (req []byte, nonce string) {
	nonce = r.Nonce
	if nonce == "" {
		nonce = NewNonce(src)
	}

	host := r.URI.Host
	path := r.URI.EscapedPath()
	if path == "" {
		path = "/"
	}
	if r.URI.RawQuery != "" {
		path += "?" + r.URI.RawQuery
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", nonce)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(r.Protocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(r.Protocols, ", "))
	}
	if len(r.Extensions) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", strings.Join(r.Extensions, ", "))
	}
	headerNames := make([]string, 0, len(r.ExtraHeaders))
	for _, h := range r.ExtraHeaders {
		headerNames = append(headerNames, h.Name)
	}
	sort.Strings(headerNames) // deterministic ordering for tests; HTTP does not care
	byName := map[string]string{}
	for _, h := range r.ExtraHeaders {
		byName[h.Name] = h.Value
	}
	for _, name := range headerNames {
		fmt.Fprintf(&b, "%s: %s\r\n", name, byName[name])
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nonce
}
