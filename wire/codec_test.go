package wire_test

import (
	"bytes"
	"testing"

	"github.com/kazyx/wsclient/wire"
	"github.com/kazyx/wsclient/wsrand"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 127, 65535, 65536, 70000}
	enc := &wire.Encoder{Rand: wsrand.NewSeeded(1)}
	for _, n := range sizes {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}

		frame := enc.AppendFrame(nil, true, false, false, false, wire.OpBinary, payload)

		// The receive path only accepts unmasked server frames, so strip the
		// encoder's mask (clear the mask bit, drop the key, unmask the
		// payload) before decoding.
		hdr := 2
		switch frame[1] & 0x7F {
		case 126:
			hdr += 2
		case 127:
			hdr += 8
		}
		key := frame[hdr : hdr+4]
		unmasked := append([]byte{frame[0], frame[1] &^ 0x80}, frame[2:hdr]...)
		for i, b := range frame[hdr+4:] {
			unmasked = append(unmasked, b^key[i%4])
		}

		dec := &wire.Decoder{}
		events, err := dec.Feed(unmasked)
		if err != nil {
			t.Fatalf("size %d: decode error: %v", n, err)
		}
		if len(events) != 1 {
			t.Fatalf("size %d: expected 1 event, got %d", n, len(events))
		}
		if !bytes.Equal(events[0].Payload, payload) {
			t.Errorf("size %d: payload mismatch", n)
		}
	}
}

// serverEncoder builds unmasked frames, standing in for a server peer.
type serverEncoder struct{}

func (serverEncoder) append(dst []byte, fin bool, opcode wire.Opcode, payload []byte) []byte {
	var b0 byte
	if fin {
		b0 |= 0x80
	}
	b0 |= byte(opcode)
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

func TestDecodeSplitAcrossChunks(t *testing.T) {
	payload := []byte("hello, fragmented stream")
	whole := (&serverEncoder{}).append(nil, true, wire.OpText, payload)

	dec := &wire.Decoder{}
	var events []wire.Event
	for i := 0; i < len(whole); i++ {
		ev, err := dec.Feed(whole[i : i+1])
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		events = append(events, ev...)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != string(payload) {
		t.Errorf("payload mismatch: got %q", events[0].Payload)
	}
}

func TestDecodeFragmentedMessage(t *testing.T) {
	se := &serverEncoder{}
	var stream []byte
	stream = appendFrame(stream, se, false, wire.OpText, []byte("hel"))
	stream = appendFrame(stream, se, false, wire.OpContinuation, []byte("lo, "))
	stream = appendFrame(stream, se, true, wire.OpContinuation, []byte("world"))

	dec := &wire.Decoder{}
	events, err := dec.Feed(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || string(events[0].Payload) != "hello, world" {
		t.Fatalf("got %+v", events)
	}
}

func appendFrame(dst []byte, se *serverEncoder, fin bool, op wire.Opcode, payload []byte) []byte {
	var b0 byte
	if fin {
		b0 |= 0x80
	}
	b0 |= byte(op)
	dst = append(dst, b0)
	n := len(payload)
	dst = append(dst, byte(n))
	return append(dst, payload...)
}

func TestRejectsMaskedServerFrame(t *testing.T) {
	dec := &wire.Decoder{}
	// byte1 with mask bit set (0x80) and zero-length payload.
	_, err := dec.Feed([]byte{0x81, 0x80, 0, 0, 0, 0})
	if err == nil {
		t.Fatal("expected protocol error for masked server frame")
	}
}

func TestRejectsReservedOpcode(t *testing.T) {
	dec := &wire.Decoder{}
	_, err := dec.Feed([]byte{0x83, 0x00}) // fin=1, opcode=0x3 (reserved)
	if err == nil {
		t.Fatal("expected protocol error for reserved opcode")
	}
}

func TestRejectsOversizeControlFrame(t *testing.T) {
	dec := &wire.Decoder{}
	// PING (0x9) claiming 126-byte extended length is itself disallowed
	// before the extended length is even read, since 126 signals "read more".
	_, err := dec.Feed([]byte{0x89, 126, 0, 200})
	if err == nil {
		t.Fatal("expected protocol error for oversize control frame")
	}
}

func TestRejectsInterleavedNonContinuation(t *testing.T) {
	se := &serverEncoder{}
	var stream []byte
	stream = appendFrame(stream, se, false, wire.OpText, []byte("first"))
	stream = appendFrame(stream, se, true, wire.OpBinary, []byte("second"))

	dec := &wire.Decoder{}
	_, err := dec.Feed(stream)
	if err == nil {
		t.Fatal("expected protocol error for interleaved non-continuation frame")
	}
}

func TestBuildClosePayloadTruncatesReason(t *testing.T) {
	longReason := bytes.Repeat([]byte("x"), 200)
	out := wire.BuildClosePayload(wire.CloseNormalClosure, string(longReason))
	if len(out) > wire.MaxControlPayload {
		t.Fatalf("close payload %d exceeds max control payload", len(out))
	}
}
