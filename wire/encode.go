package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/kazyx/wsclient/wsrand"
)

// Encoder builds masked client→server frames. Every outbound client frame
// is masked per RFC 6455 section 5.3; the mask key is drawn from rand on
// every call.
type Encoder struct {
	Rand wsrand.Source
}

func (e *Encoder) rand() wsrand.Source {
	if e.Rand != nil {
		return e.Rand
	}
	return wsrand.Default()
}

// AppendFrame appends one masked frame (header + mask key + masked payload)
// for (fin, rsv1/2/3, opcode, payload) to dst and returns the extended slice.
func (e *Encoder) AppendFrame(dst []byte, fin, rsv1, rsv2, rsv3 bool, opcode Opcode, payload []byte) []byte {
	var b0 byte
	if fin {
		b0 |= finBit
	}
	if rsv1 {
		b0 |= rsv1Bit
	}
	if rsv2 {
		b0 |= rsv2Bit
	}
	if rsv3 {
		b0 |= rsv3Bit
	}
	b0 |= byte(opcode) & 0x0F
	dst = append(dst, b0)

	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, byte(n)|maskBit)
	case n <= 0xFFFF:
		dst = append(dst, 126|maskBit)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		dst = append(dst, ext[:]...)
	default:
		dst = append(dst, 127|maskBit)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		dst = append(dst, ext[:]...)
	}

	var key [4]byte
	e.rand().Bytes(key[:])
	dst = append(dst, key[:]...)

	start := len(dst)
	dst = append(dst, payload...)
	for i := 0; i < n; i++ {
		dst[start+i] ^= key[i%4]
	}
	return dst
}

// BuildClosePayload constructs the CLOSE frame payload: a 2-byte big-endian
// status code followed by a UTF-8 reason, truncated so the total payload
// never exceeds MaxControlPayload bytes.
func BuildClosePayload(code CloseCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	rb := []byte(reason)
	if len(rb) > MaxCloseReasonBytes {
		rb = rb[:MaxCloseReasonBytes]
		// Avoid truncating mid-rune, which would make the reason invalid UTF-8.
		for len(rb) > 0 && !utf8.Valid(rb) {
			rb = rb[:len(rb)-1]
		}
	}
	out := make([]byte, 2+len(rb))
	binary.BigEndian.PutUint16(out[:2], uint16(code))
	copy(out[2:], rb)
	return out
}
