package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// EventKind names the categories of Event that Decoder.Feed produces. Event
// itself does not carry an EventKind: its Kind field holds the Opcode.
type EventKind int

const (
	EventMessage EventKind = iota // a fully reassembled TEXT or BINARY message
	EventPing
	EventPong
	EventClose
)

// Event is one dispatchable unit produced by the decoder: either a
// reassembled data message or a control frame.
type Event struct {
	Kind Opcode // OpText/OpBinary for EventMessage, OpPing/OpPong/OpClose otherwise
	// Rsv1 is the RSV1 bit as it appeared on the first frame of the message.
	// The decoder does not interpret it; the session layer consults it to
	// decide whether an extension must decompress Payload.
	Rsv1        bool
	Payload     []byte
	CloseCode   CloseCode
	CloseReason string
}

type decodeState int

const (
	stateHeader decodeState = iota
	stateExtLen
	stateMask
	statePayload
)

// Decoder parses an inbound byte stream into frames and reassembles them
// into messages. It assumes nothing about chunk boundaries: Feed may be
// called with any slicing of the stream, including single bytes.
//
// Client-side Decoder instances expect server frames: the mask bit must be
// clear on every frame, violation of which is a protocol error.
type Decoder struct {
	MaxPayload int64 // 0 means unlimited
	// AllowRsv1/2/3 report whether a given rsv bit may be set by a negotiated
	// extension; an rsv bit whose flag is false is a protocol violation.
	AllowRsv1, AllowRsv2, AllowRsv3 bool

	state decodeState
	buf   []byte // unconsumed bytes accumulated across Feed calls

	// current frame header, parsed incrementally
	fin, rsv1, rsv2, rsv3 bool
	opcode                Opcode
	masked                bool
	payloadLen            int64
	needExtLen            int // 0, 2 or 8
	maskKey               [4]byte

	// message-assembly state
	inMessage   bool
	msgOpcode   Opcode
	msgRsv1     bool
	msgPayload  []byte
	textMessage bool
}

// ProtocolError is returned by Feed when the stream violates RFC 6455; the
// caller must respond with CLOSE 1002 and close the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: protocol violation: " + e.Reason }

// ErrProtocolViolation lets a caller test any *ProtocolError with errors.Is
// instead of depending on the concrete type.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// Is reports whether target is ErrProtocolViolation.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

func protoErr(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Feed appends chunk to the decoder's buffer and parses as many complete
// frames as are available, returning any dispatchable Events produced along
// the way (in on-the-wire order). An error return is always a ProtocolError;
// the caller must close the connection without calling Feed again.
func (d *Decoder) Feed(chunk []byte) ([]Event, error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var events []Event
	for {
		advanced, ev, err := d.step()
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
		if !advanced {
			return events, nil
		}
	}
}

// step attempts to make one state transition. advanced is false when more
// bytes are needed before progress can continue.
func (d *Decoder) step() (advanced bool, ev *Event, err error) {
	switch d.state {
	case stateHeader:
		if len(d.buf) < 2 {
			return false, nil, nil
		}
		b0, b1 := d.buf[0], d.buf[1]
		d.fin = b0&finBit != 0
		d.rsv1 = b0&rsv1Bit != 0
		d.rsv2 = b0&rsv2Bit != 0
		d.rsv3 = b0&rsv3Bit != 0
		d.opcode = Opcode(b0 & 0x0F)
		d.masked = b1&maskBit != 0
		lenField := b1 & 0x7F

		if err := d.validateOpcodeAndRsv(); err != nil {
			return false, nil, err
		}
		if d.masked {
			return false, nil, protoErr("server frame has mask bit set")
		}

		switch lenField {
		case 126:
			d.needExtLen = 2
			d.payloadLen = 0
			d.state = stateExtLen
		case 127:
			d.needExtLen = 8
			d.payloadLen = 0
			d.state = stateExtLen
		default:
			d.payloadLen = int64(lenField)
			d.needExtLen = 0
			d.state = statePayload
		}
		d.buf = d.buf[2:]

		if d.opcode.IsControl() {
			if !d.fin {
				return false, nil, protoErr("fragmented control frame")
			}
			if lenField == 126 || lenField == 127 {
				return false, nil, protoErr("control frame uses extended length encoding")
			}
			if d.payloadLen > MaxControlPayload {
				return false, nil, protoErr("control frame payload too large")
			}
		}
		return true, nil, nil

	case stateExtLen:
		if len(d.buf) < d.needExtLen {
			return false, nil, nil
		}
		if d.needExtLen == 2 {
			d.payloadLen = int64(binary.BigEndian.Uint16(d.buf[:2]))
		} else {
			d.payloadLen = int64(binary.BigEndian.Uint64(d.buf[:8]))
			if d.payloadLen < 0 {
				return false, nil, protoErr("negative payload length")
			}
		}
		d.buf = d.buf[d.needExtLen:]
		if d.opcode.IsControl() && d.payloadLen > MaxControlPayload {
			return false, nil, protoErr("control frame payload too large")
		}
		if d.MaxPayload > 0 && d.payloadLen > d.MaxPayload {
			return false, nil, protoErr("payload %d exceeds max %d", d.payloadLen, d.MaxPayload)
		}
		d.state = statePayload
		return true, nil, nil

	case statePayload:
		if d.MaxPayload > 0 && d.payloadLen > d.MaxPayload {
			return false, nil, protoErr("payload %d exceeds max %d", d.payloadLen, d.MaxPayload)
		}
		if int64(len(d.buf)) < d.payloadLen {
			return false, nil, nil
		}
		payload := make([]byte, d.payloadLen)
		copy(payload, d.buf[:d.payloadLen])
		d.buf = d.buf[d.payloadLen:]
		d.state = stateHeader

		ev, err := d.dispatch(payload)
		return true, ev, err
	}
	return false, nil, fmt.Errorf("wire: unreachable decoder state %d", d.state)
}

func (d *Decoder) validateOpcodeAndRsv() error {
	switch d.opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return protoErr("reserved opcode 0x%x", byte(d.opcode))
	}
	if d.rsv1 && !d.AllowRsv1 {
		return protoErr("rsv1 set without a negotiated extension")
	}
	if d.rsv2 && !d.AllowRsv2 {
		return protoErr("rsv2 set without a negotiated extension")
	}
	if d.rsv3 && !d.AllowRsv3 {
		return protoErr("rsv3 set without a negotiated extension")
	}
	return nil
}

// dispatch finishes processing one fully-received frame: control frames
// dispatch immediately, non-control frames participate in message assembly.
func (d *Decoder) dispatch(payload []byte) (*Event, error) {
	if d.opcode.IsControl() {
		switch d.opcode {
		case OpPing:
			return &Event{Kind: OpPing, Payload: payload}, nil
		case OpPong:
			return &Event{Kind: OpPong, Payload: payload}, nil
		case OpClose:
			code, reason, err := parseClosePayload(payload)
			if err != nil {
				return nil, err
			}
			return &Event{Kind: OpClose, CloseCode: code, CloseReason: reason}, nil
		}
		return nil, protoErr("unhandled control opcode 0x%x", byte(d.opcode))
	}

	switch d.opcode {
	case OpText, OpBinary:
		if d.inMessage {
			return nil, protoErr("new message started before previous one completed")
		}
		if d.rsv2 || d.rsv3 {
			return nil, protoErr("data frame carries rsv2/rsv3")
		}
		if d.fin {
			return d.completeMessage(d.opcode, d.rsv1, payload)
		}
		d.inMessage = true
		d.msgOpcode = d.opcode
		d.msgRsv1 = d.rsv1
		d.msgPayload = append([]byte(nil), payload...)
		d.textMessage = d.opcode == OpText
		return nil, nil

	case OpContinuation:
		if !d.inMessage {
			return nil, protoErr("continuation frame without an open message")
		}
		if d.rsv1 {
			return nil, protoErr("continuation frame carries rsv1")
		}
		d.msgPayload = append(d.msgPayload, payload...)
		if d.fin {
			msg := d.msgPayload
			op := d.msgOpcode
			rsv1 := d.msgRsv1
			d.inMessage = false
			d.msgPayload = nil
			return d.completeMessage(op, rsv1, msg)
		}
		return nil, nil
	}
	return nil, protoErr("unexpected opcode 0x%x in message assembly", byte(d.opcode))
}

func (d *Decoder) completeMessage(op Opcode, rsv1 bool, payload []byte) (*Event, error) {
	if op == OpText && !rsv1 {
		// rsv1-compressed payloads are validated for UTF-8 by the session
		// layer after inflation, since the decoder never sees plaintext here.
		if !utf8.Valid(payload) {
			return nil, protoErr("invalid utf-8 in text message")
		}
	}
	return &Event{Kind: op, Rsv1: rsv1, Payload: payload}, nil
}

func parseClosePayload(payload []byte) (CloseCode, string, error) {
	if len(payload) == 0 {
		return CloseNoStatus, "", nil
	}
	if len(payload) < 2 {
		return 0, "", protoErr("close frame payload shorter than status code")
	}
	code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", protoErr("invalid utf-8 in close reason")
	}
	return code, string(reason), nil
}
