package extension

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// ErrInvalidWindowBits is wrapped by every window-bits validation failure,
// build-time or negotiation-time.
var ErrInvalidWindowBits = errors.New("extension: window bits must be in [8,15]")

// tailBlock is the 4-byte empty DEFLATE block RFC 7692 requires compressors
// to strip from the tail of every compressed message, and decompressors to
// restore before inflating.
var tailBlock = []byte{0x00, 0x00, 0xFF, 0xFF}

// CompressionStrategy decides whether a given outbound payload is worth
// compressing.
type CompressionStrategy interface {
	// MinSizeInBytes returns the smallest payload size that will be
	// compressed; smaller payloads pass through unchanged.
	MinSizeInBytes() int
}

// defaultStrategy compresses every payload regardless of size.
type defaultStrategy struct{}

func (defaultStrategy) MinSizeInBytes() int { return 0 }

// DefaultCompressionStrategy is used when PerMessageDeflate is built with a
// nil strategy.
var DefaultCompressionStrategy CompressionStrategy = defaultStrategy{}

// DeflateRequest offers permessage-deflate in the opening handshake.
type DeflateRequest struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
	Strategy                CompressionStrategy
}

// DeflateBuilder builds a DeflateRequest, validating that window bits fall
// in [8,15] at Build time.
type DeflateBuilder struct {
	req DeflateRequest
	err error
}

// NewDeflateRequest starts building a permessage-deflate offer with context
// takeover left enabled and both window bits set to 15, the RFC 7692 maximum.
func NewDeflateRequest() *DeflateBuilder {
	return &DeflateBuilder{req: DeflateRequest{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}}
}

// SetServerNoContextTakeover requests the server reset its compressor after
// every message.
func (b *DeflateBuilder) SetServerNoContextTakeover(v bool) *DeflateBuilder {
	b.req.ServerNoContextTakeover = v
	return b
}

// SetClientNoContextTakeover resets this client's compressor after every
// message once negotiated.
func (b *DeflateBuilder) SetClientNoContextTakeover(v bool) *DeflateBuilder {
	b.req.ClientNoContextTakeover = v
	return b
}

// SetMaxServerWindowBits sets the requested server window size in [8,15].
func (b *DeflateBuilder) SetMaxServerWindowBits(bits int) *DeflateBuilder {
	if bits < 8 || bits > 15 {
		b.err = fmt.Errorf("%w: server_max_window_bits %d", ErrInvalidWindowBits, bits)
		return b
	}
	b.req.ServerMaxWindowBits = bits
	return b
}

// SetMaxClientWindowBits sets the requested client window size in [8,15].
func (b *DeflateBuilder) SetMaxClientWindowBits(bits int) *DeflateBuilder {
	if bits < 8 || bits > 15 {
		b.err = fmt.Errorf("%w: client_max_window_bits %d", ErrInvalidWindowBits, bits)
		return b
	}
	b.req.ClientMaxWindowBits = bits
	return b
}

// SetCompressionStrategy sets the send-side size threshold.
func (b *DeflateBuilder) SetCompressionStrategy(s CompressionStrategy) *DeflateBuilder {
	b.req.Strategy = s
	return b
}

// Build finalizes the request, returning an error if any setter above
// rejected its argument.
func (b *DeflateBuilder) Build() (*DeflateRequest, error) {
	if b.err != nil {
		return nil, b.err
	}
	req := b.req
	return &req, nil
}

// Token implements extension.Request.
func (r *DeflateRequest) Token() string { return "permessage-deflate" }

// Offer implements extension.Request.
func (r *DeflateRequest) Offer() []string {
	var params []string
	if r.ServerNoContextTakeover {
		params = append(params, "server_no_context_takeover")
	}
	if r.ClientNoContextTakeover {
		params = append(params, "client_no_context_takeover")
	}
	if r.ServerMaxWindowBits != 0 {
		params = append(params, fmt.Sprintf("server_max_window_bits=%d", r.ServerMaxWindowBits))
	}
	if r.ClientMaxWindowBits != 0 {
		params = append(params, fmt.Sprintf("client_max_window_bits=%d", r.ClientMaxWindowBits))
	}
	return params
}

// Accept implements extension.Request: it accepts the server's response
// parameters as long as they name only tokens this client understands.
func (r *DeflateRequest) Accept(responseParams map[string]string) (Extension, bool, error) {
	negotiated := *r
	for k, v := range responseParams {
		switch k {
		case "server_no_context_takeover":
			negotiated.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			negotiated.ClientNoContextTakeover = true
		case "server_max_window_bits":
			bits, err := parseWindowBits(v)
			if err != nil {
				return nil, false, err
			}
			negotiated.ServerMaxWindowBits = bits
		case "client_max_window_bits":
			bits, err := parseWindowBits(v)
			if err != nil {
				return nil, false, err
			}
			negotiated.ClientMaxWindowBits = bits
		default:
			return nil, false, fmt.Errorf("extension: unknown permessage-deflate parameter %q", k)
		}
	}
	return NewPerMessageDeflate(&negotiated), true, nil
}

func parseWindowBits(v string) (int, error) {
	var bits int
	if _, err := fmt.Sscanf(v, "%d", &bits); err != nil {
		return 0, fmt.Errorf("extension: invalid window bits %q: %w", v, err)
	}
	if bits < 8 || bits > 15 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWindowBits, bits)
	}
	return bits, nil
}

// PerMessageDeflate implements RFC 7692 permessage-deflate using
// klauspost/compress/flate as the raw-DEFLATE engine. A Writer/Reader pair
// is lazily created and reused across messages, but both are reset at the
// start of every message, so each message is compressed and inflated as an
// independent stream: the sliding window does not carry state from one
// message to the next, whether or not *NoContextTakeover was negotiated.
type PerMessageDeflate struct {
	req      DeflateRequest
	strategy CompressionStrategy

	mu  sync.Mutex
	zw  *flate.Writer
	buf bytes.Buffer

	zr io.ReadCloser
}

// NewPerMessageDeflate builds the negotiated extension. strategy may come
// from req.Strategy or fall back to DefaultCompressionStrategy.
func NewPerMessageDeflate(req *DeflateRequest) *PerMessageDeflate {
	strategy := req.Strategy
	if strategy == nil {
		strategy = DefaultCompressionStrategy
	}
	return &PerMessageDeflate{req: *req, strategy: strategy}
}

// Name implements Extension.
func (d *PerMessageDeflate) Name() string { return "permessage-deflate" }

// Parameters implements Extension.
func (d *PerMessageDeflate) Parameters() []string { return (&d.req).Offer() }

// Compress raw-deflates data, stripping the trailing empty block. Payloads
// smaller than the configured strategy threshold pass through unchanged.
func (d *PerMessageDeflate) Compress(data []byte) ([]byte, error) {
	out, _, err := d.compress(data)
	return out, err
}

func (d *PerMessageDeflate) compress(data []byte) ([]byte, bool, error) {
	if len(data) < d.strategy.MinSizeInBytes() {
		return data, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf.Reset()
	if d.zw == nil {
		zw, err := flate.NewWriter(&d.buf, flate.DefaultCompression)
		if err != nil {
			return nil, false, fmt.Errorf("extension: deflate writer: %w", err)
		}
		d.zw = zw
	} else {
		d.zw.Reset(&d.buf)
	}

	if _, err := d.zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("extension: deflate write: %w", err)
	}
	if err := d.zw.Flush(); err != nil {
		return nil, false, fmt.Errorf("extension: deflate flush: %w", err)
	}

	out := d.buf.Bytes()
	out = bytes.TrimSuffix(out, tailBlock)
	result := make([]byte, len(out))
	copy(result, out)

	if d.req.ClientNoContextTakeover {
		d.zw = nil
	}
	return result, true, nil
}

// Decompress restores the stripped tail block and inflates.
func (d *PerMessageDeflate) Decompress(data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src := make([]byte, 0, len(data)+len(tailBlock)+5)
	src = append(src, data...)
	src = append(src, tailBlock...)
	// A final empty stored block ends the stream, so the reader stops at
	// io.EOF instead of failing with io.ErrUnexpectedEOF.
	src = append(src, 0x01, 0x00, 0x00, 0xFF, 0xFF)

	if d.zr == nil {
		d.zr = flate.NewReader(bytes.NewReader(src))
	} else if r, ok := d.zr.(flate.Resetter); ok {
		if err := r.Reset(bytes.NewReader(src), nil); err != nil {
			return nil, fmt.Errorf("extension: deflate reader reset: %w", err)
		}
	} else {
		d.zr = flate.NewReader(bytes.NewReader(src))
	}

	out, err := io.ReadAll(d.zr)
	if err != nil {
		return nil, fmt.Errorf("extension: inflate: %w", err)
	}

	if d.req.ServerNoContextTakeover {
		d.zr = nil
	}
	return out, nil
}

// EncodeMessage implements Extension: only the first frame of a message
// carries rsv1, and it is set whenever the payload met the strategy
// threshold and was compressed, even if the compressed output is empty.
func (d *PerMessageDeflate) EncodeMessage(_ byte, payload []byte) ([]byte, bool, bool, bool, error) {
	compressed, didCompress, err := d.compress(payload)
	if err != nil {
		return nil, false, false, false, err
	}
	return compressed, didCompress, false, false, nil
}

// DecodeMessage implements Extension.
func (d *PerMessageDeflate) DecodeMessage(_ byte, rsv1, _, _ bool, payload []byte) ([]byte, error) {
	if !rsv1 {
		return payload, nil
	}
	return d.Decompress(payload)
}
