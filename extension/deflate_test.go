package extension_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kazyx/wsclient/extension"
)

func TestDeflateCompressDecompressRoundTrip(t *testing.T) {
	req, err := extension.NewDeflateRequest().Build()
	if err != nil {
		t.Fatal(err)
	}
	pmd := extension.NewPerMessageDeflate(req)

	source := []byte(strings.Repeat("TestMessage", 100000))
	compressed, err := pmd.Compress(source)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(source) {
		t.Fatalf("expected compression to shrink repetitive input: %d -> %d", len(source), len(compressed))
	}

	decompressed, err := pmd.Decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(source, decompressed) {
		t.Fatal("round trip mismatch")
	}

	// Repeat to exercise reuse of the writer/reader pair across messages.
	compressed2, err := pmd.Compress(source)
	if err != nil {
		t.Fatal(err)
	}
	decompressed2, err := pmd.Decompress(compressed2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(source, decompressed2) {
		t.Fatal("second round trip mismatch")
	}
}

func TestDeflateWindowBitsOutOfRange(t *testing.T) {
	cases := []int{7, 16, 0, -1, 100}
	for _, bits := range cases {
		if _, err := extension.NewDeflateRequest().SetMaxClientWindowBits(bits).Build(); !errors.Is(err, extension.ErrInvalidWindowBits) {
			t.Errorf("client window bits %d: expected ErrInvalidWindowBits, got %v", bits, err)
		}
		if _, err := extension.NewDeflateRequest().SetMaxServerWindowBits(bits).Build(); !errors.Is(err, extension.ErrInvalidWindowBits) {
			t.Errorf("server window bits %d: expected ErrInvalidWindowBits, got %v", bits, err)
		}
	}
}

func TestDeflateWindowBitsInRange(t *testing.T) {
	for bits := 8; bits <= 15; bits++ {
		if _, err := extension.NewDeflateRequest().
			SetMaxClientWindowBits(bits).
			SetMaxServerWindowBits(bits).
			Build(); err != nil {
			t.Errorf("window bits %d: unexpected error: %v", bits, err)
		}
	}
}

type fixedStrategy struct{ min int }

func (f fixedStrategy) MinSizeInBytes() int { return f.min }

func TestCompressionStrategyThreshold(t *testing.T) {
	const base = 200
	req, err := extension.NewDeflateRequest().SetCompressionStrategy(fixedStrategy{min: base}).Build()
	if err != nil {
		t.Fatal(err)
	}

	below := bytes.Repeat([]byte{0x42}, base-1)
	pmd := extension.NewPerMessageDeflate(req)
	got, err := pmd.Compress(below)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, below) {
		t.Error("payload below threshold should pass through unchanged")
	}

	atThreshold := bytes.Repeat([]byte{0x42}, base)
	pmd2 := extension.NewPerMessageDeflate(req)
	got2, err := pmd2.Compress(atThreshold)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(got2, atThreshold) {
		t.Error("payload at threshold should be compressed")
	}
}
