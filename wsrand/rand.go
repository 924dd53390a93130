// Package wsrand provides the seedable random source injected for handshake
// nonces and frame mask keys. Production code should let Source use the
// system CSPRNG (crypto/rand); tests seed it for determinism.
package wsrand

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

// Source is the random source used to generate handshake nonces (16 bytes)
// and per-frame 4-byte mask keys.
type Source interface {
	// Bytes fills b with random bytes.
	Bytes(b []byte)
}

// CryptoSource draws from crypto/rand.Reader. It is the default,
// cryptographically strong source used for mask-key generation.
type CryptoSource struct{}

// Bytes fills b using crypto/rand.
func (CryptoSource) Bytes(b []byte) {
	if _, err := crand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// fall back to a seeded PRNG rather than panic mid-handshake.
		fallback(b, uint64(len(b)))
	}
}

func fallback(b []byte, seed uint64) {
	r := rand.New(rand.NewSource(int64(seed)))
	for i := range b {
		b[i] = byte(r.Uint32())
	}
}

// Seeded is a deterministic Source for tests. It must never be used for
// production mask keys (predictable mask keys defeat the purpose of masking).
type Seeded struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeeded returns a Source that is deterministic for a given seed, mirroring
// RandomSource.setSeed(...) in the integration test fixtures.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{rng: rand.New(rand.NewSource(int64(seed)))}
}

// Bytes fills b deterministically.
func (s *Seeded) Bytes(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(b); i += 8 {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], s.rng.Uint64())
		copy(b[i:], tmp[:])
	}
}

// process-wide default, swappable before the first session is built.
// Reconfiguration after first use is undefined.
var defaultSource Source = CryptoSource{}

// SetDefault overrides the process-wide default Source.
func SetDefault(s Source) {
	if s != nil {
		defaultSource = s
	}
}

// Default returns the process-wide default Source.
func Default() Source { return defaultSource }
