// Package checksum computes stable content digests for cell values.
//
// Spec Design Note §9 calls for a modern 128-bit+ non-cryptographic hash in
// place of MD5, since stability (not cryptographic strength) is what the
// runtime relies on. We use two differently-seeded xxhash64 passes over the
// same bytes and concatenate them into a 16-byte digest, giving 128 bits of
// spread at a fraction of MD5's cost.
package checksum

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Sum is a 128-bit content digest, rendered as a 32-character hex string.
type Sum [16]byte

// Zero reports whether the sum is the unset value.
func (s Sum) Zero() bool {
	return s == Sum{}
}

func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

const secondSeed = 0x9E3779B97F4A7C15 // golden-ratio constant, decorrelates the two passes

// Of returns the digest of data. Calling Of on the same bytes always yields
// the same Sum; this is the only property the runtime depends on.
func Of(data []byte) Sum {
	var s Sum
	h1 := xxhash.Sum64(data)
	h2 := xxhash.Sum64(append(seedPrefix(), data...))
	putUint64(s[0:8], h1)
	putUint64(s[8:16], h2)
	return s
}

func seedPrefix() []byte {
	var b [8]byte
	putUint64(b[:], secondSeed)
	return b[:]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
