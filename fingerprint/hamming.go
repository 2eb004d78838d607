package fingerprint

import (
	"encoding/hex"
	"math/bits"
)

// minMaxDistance is the distance reported for malformed 64-bit fingerprints.
const minMaxDistance = 64

// Hamming returns the number of differing bits between two hex fingerprints of
// equal length. It is symmetric and returns 0 for identical inputs (case is
// ignored). Malformed or unequal-length inputs fail closed to the maximum
// distance, never zero.
func Hamming(a, b string) int {
	worst := 4 * max(len(a), len(b))
	if worst < minMaxDistance {
		worst = minMaxDistance
	}

	if len(a) != len(b) || len(a) == 0 {
		return worst
	}
	ab, err := hex.DecodeString(a)
	if err != nil {
		return worst
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return worst
	}

	d := 0
	for i := range ab {
		d += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return d
}
