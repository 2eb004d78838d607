// Package fingerprint computes exact and perceptual fingerprints of image bytes.
//
// All functions are pure and never return errors: an image that cannot be
// decoded yields the Sentinel approximate fingerprint (or no frame hashes), and
// malformed fingerprints compare as maximally distant.
package fingerprint

import (
	"crypto/sha1" //nolint:gosec // content addressing, not security
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// ExactLen is the length of an exact (SHA-1) fingerprint in hex chars.
	ExactLen = 40
	// ApproxLen is the length of an approximate (64-bit aHash) fingerprint in hex chars.
	ApproxLen = 16
	// Sentinel is the approximate fingerprint reported when hashing is unavailable.
	Sentinel = "0000000000000000"
)

// Print bundles the fingerprints and dimensions of one image.
type Print struct {
	Exact  string
	Approx string
	Width  int
	Height int
}

// Exact returns the lowercase hex SHA-1 of data.
func Exact(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // content addressing
	return hex.EncodeToString(sum[:])
}

// Approx returns the 64-bit average hash of the decoded image as 16 hex chars,
// or Sentinel if the bytes cannot be decoded or exceed MaxPixels.
func Approx(data []byte) string {
	img, _, err := Decode(data)
	if err != nil {
		return Sentinel
	}
	return approxOf(img)
}

// Compute decodes data once and returns both fingerprints plus dimensions.
// Width and Height are zero when the image cannot be decoded.
func Compute(data []byte) Print {
	p := Print{Exact: Exact(data), Approx: Sentinel}
	img, _, err := Decode(data)
	if err != nil {
		return p
	}
	b := img.Bounds()
	p.Width, p.Height = b.Dx(), b.Dy()
	p.Approx = approxOf(img)
	return p
}

func approxOf(img image.Image) string {
	h, err := goimagehash.AverageHash(img)
	if err != nil {
		return Sentinel
	}
	return formatHash(h.GetHash())
}

func formatHash(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

// IsSentinel reports whether fp is the "hash unavailable" value.
func IsSentinel(fp string) bool {
	return fp == Sentinel
}

// Valid reports whether fp consists of exactly n hex characters.
func Valid(fp string, n int) bool {
	if len(fp) != n {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
