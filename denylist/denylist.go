// Package denylist holds human-curated fingerprints that must always be
// classified negative, regardless of cache contents or provider answers.
package denylist

import (
	"fmt"
	"strings"
	"sync"

	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

// DefaultNearDistance is the approximate-fingerprint distance at or below
// which an image counts as a near match of a denied one.
const DefaultNearDistance = 6

const defaultScanLimit = 500

// Match kinds reported by Check.
const (
	MatchExact      = "deny_sha1"
	MatchApprox     = "deny_ahash_exact"
	matchNearFormat = "deny_ahash_near(d=%d)"
)

// Entry is one denied image. Approx is optional.
type Entry struct {
	Exact  string `json:"sha1"`
	Approx string `json:"ahash,omitempty"`
}

// Stats reports the number of distinct denied fingerprints.
type Stats struct {
	Exact  int `json:"exact"`
	Approx int `json:"approx"`
}

// Options configures a Store.
type Options struct {
	// NearDistance is the maximum Hamming distance for near matches.
	// Zero means DefaultNearDistance; negative disables near matching.
	NearDistance int
	// ScanLimit bounds near-match comparisons per lookup.
	ScanLimit int
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	exact  map[string]struct{}
	approx map[string]struct{}
	near   int
	scan   int
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.NearDistance == 0 {
		opts.NearDistance = DefaultNearDistance
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = defaultScanLimit
	}
	return &Store{
		exact:  make(map[string]struct{}),
		approx: make(map[string]struct{}),
		near:   opts.NearDistance,
		scan:   opts.ScanLimit,
	}
}

// Add denies an exact fingerprint and, when valid, an approximate one.
// A malformed or sentinel approx is dropped while the exact part is kept.
// Returns false if exact is malformed.
func (s *Store) Add(exact, approx string) bool {
	exact = strings.ToLower(exact)
	if !fingerprint.Valid(exact, fingerprint.ExactLen) {
		return false
	}
	approx = normalizeApprox(approx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[exact] = struct{}{}
	if approx != "" {
		s.approx[approx] = struct{}{}
	}
	return true
}

// AddMany adds entries in bulk and returns how many were accepted.
func (s *Store) AddMany(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if s.Add(e.Exact, e.Approx) {
			n++
		}
	}
	return n
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact = make(map[string]struct{})
	s.approx = make(map[string]struct{})
}

// IsDeniedExact reports whether the exact fingerprint is denied.
func (s *Store) IsDeniedExact(fp string) bool {
	fp = strings.ToLower(fp)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.exact[fp]
	return ok
}

// IsDeniedApprox reports whether the approximate fingerprint is denied or is
// a near match of a denied one. Malformed and sentinel values never match.
func (s *Store) IsDeniedApprox(fp string) bool {
	_, ok := s.matchApprox(fp)
	return ok
}

// Check runs the exact then the approximate lookups and returns the kind of
// match, for example "deny_sha1" or "deny_ahash_near(d=4)".
func (s *Store) Check(exact, approx string) (bool, string) {
	if s.IsDeniedExact(exact) {
		return true, MatchExact
	}
	if kind, ok := s.matchApprox(approx); ok {
		return true, kind
	}
	return false, ""
}

func (s *Store) matchApprox(fp string) (string, bool) {
	fp = normalizeApprox(fp)
	if fp == "" {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.approx[fp]; ok {
		return MatchApprox, true
	}
	if s.near < 0 {
		return "", false
	}
	scanned := 0
	for key := range s.approx {
		if scanned >= s.scan {
			break
		}
		scanned++
		if d := fingerprint.Hamming(fp, key); d <= s.near {
			return fmt.Sprintf(matchNearFormat, d), true
		}
	}
	return "", false
}

// Stats returns the number of denied exact and approximate fingerprints.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Exact: len(s.exact), Approx: len(s.approx)}
}

// normalizeApprox lowercases fp and returns "" for malformed or sentinel values.
func normalizeApprox(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	if !fingerprint.Valid(fp, fingerprint.ApproxLen) || fingerprint.IsSentinel(fp) {
		return ""
	}
	return fp
}
