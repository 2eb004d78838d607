package denylist

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

// ErrBadLine is returned by ParseLine for lines that carry no valid exact
// fingerprint.
var ErrBadLine = errors.New("denylist: malformed line")

// String renders the entry in the text log form
// "deny sha1=<hex40> ahash=<hex16>"; the ahash field is omitted when empty.
func (e Entry) String() string {
	if e.Approx == "" {
		return "deny sha1=" + e.Exact
	}
	return fmt.Sprintf("deny sha1=%s ahash=%s", e.Exact, e.Approx)
}

// ParseLine parses one text log line. Field order is free and unknown fields
// are ignored. A malformed ahash is dropped rather than failing the line.
func ParseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "deny") {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadLine, line)
	}

	var e Entry
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "sha1":
			e.Exact = strings.ToLower(v)
		case "ahash":
			e.Approx = normalizeApprox(v)
		}
	}
	if !fingerprint.Valid(e.Exact, fingerprint.ExactLen) {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadLine, line)
	}
	return e, nil
}
