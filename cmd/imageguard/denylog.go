package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/anatolykoptev/go-imageguard"
	"github.com/anatolykoptev/go-imageguard/denylist"
)

// importDenyLog denies every "deny sha1=... ahash=..." line in r, the form
// the deny command prints. Blank lines and # comments are skipped; malformed
// lines are logged and skipped. It returns the number of entries added.
func importDenyLog(ctx context.Context, g *imageguard.Guard, r io.Reader, logger *slog.Logger) (int, error) {
	sc := bufio.NewScanner(r)
	n, lineNo := 0, 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := denylist.ParseLine(line)
		if errors.Is(err, denylist.ErrBadLine) {
			logger.Warn("skipping deny log line", "line", lineNo, "err", err)
			continue
		}
		if err != nil {
			return n, err
		}
		if _, err := g.DenyFingerprint(ctx, e.Exact, e.Approx); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
