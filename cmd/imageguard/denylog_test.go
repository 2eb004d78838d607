package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/anatolykoptev/go-imageguard/denylist"
	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

func TestImportDenyLog(t *testing.T) {
	t.Parallel()

	s, p := newTestServer(t, `{"ok": true}`)
	img := testPNG(t)
	fp := fingerprint.Compute(img)

	log := strings.Join([]string{
		"# exported denylist",
		denylist.Entry{Exact: fp.Exact, Approx: fp.Approx}.String(),
		"",
		"deny sha1=" + strings.Repeat("ab", 20),
		"deny sha1=nothex",
		"allow sha1=" + strings.Repeat("cd", 20),
	}, "\n")

	ctx := context.Background()
	n, err := importDenyLog(ctx, s.guard, strings.NewReader(log), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("imported %d entries, want 2", n)
	}
	if st := s.guard.Stats().Denylist; st.Exact != 2 || st.Approx != 1 {
		t.Errorf("denylist stats = %+v", st)
	}

	res := s.guard.Classify(ctx, img)
	if res.OK || res.Via != "denylist" {
		t.Errorf("classify denied image = %+v", res)
	}
	if p.calls.Load() != 0 {
		t.Errorf("provider called %d times", p.calls.Load())
	}
}
