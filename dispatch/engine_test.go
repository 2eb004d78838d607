package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// expirable.LRU runs its cleanup goroutine for the life of the process.
		goleak.IgnoreTopFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"),
	)
}

// stubProvider answers after delay unless its context ends first.
type stubProvider struct {
	name  string
	delay time.Duration
	text  string
	err   error
	panic bool

	calls     atomic.Int32
	cancelled atomic.Int32
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Classify(ctx context.Context, _ Attempt, _ Image) (string, error) {
	s.calls.Add(1)
	if s.panic {
		panic("boom")
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return s.text, s.err
	case <-ctx.Done():
		s.cancelled.Add(1)
		return "", ctx.Err()
	}
}

func routes(ps ...*stubProvider) []Route {
	out := make([]Route, 0, len(ps))
	for _, p := range ps {
		out = append(out, Route{Provider: p, Models: []string{"m"}, Credentials: []string{"key-" + p.name}})
	}
	return out
}

func req(seed string) Request {
	return Request{
		Image: Image{Data: []byte(seed), MIMEType: "image/png"},
		Print: fingerprint.Print{Exact: fingerprint.Exact([]byte(seed)), Approx: fingerprint.Sentinel},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

const (
	yes   = `{"ok": true, "score": 0.95, "reason": "ten result slots"}`
	maybe = `{"ok": true, "score": 0.6, "reason": "looks like a result"}`
	no    = `{"ok": false, "score": 0.2, "reason": "single card"}`
)

func TestParallel_EarlyExitCancelsSibling(t *testing.T) {
	fast := &stubProvider{name: "fast", delay: 10 * time.Millisecond, text: yes}
	slow := &stubProvider{name: "slow", delay: 2 * time.Second, text: yes}
	e := New(Config{Routes: routes(fast, slow), Mode: ModeParallel, Budget: Budget{PerAttempt: 3 * time.Second, Total: 3 * time.Second}})

	start := time.Now()
	out := e.Dispatch(context.Background(), req("early"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("early exit took %v", elapsed)
	}
	if !out.OK || out.Score != 0.95 || out.Reason != "early(ok)" || out.Via != "fast:m" {
		t.Errorf("outcome = %+v", out)
	}
	waitFor(t, func() bool { return slow.cancelled.Load() == 1 })
	if slow.calls.Load() != 1 {
		t.Errorf("slow calls = %d, want 1", slow.calls.Load())
	}
}

func TestParallel_BestScoreWithoutEarlyExit(t *testing.T) {
	t.Parallel()

	a := &stubProvider{name: "a", delay: 5 * time.Millisecond, text: no}
	b := &stubProvider{name: "b", delay: 20 * time.Millisecond, text: maybe}
	e := New(Config{Routes: routes(a, b), Mode: ModeParallel})

	out := e.Dispatch(context.Background(), req("best"))
	if out.Via != "b:m" || out.Score != 0.6 || !out.OK {
		t.Errorf("outcome = %+v, want b's answer", out)
	}
	if out.Reason != "ok:looks like a result" {
		t.Errorf("reason = %q", out.Reason)
	}
	if out.Status != StatusOK || out.Err != nil || out.Attempts != 2 {
		t.Errorf("status = %v err = %v attempts = %d", out.Status, out.Err, out.Attempts)
	}
}

func TestTotalBudget(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeParallel, ModeStagger, ModeSequential} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			a := &stubProvider{name: "a", delay: 600 * time.Millisecond, text: yes}
			b := &stubProvider{name: "b", delay: 600 * time.Millisecond, text: yes}
			e := New(Config{
				Routes:       routes(a, b),
				Mode:         mode,
				Budget:       Budget{PerAttempt: 500 * time.Millisecond, Total: 300 * time.Millisecond},
				StaggerDelay: 50 * time.Millisecond,
			})

			start := time.Now()
			out := e.Dispatch(context.Background(), req("budget-"+string(mode)))
			elapsed := time.Since(start)

			if elapsed > 450*time.Millisecond {
				t.Errorf("returned after %v, budget was 300ms", elapsed)
			}
			if out.OK || out.Reason != "timeout_total_budget" {
				t.Errorf("outcome = %+v", out)
			}
			if !errors.Is(out.Err, ErrTotalBudget) || !out.Transient() {
				t.Errorf("err = %v", out.Err)
			}
		})
	}
}

func TestSequential_EscalatesOn429(t *testing.T) {
	t.Parallel()

	limited := &stubProvider{name: "limited", delay: time.Millisecond, err: &HTTPError{Status: 429}}
	backup := &stubProvider{name: "backup", delay: time.Millisecond, text: yes}
	e := New(Config{Routes: routes(limited, backup), Mode: ModeSequential})

	out := e.Dispatch(context.Background(), req("429"))
	if backup.calls.Load() != 1 {
		t.Fatalf("backup calls = %d, want 1", backup.calls.Load())
	}
	if !out.OK || out.Via != "backup:m" || out.Reason != "fallback(ok)" {
		t.Errorf("outcome = %+v", out)
	}

	// The limited credential now cools down and is tried last.
	out = e.Dispatch(context.Background(), req("429-again"))
	if limited.calls.Load() != 1 {
		t.Errorf("limited calls = %d, want 1 (cooling)", limited.calls.Load())
	}
	if out.Via != "backup:m" || out.Reason != "early(ok)" {
		t.Errorf("second outcome = %+v", out)
	}
}

func TestSequential_DefinitiveAnswerStops(t *testing.T) {
	t.Parallel()

	first := &stubProvider{name: "first", delay: time.Millisecond, text: no}
	second := &stubProvider{name: "second", delay: time.Millisecond, text: yes}
	e := New(Config{Routes: routes(first, second), Mode: ModeSequential})

	out := e.Dispatch(context.Background(), req("definitive"))
	if second.calls.Load() != 0 {
		t.Errorf("second provider invoked %d times", second.calls.Load())
	}
	if out.OK || out.Score != 0.2 || out.Via != "first:m" || out.Reason != "ok:single card" {
		t.Errorf("outcome = %+v", out)
	}
	if out.Transient() {
		t.Error("definitive answer reported as transient")
	}
}

func TestSequential_EscalatesOnFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		first *stubProvider
	}{
		{name: "parse error", first: &stubProvider{name: "p", delay: time.Millisecond, text: "no json here"}},
		{name: "http 503", first: &stubProvider{name: "p", delay: time.Millisecond, err: &HTTPError{Status: 503}}},
		{name: "transport", first: &stubProvider{name: "p", delay: time.Millisecond, err: errors.New("connection reset")}},
		{name: "panic", first: &stubProvider{name: "p", panic: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			second := &stubProvider{name: "s", delay: time.Millisecond, text: no}
			e := New(Config{Routes: routes(tc.first, second), Mode: ModeSequential})
			out := e.Dispatch(context.Background(), req(tc.name))
			if second.calls.Load() != 1 {
				t.Fatalf("second calls = %d, want 1", second.calls.Load())
			}
			if out.Via != "s:m" || out.Reason != "fallback(ok):single card" {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestSequential_SoftTimeoutEscalates(t *testing.T) {
	t.Parallel()

	hung := &stubProvider{name: "hung", delay: 5 * time.Second, text: yes}
	backup := &stubProvider{name: "backup", delay: time.Millisecond, text: yes}
	e := New(Config{
		Routes: routes(hung, backup),
		Mode:   ModeSequential,
		Budget: Budget{PerAttempt: 100 * time.Millisecond, Total: 3 * time.Second},
	})

	out := e.Dispatch(context.Background(), req("soft"))
	if out.Via != "backup:m" || !out.OK {
		t.Errorf("outcome = %+v", out)
	}
	if hung.cancelled.Load() != 1 {
		t.Errorf("hung attempt not timed out")
	}
}

func TestStagger_SecondLaunchedAfterDelay(t *testing.T) {
	slow := &stubProvider{name: "slow", delay: 2 * time.Second, text: yes}
	quick := &stubProvider{name: "quick", delay: 10 * time.Millisecond, text: yes}
	e := New(Config{Routes: routes(slow, quick), Mode: ModeStagger, StaggerDelay: 30 * time.Millisecond})

	out := e.Dispatch(context.Background(), req("stagger"))
	if out.Via != "quick:m" || out.Reason != "early(ok)" {
		t.Errorf("outcome = %+v", out)
	}
	waitFor(t, func() bool { return slow.cancelled.Load() == 1 })
}

func TestStagger_DefinitiveFirstSkipsSecond(t *testing.T) {
	t.Parallel()

	first := &stubProvider{name: "first", delay: 5 * time.Millisecond, text: no}
	second := &stubProvider{name: "second", delay: 5 * time.Millisecond, text: yes}
	e := New(Config{Routes: routes(first, second), Mode: ModeStagger, StaggerDelay: 200 * time.Millisecond})

	out := e.Dispatch(context.Background(), req("stagger-definitive"))
	if second.calls.Load() != 0 {
		t.Errorf("second calls = %d, want 0", second.calls.Load())
	}
	if out.Via != "first:m" || out.OK {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStagger_FailureBringsNextImmediately(t *testing.T) {
	t.Parallel()

	broken := &stubProvider{name: "broken", delay: time.Millisecond, err: &HTTPError{Status: 503}}
	ok := &stubProvider{name: "ok", delay: time.Millisecond, text: yes}
	e := New(Config{Routes: routes(broken, ok), Mode: ModeStagger, StaggerDelay: 5 * time.Second})

	start := time.Now()
	out := e.Dispatch(context.Background(), req("stagger-fail"))
	if time.Since(start) > time.Second {
		t.Error("next attempt waited for the stagger delay")
	}
	if out.Via != "ok:m" || !out.OK {
		t.Errorf("outcome = %+v", out)
	}
}

func TestAllAttemptsFail(t *testing.T) {
	t.Parallel()

	a := &stubProvider{name: "a", delay: time.Millisecond, err: &HTTPError{Status: 500}}
	b := &stubProvider{name: "b", delay: time.Millisecond, err: &HTTPError{Status: 429}}
	e := New(Config{Routes: routes(a, b), Mode: ModeParallel})

	out := e.Dispatch(context.Background(), req("all-fail"))
	if out.OK || out.Score != 0 || out.Status != StatusHTTPError {
		t.Errorf("outcome = %+v", out)
	}
	if !strings.HasPrefix(out.Reason, "http_") || !out.Transient() {
		t.Errorf("reason = %q transient = %v", out.Reason, out.Transient())
	}
}

func TestConfigErrors(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "p", text: yes}
	tests := []struct {
		name   string
		routes []Route
		want   error
		code   string
	}{
		{name: "no routes", routes: nil, want: ErrNoModel, code: "no_model"},
		{name: "no models", routes: []Route{{Provider: p, Credentials: []string{"k"}}}, want: ErrNoModel, code: "no_model"},
		{name: "no credentials", routes: []Route{{Provider: p, Models: []string{"m"}}}, want: ErrNoCredential, code: "no_credential"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := New(Config{Routes: tc.routes}).Dispatch(context.Background(), req(tc.name))
			if !errors.Is(out.Err, tc.want) || out.Reason != tc.code || out.OK {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
	if p.calls.Load() != 0 {
		t.Error("provider called despite configuration error")
	}
}

func TestNegativeCueForcesNegative(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "p", delay: time.Millisecond,
		text: `{"ok": true, "score": 0.97, "reason": "Save Data screen", "flags": []}`}
	e := New(Config{Routes: routes(p), Mode: ModeParallel})

	out := e.Dispatch(context.Background(), req("neg"))
	if out.OK || out.Score != 0.5 {
		t.Errorf("outcome = %+v, want ok=false score=0.5", out)
	}
	if !strings.HasSuffix(out.Reason, "|neg_cue") {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestInflightDedup(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "p", delay: 150 * time.Millisecond, text: yes}
	e := New(Config{Routes: routes(p), Mode: ModeParallel})

	r := req("shared")
	var wg sync.WaitGroup
	outs := make([]Outcome, 4)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = e.Dispatch(context.Background(), r)
		}()
	}
	wg.Wait()

	if p.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls.Load())
	}
	for i, o := range outs {
		if !o.OK || !o.Shared {
			t.Errorf("outs[%d] = %+v", i, o)
		}
	}
}

func TestInflightKeyUsesApproxThenExact(t *testing.T) {
	t.Parallel()

	e := New(Config{Routes: routes(&stubProvider{name: "p"}), Mode: ModeSequential})
	a := e.inflightKey(fingerprint.Print{Exact: "e1", Approx: "00000000000000ff"})
	b := e.inflightKey(fingerprint.Print{Exact: "e2", Approx: "00000000000000ff"})
	if a != b {
		t.Errorf("same approx should share a key: %q vs %q", a, b)
	}
	c := e.inflightKey(fingerprint.Print{Exact: "e1", Approx: fingerprint.Sentinel})
	d := e.inflightKey(fingerprint.Print{Exact: "e2", Approx: fingerprint.Sentinel})
	if c == d {
		t.Error("sentinel prints must fall back to the exact fingerprint")
	}
	if !strings.HasSuffix(a, "|p:m|sequential") {
		t.Errorf("key %q lacks model signature and mode", a)
	}
}

func TestCallerCancellation(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "p", delay: 300 * time.Millisecond, text: yes}
	e := New(Config{Routes: routes(p), Mode: ModeParallel})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := e.Dispatch(ctx, req("cancel"))
	if out.Status != StatusCancelled || !errors.Is(out.Err, ErrCancelled) || out.OK {
		t.Errorf("outcome = %+v", out)
	}
	// The shared call still completes for anyone else waiting.
	waitFor(t, func() bool { return p.calls.Load() == 1 })
	time.Sleep(350 * time.Millisecond)
}

func TestFirstAttemptTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		per, margin, want time.Duration
	}{
		{per: 6 * time.Second, margin: 1200 * time.Millisecond, want: 4800 * time.Millisecond},
		{per: 2 * time.Second, margin: 1200 * time.Millisecond, want: 1600 * time.Millisecond},
		{per: 10 * time.Second, margin: 500 * time.Millisecond, want: 9500 * time.Millisecond},
		{per: time.Second, margin: 1200 * time.Millisecond, want: time.Second},
	}
	for _, tc := range tests {
		if got := firstAttemptTimeout(tc.per, tc.margin); got != tc.want {
			t.Errorf("firstAttemptTimeout(%v, %v) = %v, want %v", tc.per, tc.margin, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeStagger, "Parallel": ModeParallel, " sequential ": ModeSequential} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("burst"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err       error
		code      string
		transient bool
	}{
		{err: nil, code: "ok"},
		{err: &HTTPError{Status: 429}, code: "http_429", transient: true},
		{err: &HTTPError{Status: 503}, code: "http_503", transient: true},
		{err: &HTTPError{Status: 400}, code: "http_400"},
		{err: ErrSoftTimeout, code: "soft_timeout", transient: true},
		{err: ErrTotalBudget, code: "timeout_total_budget", transient: true},
		{err: ErrParse, code: "parse_error"},
		{err: ErrNoCredential, code: "no_credential"},
		{err: ErrNoModel, code: "no_model"},
		{err: &TransportError{Err: errors.New("eof")}, code: "transport_error", transient: true},
	}
	for _, tc := range tests {
		if got := Code(tc.err); got != tc.code {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.code)
		}
		if got := IsTransient(tc.err); got != tc.transient {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.transient)
		}
	}
}
