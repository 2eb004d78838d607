// Package dispatch races or sequences classification requests across
// (model, credential) combinations under a per-attempt timeout and a total
// budget, and normalizes every provider answer into an Outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

// Mode selects how attempts are scheduled.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeStagger    Mode = "stagger"
	ModeSequential Mode = "sequential"
)

// ParseMode accepts a mode name case-insensitively. Empty means ModeStagger.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeStagger, nil
	case ModeParallel, ModeStagger, ModeSequential:
		return m, nil
	default:
		return "", fmt.Errorf("dispatch: unknown mode %q", s)
	}
}

const (
	DefaultPerAttempt     = 6 * time.Second
	DefaultTotal          = 9 * time.Second
	DefaultEarlyExit      = 0.90
	DefaultStaggerDelay   = 300 * time.Millisecond
	DefaultFallbackMargin = 1200 * time.Millisecond
)

// Target is one (provider, model, credential) combination.
type Target struct {
	Provider   string
	Model      string
	Credential string
}

// Via is the identifier reported in results, "<provider>:<model>".
func (t Target) Via() string { return t.Provider + ":" + t.Model }

// Attempt is a single scheduled provider call.
type Attempt struct {
	Target  Target
	Timeout time.Duration
	Seq     int
}

// Image is the payload handed to providers.
type Image struct {
	Data     []byte
	MIMEType string
	Hint     string
}

// Provider calls one external classifier and returns its raw text answer.
// Non-2xx responses must be reported as *HTTPError so the engine can react
// to rate limiting.
type Provider interface {
	Name() string
	Classify(ctx context.Context, a Attempt, img Image) (string, error)
}

// Route binds a provider to the models and credentials it may use.
// Combinations are tried model-major, credential-minor.
type Route struct {
	Provider    Provider
	Models      []string
	Credentials []string
}

// Budget holds the two time limits of one dispatch.
type Budget struct {
	PerAttempt time.Duration
	Total      time.Duration
}

// Config configures an Engine. Zero values mean defaults.
type Config struct {
	Routes         []Route
	Mode           Mode
	Budget         Budget
	EarlyExit      float64
	StaggerDelay   time.Duration
	FallbackMargin time.Duration

	NegativeCeiling float64
	Cues            *CueSet // nil: DefaultCues only
	Gate            *Gate   // nil: no structural gating
	Preprocess      *Preprocessor

	Cooldown  time.Duration // how long a 429'd credential is tried last
	RateLimit rate.Limit    // per-credential requests/sec; 0 disables
	RateBurst int

	DisableDedup bool
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeStagger
	}
	if c.Budget.PerAttempt <= 0 {
		c.Budget.PerAttempt = DefaultPerAttempt
	}
	if c.Budget.Total <= 0 {
		c.Budget.Total = DefaultTotal
	}
	if c.EarlyExit <= 0 {
		c.EarlyExit = DefaultEarlyExit
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = DefaultStaggerDelay
	}
	if c.FallbackMargin <= 0 {
		c.FallbackMargin = DefaultFallbackMargin
	}
	if c.NegativeCeiling <= 0 {
		c.NegativeCeiling = DefaultNegativeCeiling
	}
	if c.Cues == nil {
		c.Cues = NewCueSet(nil)
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Outcome is the normalized result of a dispatch or of one attempt.
type Outcome struct {
	OK     bool
	Score  float64
	Via    string
	Reason string

	Status   Status
	Err      error // nil when Status is StatusOK
	Attempts int
	Shared   bool // answered by an identical in-flight call
}

// Transient reports whether the outcome is a failure that may succeed later.
func (o Outcome) Transient() bool { return IsTransient(o.Err) }

// Request is one dispatch call. Print carries the fingerprints of the
// original bytes and keys in-flight de-duplication; it is computed from
// Image.Data when empty.
type Request struct {
	Image Image
	Print fingerprint.Print
}

type combo struct {
	Target
	provider Provider
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	combos    []combo
	cfgErr    error
	signature string
	health    *credentialHealth
	group     singleflight.Group
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New builds an engine. Configuration problems (no model, no credential) do
// not fail construction; every dispatch reports them as its outcome.
func New(cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:    cfg,
		health: newCredentialHealth(cfg.Cooldown, cfg.RateLimit, cfg.RateBurst),
		tracer: otel.Tracer("github.com/anatolykoptev/go-imageguard/dispatch"),
		logger: cfg.Logger,
	}

	models, creds := 0, 0
	var sig []string
	for _, r := range cfg.Routes {
		if r.Provider == nil {
			continue
		}
		models += len(r.Models)
		creds += len(r.Credentials)
		for _, m := range r.Models {
			sig = append(sig, r.Provider.Name()+":"+m)
			for _, c := range r.Credentials {
				e.combos = append(e.combos, combo{
					Target:   Target{Provider: r.Provider.Name(), Model: m, Credential: c},
					provider: r.Provider,
				})
			}
		}
	}
	switch {
	case models == 0:
		e.cfgErr = ErrNoModel
	case creds == 0:
		e.cfgErr = ErrNoCredential
	}
	e.signature = strings.Join(sig, ",")
	return e
}

// Mode returns the configured scheduling mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// Budget returns the effective time limits.
func (e *Engine) Budget() Budget { return e.cfg.Budget }

// Dispatch classifies the image. It never returns an error: every failure is
// folded into the Outcome. Concurrent requests with the same approximate
// fingerprint share one underlying call; a caller whose ctx ends early gets
// a cancelled outcome while the shared call keeps running for the others.
func (e *Engine) Dispatch(ctx context.Context, req Request) Outcome {
	if e.cfg.DisableDedup {
		return e.run(ctx, req.Image)
	}
	if req.Print.Exact == "" {
		req.Print = fingerprint.Compute(req.Image.Data)
	}

	ch := e.group.DoChan(e.inflightKey(req.Print), func() (any, error) {
		return e.run(context.WithoutCancel(ctx), req.Image), nil
	})
	select {
	case res := <-ch:
		out := res.Val.(Outcome)
		if res.Shared {
			inflightShared.Inc()
			out.Shared = true
		}
		return out
	case <-ctx.Done():
		return Outcome{
			Via:    "dispatch",
			Reason: Code(ErrCancelled),
			Status: StatusCancelled,
			Err:    fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()),
		}
	}
}

func (e *Engine) inflightKey(p fingerprint.Print) string {
	k := p.Approx
	if k == "" || fingerprint.IsSentinel(k) {
		k = p.Exact
	}
	return k + "|" + e.signature + "|" + string(e.cfg.Mode)
}

func (e *Engine) run(ctx context.Context, img Image) Outcome {
	start := time.Now()
	mode := string(e.cfg.Mode)
	ctx, span := e.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("mode", mode),
		attribute.Int("combinations", len(e.combos)),
	))
	defer span.End()

	out := e.schedule(ctx, img, start)

	code := Code(out.Err)
	dispatchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	dispatchCount.WithLabelValues(mode, code).Inc()
	span.SetAttributes(
		attribute.String("via", out.Via),
		attribute.String("code", code),
		attribute.Bool("ok", out.OK),
		attribute.Float64("score", out.Score),
	)
	e.logger.Debug("imageguard: dispatch done", "mode", mode, "via", out.Via, "ok", out.OK,
		"score", out.Score, "reason", out.Reason, "attempts", out.Attempts, "elapsed", time.Since(start))
	return out
}

func (e *Engine) schedule(ctx context.Context, img Image, start time.Time) Outcome {
	if e.cfgErr != nil {
		return Outcome{Via: "dispatch", Reason: Code(e.cfgErr), Status: StatusPending, Err: e.cfgErr}
	}

	deadline := start.Add(e.cfg.Budget.Total)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if e.cfg.Preprocess != nil {
		img = e.cfg.Preprocess.Apply(img)
	}

	r := &round{
		e:        e,
		img:      img,
		deadline: deadline,
		combos:   e.health.order(e.combos),
	}
	r.results = make(chan Outcome, len(r.combos))
	defer r.cancelAll()

	switch e.cfg.Mode {
	case ModeParallel:
		return r.parallel(ctx)
	case ModeSequential:
		return r.sequential(ctx)
	default:
		return r.stagger(ctx)
	}
}

// firstAttemptTimeout shortens the first sequential attempt so that a second
// one still fits in the per-attempt window.
func firstAttemptTimeout(per, margin time.Duration) time.Duration {
	reserve := min(margin, max(600*time.Millisecond, per/5))
	t := max(1600*time.Millisecond, per-reserve)
	return min(t, per)
}
