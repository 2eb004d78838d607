// Package imageguard decides whether an image belongs to a target class by
// consulting a denylist, a fingerprint cache and, when needed, a set of
// rate-limited vision providers under a hard latency budget.
package imageguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go-imageguard/denylist"
	"github.com/anatolykoptev/go-imageguard/dispatch"
	"github.com/anatolykoptev/go-imageguard/fingerprint"
	"github.com/anatolykoptev/go-imageguard/journal"
	"github.com/anatolykoptev/go-imageguard/resultcache"
)

// Result is the answer to every classification.
type Result struct {
	OK     bool    `json:"ok"`
	Score  float64 `json:"score"`
	Via    string  `json:"via"`
	Reason string  `json:"reason"`
}

// Option tunes a single Classify call.
type Option func(*call)

// WithHint passes free text (a caption, the channel topic) to providers.
func WithHint(hint string) Option {
	return func(c *call) { c.img.Hint = hint }
}

// WithMIMEType overrides content sniffing.
func WithMIMEType(mime string) Option {
	return func(c *call) { c.img.MIMEType = mime }
}

// Guard is safe for concurrent use.
type Guard struct {
	cfg     Config
	engine  *dispatch.Engine
	cache   *resultcache.Cache
	deny    *denylist.Store
	journal journal.Journal
	logger  *slog.Logger

	handler handler
}

// New builds a Guard. Persistent state is not loaded; call Replay for that.
func New(cfg Config) *Guard {
	cfg.defaults()

	pre := cfg.Dispatch.Preprocess
	cfg.Dispatch.Preprocess = nil // applied by the compaction stage

	maxEntries := cfg.CacheMaxEntries
	if maxEntries < 0 {
		maxEntries = 0
	}
	g := &Guard{
		cfg:     cfg,
		engine:  dispatch.New(cfg.Dispatch),
		cache:   resultcache.New(resultcache.Options{MaxEntries: maxEntries}),
		deny:    denylist.New(denylist.Options{NearDistance: cfg.DenyNearDistance}),
		journal: cfg.Journal,
		logger:  cfg.Logger,
	}
	g.handler = chain(g.dispatchStage,
		g.denylistStage,
		g.cacheStage,
		g.backoffStage,
		g.shieldStage,
		compactionStage(pre),
	)
	return g
}

// Classify returns the verdict for data. It never fails: problems are
// reported through Result.Reason.
func (g *Guard) Classify(ctx context.Context, data []byte, opts ...Option) Result {
	start := time.Now()
	if len(data) == 0 {
		return Result{Via: "imageguard", Reason: "empty_input"}
	}

	c := &call{img: dispatch.Image{Data: data}, similarDist: -1}
	for _, opt := range opts {
		opt(c)
	}
	c.print = fingerprint.Compute(data)

	out := g.handler(ctx, c)
	out.Result.Score = clamp01(out.Result.Score)

	classifyCount.WithLabelValues(out.source).Inc()
	classifyDuration.WithLabelValues(out.source).Observe(time.Since(start).Seconds())
	g.logger.Debug("imageguard: classified", "sha1", c.print.Exact, "source", out.source,
		"ok", out.OK, "score", out.Score, "via", out.Via, "reason", out.Reason, "elapsed", time.Since(start))

	if g.cfg.OnClassification != nil {
		g.cfg.OnClassification(ClassificationEvent{
			ID:          uuid.NewString(),
			Exact:       c.print.Exact,
			Approx:      c.print.Approx,
			Result:      out.Result,
			Source:      out.source,
			Attempts:    out.attempts,
			Shared:      out.shared,
			SimilarDist: c.similarDist,
			Elapsed:     time.Since(start),
			At:          start.UTC(),
		})
	}
	return out.Result
}

// Deny adds the fingerprints of data to the denylist and forgets any cached
// verdict for it.
func (g *Guard) Deny(ctx context.Context, data []byte) (denylist.Entry, error) {
	p := fingerprint.Compute(data)
	return g.DenyFingerprint(ctx, p.Exact, p.Approx)
}

// DenyFingerprint denies by known fingerprints. approx may be empty.
func (g *Guard) DenyFingerprint(ctx context.Context, exact, approx string) (denylist.Entry, error) {
	exact, approx = strings.ToLower(exact), strings.ToLower(approx)
	if !g.deny.Add(exact, approx) {
		return denylist.Entry{}, fmt.Errorf("imageguard: invalid exact fingerprint %q", exact)
	}
	e := denylist.Entry{Exact: exact}
	if fingerprint.Valid(approx, fingerprint.ApproxLen) && !fingerprint.IsSentinel(approx) {
		e.Approx = approx
	}
	g.cache.Remove(exact)
	g.appendJournal(ctx, journal.DenyRecord(e))
	g.logger.Info("imageguard: denied", "sha1", e.Exact, "ahash", e.Approx)
	return e, nil
}

// Unlearn drops the cached verdict for an exact fingerprint. It reports
// whether an entry existed.
func (g *Guard) Unlearn(ctx context.Context, exact string) bool {
	removed := g.cache.Remove(exact)
	if removed {
		g.appendJournal(ctx, journal.UnlearnRecord(exact))
		g.logger.Info("imageguard: unlearned", "sha1", exact)
	}
	return removed
}

// ReplayStats counts the records applied by Replay.
type ReplayStats struct {
	Cache   int `json:"cache"`
	Deny    int `json:"deny"`
	Unlearn int `json:"unlearn"`
}

// Replay rebuilds the denylist and cache from the journal.
func (g *Guard) Replay(ctx context.Context) (ReplayStats, error) {
	var st ReplayStats
	if g.journal == nil {
		return st, nil
	}
	var denied []denylist.Entry
	err := g.journal.Replay(ctx, func(r journal.Record) error {
		switch r.Kind {
		case journal.KindCache:
			if !g.cfg.CacheDisabled && g.cache.Upsert(*r.Cache).Exact != "" {
				st.Cache++
			}
		case journal.KindDeny:
			denied = append(denied, *r.Deny)
		case journal.KindUnlearn:
			g.cache.Remove(r.Exact)
			st.Unlearn++
		}
		return nil
	})
	st.Deny = g.deny.AddMany(denied)
	for _, d := range denied {
		g.cache.Remove(d.Exact)
	}
	if err != nil {
		return st, fmt.Errorf("imageguard: replay journal: %w", err)
	}
	g.logger.Info("imageguard: journal replayed", "cache", st.Cache, "deny", st.Deny, "unlearn", st.Unlearn)
	return st, nil
}

// Stats is a point-in-time view of the Guard.
type Stats struct {
	CacheEntries int            `json:"cache_entries"`
	CachePolicy  string         `json:"cache_policy"`
	Denylist     denylist.Stats `json:"denylist"`
	Mode         dispatch.Mode  `json:"mode"`
	Budget       struct {
		PerAttempt string `json:"per_attempt"`
		Total      string `json:"total"`
	} `json:"budget"`
}

func (g *Guard) Stats() Stats {
	st := Stats{
		CacheEntries: g.cache.Len(),
		CachePolicy:  g.cfg.CachePolicy.String(),
		Denylist:     g.deny.Stats(),
		Mode:         g.engine.Mode(),
	}
	b := g.engine.Budget()
	st.Budget.PerAttempt = b.PerAttempt.String()
	st.Budget.Total = b.Total.String()
	return st
}

// Close releases the journal.
func (g *Guard) Close() error {
	if g.journal == nil {
		return nil
	}
	return g.journal.Close()
}

func (g *Guard) appendJournal(ctx context.Context, r journal.Record) {
	if g.journal == nil {
		return
	}
	// Persisting must not depend on the caller still waiting.
	if err := g.journal.Append(context.WithoutCancel(ctx), r); err != nil {
		g.logger.Warn("imageguard: journal append failed", "kind", r.Kind, "error", err)
	}
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

var errShield = errors.New("imageguard: classification panicked")
