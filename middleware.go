package imageguard

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/anatolykoptev/go-imageguard/dispatch"
	"github.com/anatolykoptev/go-imageguard/fingerprint"
	"github.com/anatolykoptev/go-imageguard/journal"
)

// Sources reported in events and metrics.
const (
	SourceDenylist     = "denylist"
	SourceCacheExact   = "cache_exact"
	SourceCacheSimilar = "cache_similar"
	SourceDispatch     = "dispatch"
	SourceRescue       = "rescue"
	SourceShield       = "shield"
)

// call is the per-request state threaded through the stages.
type call struct {
	img         dispatch.Image
	print       fingerprint.Print
	similarDist int // distance of the nearest similar cache entry, -1 if none
}

type outcome struct {
	Result
	source     string
	err        error
	definitive bool // a provider (or the denylist, or the cache) gave a real answer
	attempts   int
	shared     bool
}

func (o outcome) transient() bool {
	return !o.definitive && (dispatch.IsTransient(o.err) || errors.Is(o.err, errShield))
}

type handler func(ctx context.Context, c *call) outcome

type middleware func(handler) handler

// chain wraps h so that mws[0] runs first.
func chain(h handler, mws ...middleware) handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// denylistStage answers negatively for denied fingerprints before anything
// else runs.
func (g *Guard) denylistStage(next handler) handler {
	return func(ctx context.Context, c *call) outcome {
		if denied, kind := g.deny.Check(c.print.Exact, c.print.Approx); denied {
			return outcome{
				Result:     Result{Via: "denylist", Reason: kind},
				source:     SourceDenylist,
				definitive: true,
			}
		}
		return next(ctx, c)
	}
}

func (g *Guard) cacheStage(next handler) handler {
	if g.cfg.CacheDisabled {
		return next
	}
	return func(ctx context.Context, c *call) outcome {
		hit, found := g.cache.Lookup(c.print.Exact)
		if found && g.cfg.CachePolicy == CacheTrust {
			return outcome{
				Result:     Result{OK: hit.OK, Score: hit.Score, Via: "cache:sha1", Reason: "hit"},
				source:     SourceCacheExact,
				definitive: true,
			}
		}

		if g.cfg.MaxHamming >= 0 {
			e, d, ok := g.cache.LookupSimilar(c.print.Approx, g.cfg.MaxHamming)
			if ok && e.Exact != c.print.Exact {
				c.similarDist = d
				if e.OK && e.Score >= g.cfg.SimilarOKMin {
					return outcome{
						Result:     Result{OK: true, Score: e.Score, Via: "cache:ahash", Reason: fmt.Sprintf("dist=%d", d)},
						source:     SourceCacheSimilar,
						definitive: true,
					}
				}
				g.logger.Debug("imageguard: similar cache entry below threshold", "sha1", c.print.Exact,
					"similar", e.Exact, "dist", d, "ok", e.OK, "score", e.Score)
			}
		}

		out := next(ctx, c)

		if found && out.transient() && g.cfg.CachePolicy == CacheFallbackOnErrorOnly {
			g.logger.Info("imageguard: rescued from cache", "sha1", c.print.Exact, "failure", out.Reason)
			return outcome{
				Result:   Result{OK: hit.OK, Score: hit.Score, Via: "cache:sha1", Reason: "rescue(" + out.Reason + ")"},
				source:   SourceRescue,
				attempts: out.attempts,
				shared:   out.shared,
			}
		}

		// Only definitive provider answers are remembered.
		if out.definitive && out.source == SourceDispatch {
			stored := g.cache.PutPrint(c.print, out.OK, out.Score, out.Via, out.Reason)
			if stored.Exact != "" {
				g.appendJournal(ctx, journal.CacheRecord(stored))
			}
		}
		return out
	}
}

// backoffStage repeats transient failures with exponential delay and jitter
// while the caller's deadline leaves room.
func (g *Guard) backoffStage(next handler) handler {
	if g.cfg.BackoffRetries <= 0 {
		return next
	}
	return func(ctx context.Context, c *call) outcome {
		out := next(ctx, c)
		attempts := out.attempts
		for i := 0; i < g.cfg.BackoffRetries && out.transient(); i++ {
			delay := backoffDelay(g.cfg.BackoffBase, i)
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < delay {
				break
			}
			if !sleepCtx(ctx, delay) {
				break
			}
			g.logger.Debug("imageguard: retrying transient failure", "sha1", c.print.Exact, "reason", out.Reason, "retry", i+1)
			out = next(ctx, c)
			attempts += out.attempts
		}
		out.attempts = attempts
		return out
	}
}

func backoffDelay(base time.Duration, retry int) time.Duration {
	d := base << retry
	return d + rand.N(d/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// shieldStage turns panics into a failure result and gives up once the
// total budget plus grace has passed, whatever the inner stages do.
func (g *Guard) shieldStage(next handler) handler {
	limit := g.engine.Budget().Total + g.cfg.ShieldGrace
	return func(ctx context.Context, c *call) outcome {
		ctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("imageguard: panic in classification", "panic", r, "stack", string(debug.Stack()))
					if g.cfg.OnPanic != nil {
						g.cfg.OnPanic("classify", r)
					}
					done <- outcome{
						Result: Result{Via: "shield", Reason: "shield_error"},
						source: SourceShield,
						err:    errShield,
					}
				}
			}()
			done <- next(ctx, c)
		}()

		select {
		case out := <-done:
			return out
		case <-ctx.Done():
			err := dispatch.ErrTotalBudget
			if errors.Is(ctx.Err(), context.Canceled) {
				err = dispatch.ErrCancelled
			}
			return outcome{
				Result: Result{Via: "shield", Reason: dispatch.Code(err)},
				source: SourceShield,
				err:    err,
			}
		}
	}
}

// compactionStage shrinks the payload sent to providers. Fingerprints were
// already taken from the original bytes.
func compactionStage(pre *dispatch.Preprocessor) middleware {
	return func(next handler) handler {
		if pre == nil {
			return next
		}
		return func(ctx context.Context, c *call) outcome {
			compact := *c
			compact.img = pre.Apply(c.img)
			return next(ctx, &compact)
		}
	}
}

func (g *Guard) dispatchStage(ctx context.Context, c *call) outcome {
	o := g.engine.Dispatch(ctx, dispatch.Request{Image: c.img, Print: c.print})
	return outcome{
		Result:     Result{OK: o.OK, Score: o.Score, Via: o.Via, Reason: o.Reason},
		source:     SourceDispatch,
		err:        o.Err,
		definitive: o.Status == dispatch.StatusOK,
		attempts:   o.Attempts,
		shared:     o.Shared,
	}
}
