package dispatch

import (
	"context"
	"time"
)

// round is the state of one dispatch: launched attempts, their results and
// the best answer so far. It is owned by a single goroutine; attempts report
// through the buffered results channel and never block on it.
type round struct {
	e        *Engine
	img      Image
	deadline time.Time
	combos   []combo
	results  chan Outcome

	cancels   []context.CancelFunc
	launched  int
	running   int
	budgetHit bool

	best     *Outcome // best answer that completed with StatusOK
	lastFail *Outcome
}

// launch starts combo i with the given timeout, clipped to the remaining
// budget. It refuses once the budget is spent.
func (r *round) launch(ctx context.Context, i int, timeout time.Duration) bool {
	remaining := time.Until(r.deadline)
	if remaining <= 0 {
		r.budgetHit = true
		return false
	}
	timeout = min(timeout, remaining)

	actx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)
	r.launched++
	r.running++

	c := r.combos[i]
	a := Attempt{Target: c.Target, Timeout: timeout, Seq: i}
	go func() {
		r.results <- r.e.runAttempt(actx, c.provider, a, r.img)
	}()
	return true
}

func (r *round) cancelAll() {
	for _, cancel := range r.cancels {
		cancel()
	}
}

// record folds a completed attempt into the round and reports whether it is
// an early-exit answer.
func (r *round) record(o Outcome) bool {
	r.running--
	switch o.Status {
	case StatusCancelled:
		return false
	case StatusOK:
		if r.best == nil || o.Score > r.best.Score {
			c := o
			r.best = &c
		}
		return o.OK && o.Score >= r.e.cfg.EarlyExit
	default:
		c := o
		r.lastFail = &c
		return false
	}
}

func (r *round) early(o Outcome, escalated bool) Outcome {
	o.Reason = "early(ok)"
	if escalated {
		o.Reason = "fallback(ok)"
	}
	o.Attempts = r.launched
	return o
}

// final picks the answer once no early exit happened: the best completed
// answer, else the last failure, else no_result. A round that ends without an
// answer after its deadline reports timeout_total_budget.
func (r *round) final(escalated bool) Outcome {
	var out Outcome
	switch {
	case r.best != nil:
		out = *r.best
		prefix := "ok:"
		if escalated {
			prefix = "fallback(ok):"
		}
		out.Reason = prefix + out.Reason
	case r.lastFail != nil:
		out = *r.lastFail
	default:
		out = Outcome{Via: "dispatch", Reason: Code(ErrNoResult), Err: ErrNoResult}
	}
	if out.Status != StatusOK && (r.budgetHit || !time.Now().Before(r.deadline)) {
		out.Reason = Code(ErrTotalBudget)
		out.Err = ErrTotalBudget
	}
	out.Attempts = r.launched
	return out
}

// parallel launches every combination at once.
func (r *round) parallel(ctx context.Context) Outcome {
	for i := range r.combos {
		if !r.launch(ctx, i, r.e.cfg.Budget.PerAttempt) {
			break
		}
	}
	for r.running > 0 {
		select {
		case o := <-r.results:
			if r.record(o) {
				r.cancelAll()
				return r.early(o, false)
			}
		case <-ctx.Done():
			r.cancelAll()
			return r.final(false)
		}
	}
	return r.final(false)
}

// stagger launches the first combination and brings in the next one whenever
// the stagger delay passes or a running attempt fails. No new attempt starts
// once a definitive answer is in.
func (r *round) stagger(ctx context.Context) Outcome {
	next := 0
	launchNext := func() {
		if next >= len(r.combos) || r.best != nil {
			return
		}
		if r.launch(ctx, next, r.e.cfg.Budget.PerAttempt) {
			next++
			return
		}
		next = len(r.combos)
	}

	launchNext()
	timer := time.NewTimer(r.e.cfg.StaggerDelay)
	defer timer.Stop()

	for r.running > 0 {
		select {
		case o := <-r.results:
			if r.record(o) {
				r.cancelAll()
				return r.early(o, false)
			}
			if o.Status != StatusOK {
				launchNext()
				resetTimer(timer, r.e.cfg.StaggerDelay)
			}
		case <-timer.C:
			launchNext()
			timer.Reset(r.e.cfg.StaggerDelay)
		case <-ctx.Done():
			r.cancelAll()
			return r.final(false)
		}
	}
	return r.final(false)
}

// sequential runs combinations one after another. The first attempt gets a
// shortened timeout; later ones run only when the previous attempt did not
// produce a definitive answer.
func (r *round) sequential(ctx context.Context) Outcome {
	per := r.e.cfg.Budget.PerAttempt
	for i := range r.combos {
		timeout := per
		if i == 0 && len(r.combos) > 1 {
			timeout = firstAttemptTimeout(per, r.e.cfg.FallbackMargin)
		}
		if !r.launch(ctx, i, timeout) {
			break
		}

		var o Outcome
		select {
		case o = <-r.results:
		case <-ctx.Done():
			r.cancelAll()
			return r.final(i > 0)
		}

		if r.record(o) {
			return r.early(o, i > 0)
		}
		if o.Status == StatusOK {
			return r.final(i > 0)
		}
		r.e.logger.Debug("imageguard: escalating", "via", o.Via, "reason", o.Reason, "seq", i)
	}
	return r.final(r.launched > 1)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
