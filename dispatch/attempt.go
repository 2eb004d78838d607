package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runAttempt performs one provider call and converts whatever happens,
// panics included, into an Outcome. It is the only place where provider
// answers are normalized.
func (e *Engine) runAttempt(ctx context.Context, p Provider, a Attempt, img Image) (out Outcome) {
	start := time.Now()
	via := a.Target.Via()
	ctx, span := e.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(
		attribute.String("provider", a.Target.Provider),
		attribute.String("model", a.Target.Model),
		attribute.Int("seq", a.Seq),
	))

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("imageguard: provider panic", "via", via, "panic", rec)
			err := &TransportError{Err: fmt.Errorf("panic: %v", rec)}
			out = Outcome{Via: via, Reason: Code(err), Status: StatusTransportError, Err: err}
		}
		out.Attempts = 1
		attemptDuration.WithLabelValues(a.Target.Provider).Observe(time.Since(start).Seconds())
		attemptCount.WithLabelValues(a.Target.Provider, out.Status.String()).Inc()
		span.SetAttributes(attribute.String("status", out.Status.String()))
		if out.Err != nil {
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	actx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	if err := e.health.wait(actx, a.Target.Credential); err != nil {
		return e.attemptFailure(ctx, actx, a.Target, err)
	}

	text, err := p.Classify(actx, a, img)
	if err != nil {
		return e.attemptFailure(ctx, actx, a.Target, err)
	}

	v, err := Parse(text)
	if err != nil {
		e.logger.Debug("imageguard: unparseable provider answer", "via", via, "error", err)
		return Outcome{Via: via, Reason: Code(err), Status: StatusParseError, Err: err}
	}
	v = filter(v, e.cfg.Cues, e.cfg.Gate, e.cfg.NegativeCeiling)
	return Outcome{OK: v.OK, Score: v.Score, Via: via, Reason: v.Reason, Status: StatusOK}
}

// attemptFailure maps a provider error onto the attempt state machine.
// parent is the attempt's launch context (cancelled for losers), actx the
// per-attempt timeout context derived from it.
func (e *Engine) attemptFailure(parent, actx context.Context, t Target, err error) Outcome {
	via := t.Via()
	var httpErr *HTTPError
	var tErr *TransportError

	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return Outcome{Via: via, Reason: Code(ErrCancelled), Status: StatusCancelled, Err: ErrCancelled}

	case errors.As(err, &httpErr):
		if httpErr.Status == http.StatusTooManyRequests {
			e.health.cool(t.Credential)
			e.logger.Info("imageguard: credential rate limited", "via", via, "credential", redact(t.Credential))
		} else {
			e.logger.Debug("imageguard: provider http error", "via", via, "status", httpErr.Status)
		}
		return Outcome{Via: via, Reason: Code(err), Status: StatusHTTPError, Err: err}

	case errors.Is(err, ErrParse):
		return Outcome{Via: via, Reason: Code(ErrParse), Status: StatusParseError, Err: err}

	case actx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		wrapped := fmt.Errorf("%w: %w", ErrSoftTimeout, err)
		return Outcome{Via: via, Reason: Code(ErrSoftTimeout), Status: StatusSoftTimeout, Err: wrapped}

	case errors.As(err, &tErr):
		e.logger.Debug("imageguard: provider transport error", "via", via, "error", err)
		return Outcome{Via: via, Reason: Code(err), Status: StatusTransportError, Err: err}

	default:
		e.logger.Debug("imageguard: provider error", "via", via, "error", err)
		wrapped := &TransportError{Err: err}
		return Outcome{Via: via, Reason: Code(wrapped), Status: StatusTransportError, Err: wrapped}
	}
}
