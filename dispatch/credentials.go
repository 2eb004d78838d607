package dispatch

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

const (
	DefaultCooldown  = 10 * time.Minute
	maxCoolingTracks = 1024
)

// credentialHealth tracks rate-limited credentials and optional per-credential
// request pacing.
type credentialHealth struct {
	cooling  *expirable.LRU[string, time.Time]
	limiters *xsync.MapOf[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newCredentialHealth(cooldown time.Duration, limit rate.Limit, burst int) *credentialHealth {
	if burst <= 0 {
		burst = 1
	}
	return &credentialHealth{
		cooling:  expirable.NewLRU[string, time.Time](maxCoolingTracks, nil, cooldown),
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
		limit:    limit,
		burst:    burst,
	}
}

// cool marks a credential as rate-limited until the cooldown expires.
func (h *credentialHealth) cool(cred string) {
	h.cooling.Add(cred, time.Now())
}

func (h *credentialHealth) isCooling(cred string) bool {
	_, ok := h.cooling.Get(cred)
	return ok
}

// wait blocks until the credential's limiter admits a request. A zero limit
// disables pacing.
func (h *credentialHealth) wait(ctx context.Context, cred string) error {
	if h.limit <= 0 {
		return nil
	}
	lim, _ := h.limiters.LoadOrCompute(cred, func() *rate.Limiter {
		return rate.NewLimiter(h.limit, h.burst)
	})
	return lim.Wait(ctx)
}

// order returns combos with cooling credentials moved to the back, keeping
// relative order otherwise.
func (h *credentialHealth) order(combos []combo) []combo {
	out := make([]combo, 0, len(combos))
	var cooled []combo
	for _, t := range combos {
		if h.isCooling(t.Credential) {
			cooled = append(cooled, t)
			continue
		}
		out = append(out, t)
	}
	return append(out, cooled...)
}

// redact keeps the last four characters of a credential for logs.
func redact(cred string) string {
	if len(cred) <= 4 {
		return "****"
	}
	return "****" + cred[len(cred)-4:]
}
