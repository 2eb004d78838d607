package imageguard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/anatolykoptev/go-imageguard/dispatch"
	"github.com/anatolykoptev/go-imageguard/journal"
)

const (
	DefaultCacheMaxEntries = 10000
	DefaultMaxHamming      = 6
	DefaultSimilarOKMin    = 0.90
	DefaultBackoffBase     = 250 * time.Millisecond
	DefaultShieldGrace     = 2 * time.Second
)

// CachePolicy decides what an exact cache hit is used for.
type CachePolicy int

const (
	// CacheTrust answers from an exact hit without dispatching.
	CacheTrust CachePolicy = iota
	// CacheFallbackOnErrorOnly always dispatches and uses an exact hit only
	// to rescue a transient failure.
	CacheFallbackOnErrorOnly
)

func (p CachePolicy) String() string {
	if p == CacheFallbackOnErrorOnly {
		return "fallback_on_error_only"
	}
	return "trust"
}

// Config holds everything a Guard needs. Zero values mean defaults.
type Config struct {
	Dispatch dispatch.Config // providers, mode and budgets

	CacheDisabled   bool
	CacheMaxEntries int // 0: DefaultCacheMaxEntries, negative: unbounded
	CachePolicy     CachePolicy
	MaxHamming      int     // similar-lookup radius; 0: default, negative: off
	SimilarOKMin    float64 // a similar hit answers only at or above this score

	DenyNearDistance int // see denylist.Options.NearDistance

	BackoffRetries int           // extra dispatches after a transient failure (default 0)
	BackoffBase    time.Duration // first backoff delay, doubled per retry
	ShieldGrace    time.Duration // slack over the total budget before the shield gives up

	Journal journal.Journal // optional persistence; nil keeps state in memory only

	HTTPClient *http.Client // for ClassifyURL; default: pooled cleanhttp client
	UserAgent  string       // default: "go-imageguard/<version>"

	Logger *slog.Logger

	// Optional callbacks for metrics and auditing.
	OnPanic          func(tag string, r any)
	OnClassification func(ClassificationEvent)
}

func (c *Config) defaults() {
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = DefaultCacheMaxEntries
	}
	if c.MaxHamming == 0 {
		c.MaxHamming = DefaultMaxHamming
	}
	if c.SimilarOKMin <= 0 {
		c.SimilarOKMin = DefaultSimilarOKMin
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.ShieldGrace <= 0 {
		c.ShieldGrace = DefaultShieldGrace
	}
	if c.HTTPClient == nil {
		c.HTTPClient = defaultDownloadClient()
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dispatch.Logger == nil {
		c.Dispatch.Logger = c.Logger
	}
}
