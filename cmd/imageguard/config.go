package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/anatolykoptev/go-imageguard"
	"github.com/anatolykoptev/go-imageguard/dispatch"
	"github.com/anatolykoptev/go-imageguard/journal"
	"github.com/anatolykoptev/go-imageguard/provider"
)

// providerConfig describes one route. Keys are read from the environment
// variables named in KeysEnv, in order.
type providerConfig struct {
	Kind    string   `yaml:"kind"` // gemini or openai
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
	KeysEnv []string `yaml:"keys_env"`
	Prompt  string   `yaml:"prompt"`
}

type fileConfig struct {
	Mode        string `yaml:"mode"`
	CachePolicy string `yaml:"cache_policy"`
	Journal     string `yaml:"journal"`
	JournalMax  int64  `yaml:"journal_max_records"`

	PerAttempt     time.Duration `yaml:"per_attempt"`
	Total          time.Duration `yaml:"total"`
	StaggerDelay   time.Duration `yaml:"stagger_delay"`
	FallbackMargin time.Duration `yaml:"fallback_margin"`
	EarlyExit      float64       `yaml:"early_exit"`

	CacheMaxEntries int     `yaml:"cache_max_entries"`
	MaxHamming      int     `yaml:"max_hamming"`
	SimilarOKMin    float64 `yaml:"similar_ok_min"`
	DenyNear        int     `yaml:"deny_near_distance"`
	BackoffRetries  int     `yaml:"backoff_retries"`

	Cues       []string `yaml:"cues"`
	CuesFile   string   `yaml:"cues_file"`
	StrictGate bool     `yaml:"strict_gate"`
	Preprocess *bool    `yaml:"preprocess"`

	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Providers []providerConfig `yaml:"providers"`

	cues *dispatch.CueSet
}

// defaultProviders is used when the config file names none: Gemini first,
// then Groq, each only when keys are present.
var defaultProviders = []providerConfig{
	{
		Kind:    "gemini",
		Models:  []string{"gemini-2.5-flash-lite", "gemini-2.5-flash"},
		KeysEnv: []string{"GEMINI_API_KEYS", "GEMINI_API_KEY", "GEMINI_API_KEY_B", "GEMINI_BACKUP_API_KEY"},
	},
	{
		Kind:    "openai",
		Name:    "groq",
		BaseURL: provider.GroqBaseURL,
		Models:  []string{"meta-llama/llama-4-scout-17b-16e-instruct"},
		KeysEnv: []string{"GROQ_API_KEYS", "GROQ_API_KEY"},
	},
}

func loadFileConfig(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// splitKeys splits comma, semicolon or whitespace separated credential
// lists.
func splitKeys(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
}

// credentialsFrom reads every named variable and returns the keys in order
// of first appearance.
func credentialsFrom(getenv func(string) string, names []string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, name := range names {
		for _, k := range splitKeys(getenv(name)) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func parseCachePolicy(s string) (imageguard.CachePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trust":
		return imageguard.CacheTrust, nil
	case "fallback_on_error_only", "fallback":
		return imageguard.CacheFallbackOnErrorOnly, nil
	default:
		return 0, fmt.Errorf("unknown cache policy %q", s)
	}
}

func (fc *fileConfig) routes(getenv func(string) string) ([]dispatch.Route, error) {
	specs := fc.Providers
	if len(specs) == 0 {
		specs = defaultProviders
	}
	var routes []dispatch.Route
	for _, pc := range specs {
		keys := credentialsFrom(getenv, pc.KeysEnv)
		if len(keys) == 0 || len(pc.Models) == 0 {
			continue
		}
		var p dispatch.Provider
		switch pc.Kind {
		case "gemini":
			gp := provider.NewGemini(fc.cues)
			gp.BaseURL = pc.BaseURL
			gp.Prompt = pc.Prompt
			p = gp
		case "openai", "groq":
			p = &provider.OpenAICompat{
				ProviderName: pc.Name,
				BaseURL:      pc.BaseURL,
				Prompt:       pc.Prompt,
				Cues:         fc.cues,
			}
		default:
			return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
		routes = append(routes, dispatch.Route{Provider: p, Models: pc.Models, Credentials: keys})
	}
	return routes, nil
}

func (fc *fileConfig) guardConfig(ctx context.Context, logger *slog.Logger) (imageguard.Config, error) {
	mode, err := dispatch.ParseMode(fc.Mode)
	if err != nil {
		return imageguard.Config{}, err
	}
	policy, err := parseCachePolicy(fc.CachePolicy)
	if err != nil {
		return imageguard.Config{}, err
	}

	// A cue file replaces the inline list, here and on every reload.
	fc.cues = dispatch.NewCueSet(fc.Cues)
	if fc.CuesFile != "" {
		cues, err := dispatch.LoadCueFile(fc.CuesFile)
		if err != nil {
			return imageguard.Config{}, err
		}
		fc.cues.Replace(cues)
	}
	routes, err := fc.routes(os.Getenv)
	if err != nil {
		return imageguard.Config{}, err
	}
	if len(routes) == 0 {
		logger.Warn("imageguard: no provider credentials configured; every dispatch will report no_model")
	}

	dc := dispatch.Config{
		Routes:         routes,
		Mode:           mode,
		Budget:         dispatch.Budget{PerAttempt: fc.PerAttempt, Total: fc.Total},
		EarlyExit:      fc.EarlyExit,
		StaggerDelay:   fc.StaggerDelay,
		FallbackMargin: fc.FallbackMargin,
		Cues:           fc.cues,
		RateLimit:      rate.Limit(fc.RateLimit),
		RateBurst:      fc.RateBurst,
		Logger:         logger,
	}
	if fc.StrictGate {
		dc.Gate = dispatch.DefaultGate()
	}
	if fc.Preprocess == nil || *fc.Preprocess {
		dc.Preprocess = &dispatch.Preprocessor{}
	}

	cfg := imageguard.Config{
		Dispatch:         dc,
		CacheMaxEntries:  fc.CacheMaxEntries,
		CachePolicy:      policy,
		MaxHamming:       fc.MaxHamming,
		SimilarOKMin:     fc.SimilarOKMin,
		DenyNearDistance: fc.DenyNear,
		BackoffRetries:   fc.BackoffRetries,
		Logger:           logger,
		OnPanic: func(tag string, r any) {
			logger.Error("imageguard: recovered panic", "tag", tag, "panic", r)
		},
	}

	j, err := openJournal(ctx, fc.Journal, fc.JournalMax, logger)
	if err != nil {
		return imageguard.Config{}, err
	}
	cfg.Journal = j
	return cfg, nil
}

func openJournal(ctx context.Context, loc string, maxLen int64, logger *slog.Logger) (journal.Journal, error) {
	if loc == "" {
		return nil, nil
	}
	if strings.HasPrefix(loc, "redis://") || strings.HasPrefix(loc, "rediss://") {
		j, err := journal.NewRedis(ctx, loc, journal.RedisOptions{MaxLen: maxLen, Logger: logger})
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	j, err := journal.OpenFile(loc, logger)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func watchCues(ctx context.Context, fc *fileConfig, logger *slog.Logger) error {
	return dispatch.WatchCueFile(ctx, fc.CuesFile, fc.cues, logger)
}
