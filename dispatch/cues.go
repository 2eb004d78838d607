package dispatch

import (
	"strings"
	"sync/atomic"
)

// DefaultNegativeCeiling caps the score of a verdict that hit a negative cue
// or failed the structural gate.
const DefaultNegativeCeiling = 0.5

const negCueSuffix = "|neg_cue"

// DefaultCues are phrases that mark look-alike screens which are not the
// target class. They are always appended after configured cues.
var DefaultCues = []string{
	"save data", "save date", "card count", "save slot", "save record",
	"obtained equipment",
	"loadout", "edit loadout", "loadout edit",
	"deck", "card deck", "skill deck", "main discs", "disc skills",
	"inventory", "equipment", "equipment list", "gear",
	"artifact", "relic", "emblem", "emblem info", "reforge",
	"build", "build guide", "preset", "ui preset",
	"stage select", "quest", "mission",
	"profile", "stats", "status screen", "stat page",
	"card skills", "details", "detail",
	"potentials", "potential", "memory fragments", "manifest ego",
	"epiphany",
	"select to close", "equip", "equipment info",
	"spreadsheet", "sheet", "planner", "build table",
}

// CueSet is a hot-swappable list of negative phrases.
type CueSet struct {
	phrases atomic.Pointer[[]string]
}

// NewCueSet returns a set holding phrases followed by DefaultCues.
func NewCueSet(phrases []string) *CueSet {
	c := &CueSet{}
	c.Replace(phrases)
	return c
}

// Replace swaps the configured phrases. DefaultCues are appended, everything
// is lower-cased and de-duplicated with first occurrence kept.
func (c *CueSet) Replace(phrases []string) {
	merged := normalizeCues(append(append([]string{}, phrases...), DefaultCues...))
	c.phrases.Store(&merged)
}

// Phrases returns the active phrases.
func (c *CueSet) Phrases() []string {
	p := c.phrases.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Match reports whether any phrase occurs in the reason or flags.
func (c *CueSet) Match(reason string, flags []string) bool {
	hay := strings.ToLower(strings.Join(append(append([]string{}, flags...), reason), " "))
	for _, p := range c.Phrases() {
		if strings.Contains(hay, p) {
			return true
		}
	}
	return false
}

func normalizeCues(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, w := range in {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Gate rejects verdicts whose structural hints contradict a positive answer.
// A nil *Gate accepts everything.
type Gate struct {
	// NonTargetScreens are substrings of screen_type that force a negative.
	NonTargetScreens []string
	// TargetScreens, when non-empty, are the only screen types allowed to
	// stay positive.
	TargetScreens []string
	// MinSlots forces a negative when slot_count is reported below it.
	MinSlots int
	// RequireMulti forces a negative when is_multi_result_screen is false.
	RequireMulti bool
}

// DefaultGate mirrors the gacha multi-pull heuristics the cue list targets.
func DefaultGate() *Gate {
	return &Gate{
		NonTargetScreens: []string{
			"save", "save_data", "loadout", "deck", "inventory", "profile",
			"status", "stat", "detail", "card_detail", "epiphany", "upgrade",
			"manifest", "memory", "equipment", "artifact", "relic",
			"potential", "potentials", "disc", "disc_skill",
			"emblem", "reforge", "build", "sheet", "planner",
			"guide", "record",
		},
		TargetScreens: []string{"result_multi_pull", "multi_result", "gacha_result_multi"},
		MinSlots:      7,
		RequireMulti:  true,
	}
}

// Admit reports whether v passes the gate.
func (g *Gate) Admit(v Verdict) bool {
	if g == nil {
		return true
	}
	if v.ScreenType != "" {
		for _, k := range g.NonTargetScreens {
			if strings.Contains(v.ScreenType, k) {
				return false
			}
		}
	}
	if g.MinSlots > 0 && v.SlotCount != nil && *v.SlotCount < g.MinSlots {
		return false
	}
	if g.RequireMulti && v.MultiResult != nil && !*v.MultiResult {
		return false
	}
	if v.OK && v.ScreenType != "" && len(g.TargetScreens) > 0 {
		for _, s := range g.TargetScreens {
			if v.ScreenType == s {
				return true
			}
		}
		return false
	}
	return true
}

// filter applies the gate and the negative-cue list to a parsed verdict.
func filter(v Verdict, cues *CueSet, gate *Gate, ceiling float64) Verdict {
	if !gate.Admit(v) {
		v.OK = false
		v.Score = min(v.Score, ceiling)
	}
	if cues != nil && cues.Match(v.Reason, v.Flags) {
		v.OK = false
		v.Score = min(v.Score, ceiling)
		v.Reason += negCueSuffix
	}
	return v
}
