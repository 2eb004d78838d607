package provider

import (
	"strings"

	"github.com/anatolykoptev/go-imageguard/dispatch"
)

// maxPromptCues keeps the prompt readable; the full list is still enforced
// after parsing.
const maxPromptCues = 18

const fallbackCueText = "save data, card deck, inventory, loadout, profile, status screen"

// DefaultPrompt builds the strict JSON classification prompt. cues are the
// negative phrases to mention; nil uses a short built-in sample.
func DefaultPrompt(cues []string) string {
	neg := fallbackCueText
	if len(cues) > 0 {
		neg = strings.Join(cues[:min(len(cues), maxPromptCues)], ", ")
	}

	var b strings.Builder
	b.WriteString(`You are a game UI analyst.
Classify STRICTLY whether this screenshot is a gacha PULL RESULT screen.

Output a single compact JSON object with these keys:
{"ok": <bool>, "score": <0..1>, "reason": <short string>, "flags": <string[]>,
 "screen_type": <string>, "slot_count": <int>, "is_multi_result_screen": <bool>}

Definitions:
- result_multi_pull: a result screen showing many results at once (typically 8-12),
  laid out as banners or a grid with rarity colors or NEW tags.
- single_pull: a result screen showing one result.
- Save data, loadouts, decks, inventories, upgrade or card choice screens, stat
  pages, build sheets and web planners are NOT result screens.

Rules:
- Only a clear multi-result screen (8 or more slots) may set ok=true. Then set
  screen_type="result_multi_pull", is_multi_result_screen=true and slot_count>=8.
- Otherwise set ok=false, estimate slot_count and pick a fitting non-result
  screen_type (for example "save_data", "deck", "upgrade", "build_sheet").
- If unsure, answer ok=false.
- Negative UI phrases that indicate NOT a result screen: `)
	b.WriteString(neg)
	b.WriteString(`.
Return ONLY the JSON object. No prose, no markdown.`)
	return b.String()
}

// promptFor renders the prompt for one image. A fixed prompt wins over the
// cue-derived default; the caller hint is appended as context.
func promptFor(fixed string, cues *dispatch.CueSet, img dispatch.Image) string {
	p := fixed
	if p == "" {
		var phrases []string
		if cues != nil {
			phrases = cues.Phrases()
		}
		p = DefaultPrompt(phrases)
	}
	if hint := strings.TrimSpace(img.Hint); hint != "" {
		p += "\n\nContext from the uploader: " + hint
	}
	return p
}
