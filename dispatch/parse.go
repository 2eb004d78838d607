package dispatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const maxReasonLen = 240

// Verdict is a provider answer after parsing and salvage.
type Verdict struct {
	OK     bool
	Score  float64
	Reason string
	Flags  []string

	// Optional structural hints used by Gate.
	ScreenType  string
	SlotCount   *int
	MultiResult *bool
}

// Parse extracts a Verdict from raw provider text. Text that is not valid JSON
// is salvaged by taking the first balanced {...} object in it. Errors wrap
// ErrParse.
func Parse(text string) (Verdict, error) {
	doc := strings.TrimSpace(text)
	if !gjson.Valid(doc) || !gjson.Parse(doc).IsObject() {
		doc = firstObject(doc)
		if doc == "" {
			return Verdict{}, fmt.Errorf("%w: no json object", ErrParse)
		}
		if !gjson.Valid(doc) {
			return Verdict{}, fmt.Errorf("%w: salvaged object is invalid", ErrParse)
		}
	}

	r := gjson.Parse(doc)
	var v Verdict
	if okField := r.Get("ok"); okField.Exists() {
		v.OK = truthy(okField)
	} else {
		v.OK = truthy(r.Get("lucky"))
	}
	v.Score = clampScore(number(r.Get("score")))
	v.Reason = truncate(r.Get("reason").String(), maxReasonLen)

	if flags := r.Get("flags"); flags.IsArray() {
		for _, f := range flags.Array() {
			if s := strings.ToLower(strings.TrimSpace(f.String())); s != "" {
				v.Flags = append(v.Flags, s)
			}
		}
	}

	v.ScreenType = strings.ToLower(strings.TrimSpace(r.Get("screen_type").String()))
	if sc := r.Get("slot_count"); sc.Exists() {
		if n, ok := integer(sc); ok {
			v.SlotCount = &n
		}
	}
	if m := r.Get("is_multi_result_screen"); m.Exists() {
		if b, ok := tristate(m); ok {
			v.MultiResult = &b
		}
	}
	return v, nil
}

// firstObject returns the first balanced {...} substring of s, honoring JSON
// string literals and escapes, or "" if none closes.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inStr, esc := false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inStr {
				switch {
				case esc:
					esc = false
				case c == '\\':
					esc = true
				case c == '"':
					inStr = false
				}
				continue
			}
			switch c {
			case '"':
				inStr = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return ""
		}
		start += next + 1
	}
	return ""
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Float() != 0
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "true", "yes", "y", "1":
			return true
		}
	}
	return false
}

func tristate(r gjson.Result) (bool, bool) {
	switch r.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	case gjson.Number:
		return r.Float() != 0, true
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}

func number(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Number:
		return r.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func integer(r gjson.Result) (int, bool) {
	switch r.Type {
	case gjson.Number:
		return int(r.Int()), true
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(r.Str))
		return n, err == nil
	}
	return 0, false
}

func clampScore(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
