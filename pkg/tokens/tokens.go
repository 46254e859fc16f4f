// Package tokens resolves ##NAME## placeholders in script bodies against a
// collector property map.
package tokens

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`##([A-Za-z0-9_.\-]+)##`)

// Result reports what Substitute did to the input.
type Result struct {
	Text          string
	Substitutions map[string]string // token name -> value used
	Missing       []string          // token names with no matching property
}

// HasTokens reports whether text contains at least one ##NAME## marker.
func HasTokens(text string) bool {
	return tokenPattern.MatchString(text)
}

// Substitute replaces every ##NAME## marker in text. Lookup is
// case-insensitive against props; names without a match are replaced with the
// empty string and reported in Missing. It never fails and never leaves a
// marker behind.
func Substitute(text string, props map[string]string) Result {
	res := Result{
		Text:          text,
		Substitutions: map[string]string{},
	}
	if !HasTokens(text) {
		return res
	}

	lowered := make(map[string]string, len(props))
	for k, v := range props {
		lowered[strings.ToLower(k)] = v
	}

	seen := map[string]bool{}
	res.Text = tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-2]
		if val, ok := lowered[strings.ToLower(name)]; ok {
			res.Substitutions[name] = val
			return val
		}
		if !seen[name] {
			seen[name] = true
			res.Missing = append(res.Missing, name)
		}
		return ""
	})
	return res
}

// SubstituteWithEmpty strips every token marker, reporting all of them as
// missing. Used when the property prefetch failed.
func SubstituteWithEmpty(text string) Result {
	return Substitute(text, nil)
}
