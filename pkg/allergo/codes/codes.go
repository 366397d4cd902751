// Package codes handles classification code sets and their display form.
//
// Primary codes are letters (allergens, "A".."N"), secondary codes are
// numbers (additives, "1".."14"). The display summary lists letters
// alphabetically, then numbers numerically, wrapped in parentheses:
// "(A,G,3,11)". An empty set renders as "".
package codes

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Kind distinguishes primary (letter) from secondary (numeric) codes.
type Kind string

const (
	Primary   Kind = "primary"
	Secondary Kind = "secondary"
)

// KindOf derives the kind from the code token itself.
func KindOf(code string) Kind {
	if code == "" {
		return Primary
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return Primary
		}
	}
	return Secondary
}

// Canonical trims and upper-cases a code token.
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Set is an unordered set of canonical code tokens.
type Set map[string]struct{}

// NewSet builds a set from codes, skipping blanks.
func NewSet(list ...string) Set {
	s := make(Set, len(list))
	s.Add(list...)
	return s
}

// Add inserts codes in canonical form.
func (s Set) Add(list ...string) {
	for _, c := range list {
		c = Canonical(c)
		if c == "" {
			continue
		}
		s[c] = struct{}{}
	}
}

// Union adds every member of other.
func (s Set) Union(other Set) {
	for c := range other {
		s[c] = struct{}{}
	}
}

// Has reports membership.
func (s Set) Has(code string) bool {
	_, ok := s[Canonical(code)]
	return ok
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Letters returns primary codes sorted alphabetically.
func (s Set) Letters() []string {
	var out []string
	for c := range s {
		if KindOf(c) == Primary {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Numbers returns secondary codes sorted numerically.
func (s Set) Numbers() []string {
	var out []string
	for c := range s {
		if KindOf(c) == Secondary {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i])
		b, _ := strconv.Atoi(out[j])
		if a != b {
			return a < b
		}
		return out[i] < out[j]
	})
	return out
}

// Sorted returns letters followed by numbers.
func (s Set) Sorted() []string {
	return append(s.Letters(), s.Numbers()...)
}

// Format renders the display summary of s.
func Format(s Set) string {
	var parts []string
	if letters := s.Letters(); len(letters) > 0 {
		parts = append(parts, strings.Join(letters, ","))
	}
	if numbers := s.Numbers(); len(numbers) > 0 {
		parts = append(parts, strings.Join(numbers, ","))
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Parse reads a display summary (or any comma/space separated list) back into a set.
func Parse(summary string) Set {
	summary = strings.Trim(strings.TrimSpace(summary), "()")
	return NewSet(splitTokens(summary)...)
}

// Sanitize keeps single-letter codes present in allowed, deduplicated and
// sorted. An empty allowed alphabet means A-Z.
func Sanitize(raw string, allowed string) []string {
	if allowed == "" {
		allowed = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	}
	allowed = strings.ToUpper(allowed)
	set := make(Set)
	for _, tok := range splitTokens(raw) {
		tok = Canonical(tok)
		if len([]rune(tok)) != 1 || !strings.Contains(allowed, tok) {
			continue
		}
		set[tok] = struct{}{}
	}
	return set.Letters()
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '/' || unicode.IsSpace(r)
	})
}
