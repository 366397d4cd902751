// Package negation decides whether a matched term is negated in its
// surrounding text ("ohne Sesam", "glutenfrei", "بدون حليب").
package negation

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

// Go's \b only understands ASCII word characters, so every pattern is
// anchored on whitespace or the text boundaries instead. Inputs are
// normalized text, where whitespace is the only separator.
const (
	leftEdge  = `(?:^|\s)`
	rightEdge = `(?:\s|$)`
)

// patternTemplates hold %s for the quoted term.
var patternTemplates = []string{
	`ohne\s+%s`,
	`kein(?:e|en|er)?\s+%s`,
	`no\s+%s`,
	`without\s+%s`,
	`%s(?:\s|-)?frei`,
	`بدون\s+%s`,
	`من\s+غير\s+%s`,
	// ohne followed by up to 40 characters before the term
	`ohne(?:\s[^.()]{0,38})?\s%s`,
}

// Cue is an additional negator that negates a term when it appears within
// Before words ahead of the term or After words behind it.
type Cue struct {
	Text    string
	IsRegex bool
	Before  int
	After   int
}

type compiledCue struct {
	Cue
	phrase string
	re     *regexp.Regexp
}

// Detector is safe for concurrent use.
type Detector struct {
	cues  []compiledCue
	cache sync.Map // term -> *regexp.Regexp
}

// New returns a detector using only the built-in patterns.
func New() *Detector {
	return &Detector{}
}

// WithCues returns a detector that also honours cues. Regex cues that do
// not compile are dropped.
func (d *Detector) WithCues(cues []Cue) *Detector {
	out := &Detector{}
	for _, c := range cues {
		cc := compiledCue{Cue: c}
		if c.IsRegex {
			re, err := regexp.Compile(`(?i)` + c.Text)
			if err != nil {
				continue
			}
			cc.re = re
		} else {
			cc.phrase = normalize.Text(c.Text)
			if cc.phrase == "" {
				continue
			}
		}
		out.cues = append(out.cues, cc)
	}
	return out
}

// IsNegated reports whether term is negated in text. Both are expected to
// be normalized.
func (d *Detector) IsNegated(text, term string) bool {
	if text == "" || term == "" {
		return false
	}
	if d.patternFor(term).MatchString(text) {
		return true
	}
	return d.cueNegates(text, term)
}

func (d *Detector) patternFor(term string) *regexp.Regexp {
	if re, ok := d.cache.Load(term); ok {
		return re.(*regexp.Regexp)
	}
	quoted := regexp.QuoteMeta(term)
	alts := make([]string, len(patternTemplates))
	for i, tmpl := range patternTemplates {
		alts[i] = strings.ReplaceAll(tmpl, "%s", quoted)
	}
	re := regexp.MustCompile(`(?i)` + leftEdge + `(?:` + strings.Join(alts, "|") + `)` + rightEdge)
	actual, _ := d.cache.LoadOrStore(term, re)
	return actual.(*regexp.Regexp)
}

func (d *Detector) cueNegates(text, term string) bool {
	if len(d.cues) == 0 {
		return false
	}
	words := strings.Fields(text)
	termWords := strings.Fields(term)
	n := len(termWords)
	for i := 0; i+n <= len(words); i++ {
		if !equalWords(words[i:i+n], termWords) {
			continue
		}
		for _, c := range d.cues {
			lo := max(0, i-c.Before)
			hi := min(len(words), i+n+c.After)
			if c.matches(strings.Join(words[lo:i], " ")) || c.matches(strings.Join(words[i+n:hi], " ")) {
				return true
			}
		}
	}
	return false
}

func (c compiledCue) matches(window string) bool {
	if window == "" {
		return false
	}
	if c.re != nil {
		return c.re.MatchString(window)
	}
	return normalize.ContainsPhrase(window, c.phrase)
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
