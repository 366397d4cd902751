// Package match collects classification codes for one subject from its
// structured items and from dictionary hits in its text.
package match

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/negation"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Contribution is one reason a code was collected.
type Contribution struct {
	Code   string
	Source string // store.SourceStructured or store.SourceTextMatch
	Reason string
}

// Hit records a dictionary term found in the text.
type Hit struct {
	Term     string `json:"term"`
	LexemeID int64  `json:"lexeme_id,omitempty"`
	Regex    bool   `json:"regex,omitempty"`
	Negated  bool   `json:"negated"`
}

// Result is the outcome of matching one subject.
type Result struct {
	Codes       codes.Set
	FromItems   codes.Set
	FromLexemes codes.Set
	Hits        []Hit
	Reasons     map[string][]Contribution

	// Regex entries skipped because they do not compile.
	InvalidPatterns []string
}

func newResult() Result {
	return Result{
		Codes:       make(codes.Set),
		FromItems:   make(codes.Set),
		FromLexemes: make(codes.Set),
		Reasons:     make(map[string][]Contribution),
	}
}

func (r *Result) add(code, source, reason string) {
	code = codes.Canonical(code)
	if code == "" {
		return
	}
	r.Codes[code] = struct{}{}
	if source == store.SourceStructured {
		r.FromItems[code] = struct{}{}
	} else {
		r.FromLexemes[code] = struct{}{}
	}
	r.Reasons[code] = append(r.Reasons[code], Contribution{Code: code, Source: source, Reason: reason})
}

// Summary renders the display form of the collected codes.
func (r Result) Summary() string {
	return codes.Format(r.Codes)
}

// ReasonStrings returns the reasons for code in collection order.
func (r Result) ReasonStrings(code string) []string {
	list := r.Reasons[codes.Canonical(code)]
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Reason
	}
	return out
}

// Merge unions other into a copy of r.
func (r Result) Merge(other Result) Result {
	out := newResult()
	for _, src := range []Result{r, other} {
		for _, code := range src.Codes.Sorted() {
			for _, c := range src.Reasons[code] {
				out.add(c.Code, c.Source, c.Reason)
			}
		}
		out.Hits = append(out.Hits, src.Hits...)
		out.InvalidPatterns = append(out.InvalidPatterns, src.InvalidPatterns...)
	}
	return out
}

// Options tunes a Matcher.
type Options struct {
	// SynonymItems are owner items whose names and synonyms are matched
	// against the text like plain lexemes. Empty disables synonym matching.
	SynonymItems []store.Item
	Logger       *zap.Logger
}

// Matcher matches subjects against one resolved lexicon. It is safe for
// concurrent use.
type Matcher struct {
	lex  *dictionary.Lexicon
	neg  *negation.Detector
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	invalid  map[string]bool
}

// New creates a matcher bound to lex. lex may be nil for structured-only
// matching.
func New(lex *dictionary.Lexicon, opts Options) *Matcher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	neg := negation.New()
	if lex != nil && len(lex.Cues) > 0 {
		neg = neg.WithCues(lex.Cues)
	}
	return &Matcher{
		lex:      lex,
		neg:      neg,
		opts:     opts,
		log:      log,
		compiled: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]bool),
	}
}

// Structured unions the codes of the subject's items and its extra codes.
func (m *Matcher) Structured(sub store.Subject, items []store.Item) Result {
	res := newResult()
	for _, it := range items {
		for _, code := range codes.NewSet(it.Codes...).Sorted() {
			res.add(code, store.SourceStructured, fmt.Sprintf("Ingredient: %s → %s", it.Name, code))
		}
	}
	for _, code := range codes.NewSet(sub.ExtraCodes...).Sorted() {
		res.add(code, store.SourceStructured, fmt.Sprintf("Subject.extra_codes → %s", code))
	}
	return res
}

// Dictionary scans normalized text with the lexicon. Each distinct term is
// evaluated once; a negated hit suppresses only that term's codes.
func (m *Matcher) Dictionary(text string) Result {
	res := newResult()
	if text == "" || m.lex == nil {
		return m.synonyms(text, res)
	}

	type seenKey struct {
		regex bool
		term  string
	}
	seen := make(map[seenKey]bool, len(m.lex.Lexemes))

	for _, lx := range m.lex.Lexemes {
		key := seenKey{regex: lx.IsRegex, term: lx.NormalizedTerm}
		if lx.IsRegex {
			key.term = lx.Term
		}
		if key.term == "" || seen[key] {
			continue
		}
		seen[key] = true

		matched, ok := m.found(lx, text, &res)
		if !ok {
			continue
		}
		hitTerm := lx.NormalizedTerm
		if lx.IsRegex {
			hitTerm = lx.Term
		}
		negated := m.negated(text, lx, matched)
		res.Hits = append(res.Hits, Hit{Term: hitTerm, LexemeID: lx.ID, Regex: lx.IsRegex, Negated: negated})
		if negated {
			continue
		}

		for _, code := range codes.NewSet(lx.Codes...).Sorted() {
			res.add(code, store.SourceTextMatch, fmt.Sprintf("Lexeme: %q → %s", lx.Term, code))
		}
		if lx.ItemID != nil {
			if it, ok := m.lex.Items[*lx.ItemID]; ok {
				for _, code := range codes.NewSet(it.Codes...).Sorted() {
					res.add(code, store.SourceTextMatch, fmt.Sprintf("Lexeme: %q → Ingredient: %s → %s", lx.Term, it.Name, code))
				}
			}
		}
	}
	return m.synonyms(text, res)
}

// Match runs both strategies and merges them.
func (m *Matcher) Match(sub store.Subject, items []store.Item, text string) Result {
	return m.Structured(sub, items).Merge(m.Dictionary(text))
}

// found reports whether lx occurs in text and returns the distinct
// normalized spans it matched.
func (m *Matcher) found(lx store.Lexeme, text string, res *Result) ([]string, bool) {
	if !lx.IsRegex {
		if !normalize.ContainsPhrase(text, lx.NormalizedTerm) {
			return nil, false
		}
		return []string{lx.NormalizedTerm}, true
	}
	re, ok := m.regex(lx.Term)
	if !ok {
		res.InvalidPatterns = append(res.InvalidPatterns, lx.Term)
		return nil, false
	}
	var spans []string
	seen := make(map[string]bool)
	for _, s := range re.FindAllString(text, -1) {
		s = normalize.Text(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		spans = append(spans, s)
	}
	return spans, len(spans) > 0
}

// negated reports whether a hit is negated. A regex entry is negated when
// its normalized pattern text is, or when every span it matched is.
func (m *Matcher) negated(text string, lx store.Lexeme, spans []string) bool {
	if !lx.IsRegex {
		return m.neg.IsNegated(text, lx.NormalizedTerm)
	}
	if m.neg.IsNegated(text, normalize.Text(lx.Term)) {
		return true
	}
	for _, s := range spans {
		if !m.neg.IsNegated(text, s) {
			return false
		}
	}
	return true
}

func (m *Matcher) regex(pattern string) (*regexp.Regexp, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.compiled[pattern]; ok {
		return re, true
	}
	if m.invalid[pattern] {
		return nil, false
	}
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		m.invalid[pattern] = true
		m.log.Warn("skipping malformed dictionary pattern", zap.String("pattern", pattern), zap.Error(err))
		return nil, false
	}
	m.compiled[pattern] = re
	return re, true
}

func (m *Matcher) synonyms(text string, res Result) Result {
	if text == "" || len(m.opts.SynonymItems) == 0 {
		return res
	}
	for _, it := range m.opts.SynonymItems {
		for _, syn := range append([]string{it.Name}, it.Synonyms...) {
			norm := normalize.Text(syn)
			if norm == "" || !normalize.ContainsPhrase(text, norm) {
				continue
			}
			if m.neg.IsNegated(text, norm) {
				res.Hits = append(res.Hits, Hit{Term: norm, Negated: true})
				break
			}
			for _, code := range codes.NewSet(it.Codes...).Sorted() {
				res.add(code, store.SourceTextMatch, fmt.Sprintf("Synonym: %q → Ingredient: %s → %s", strings.TrimSpace(syn), it.Name, code))
			}
			res.Hits = append(res.Hits, Hit{Term: norm})
			break
		}
	}
	return res
}
