package lexicon

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

// Lexicon is the heuristic vocabulary used to map extracted terms to codes
// without calling an external model:
//   - Terms: folded word -> codes ("brötchen" -> A, "pesto" -> G,H)
//   - Patterns: ordered regular expressions for compound words
//     ("joghurtsauce" -> G), each with its own confidence and reason
//
// Direct terms win over patterns. A term listed under several code groups
// carries the union of those codes.
type Lexicon struct {
	terms    map[string]codes.Set
	patterns []Pattern
	high     codes.Set
}

// Pattern is a compiled compound-word rule.
type Pattern struct {
	Expr       string
	Code       string
	Confidence float64
	Reason     string

	re *regexp.Regexp
}

// Mapping is the heuristic verdict for one term.
type Mapping struct {
	Codes      []string
	Confidence float64
	Reason     string
}

// Confidence of a direct term hit: higher when any of its codes is in the
// high-confidence set.
const (
	highConfidence    = 0.7
	defaultConfidence = 0.6
	reasonDirect      = "heuristic"
)

//go:embed defaults.yaml
var defaultYAML []byte

// New creates an empty lexicon.
func New() *Lexicon {
	return &Lexicon{
		terms: make(map[string]codes.Set),
		high:  make(codes.Set),
	}
}

// Default returns the built-in lexicon.
func Default() (*Lexicon, error) {
	return Parse(defaultYAML)
}

type fileFormat struct {
	HighConfidenceCodes []string `yaml:"high_confidence_codes"`
	Terms               []struct {
		Codes    []string `yaml:"codes"`
		Variants []string `yaml:"variants"`
	} `yaml:"terms"`
	Patterns []struct {
		Expr       string  `yaml:"expr"`
		Code       string  `yaml:"code"`
		Confidence float64 `yaml:"confidence"`
		Reason     string  `yaml:"reason"`
	} `yaml:"patterns"`
}

// LoadFromYAML loads a lexicon from a YAML file.
//
// Expected format:
//
//	high_confidence_codes: [B, C, G]
//	terms:
//	  - codes: [A]
//	    variants: [weizen, brötchen]
//	patterns:
//	  - expr: '\b(joghurt).*(sauce)\b'
//	    code: G
//	    confidence: 0.9
//	    reason: joghurt sauce
func LoadFromYAML(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a lexicon from YAML bytes.
func Parse(data []byte) (*Lexicon, error) {
	var cfg fileFormat
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	lex := New()
	lex.high.Add(cfg.HighConfidenceCodes...)
	for _, group := range cfg.Terms {
		lex.AddTerms(group.Codes, group.Variants...)
	}
	for i, p := range cfg.Patterns {
		if err := lex.AddPattern(p.Expr, p.Code, p.Confidence, p.Reason); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
	}
	return lex, nil
}

// AddTerms maps every variant to list, merging with earlier entries.
func (l *Lexicon) AddTerms(list []string, variants ...string) {
	for _, v := range variants {
		key := normalize.Fold(v)
		if key == "" {
			continue
		}
		set, ok := l.terms[key]
		if !ok {
			set = make(codes.Set)
			l.terms[key] = set
		}
		set.Add(list...)
	}
}

// AddPattern appends a compound rule. Patterns are tried in insertion order.
func (l *Lexicon) AddPattern(expr, code string, confidence float64, reason string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	l.patterns = append(l.patterns, Pattern{
		Expr:       expr,
		Code:       codes.Canonical(code),
		Confidence: confidence,
		Reason:     reason,
		re:         re,
	})
	return nil
}

// Lookup maps term to codes. The term is folded first.
func (l *Lexicon) Lookup(term string) (Mapping, bool) {
	t := normalize.Fold(term)
	if t == "" {
		return Mapping{}, false
	}
	if set, ok := l.terms[t]; ok && len(set) > 0 {
		conf := defaultConfidence
		for c := range set {
			if l.high.Has(c) {
				conf = highConfidence
				break
			}
		}
		return Mapping{Codes: set.Letters(), Confidence: conf, Reason: reasonDirect}, true
	}
	for _, p := range l.patterns {
		if p.re.MatchString(t) {
			return Mapping{Codes: []string{p.Code}, Confidence: p.Confidence, Reason: p.Reason}, true
		}
	}
	return Mapping{}, false
}

// Len returns the number of direct terms.
func (l *Lexicon) Len() int {
	return len(l.terms)
}

// Patterns returns the compound rules in evaluation order.
func (l *Lexicon) Patterns() []Pattern {
	out := make([]Pattern, len(l.patterns))
	copy(out, l.patterns)
	return out
}
