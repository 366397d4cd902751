package fallback

import (
	"strings"
	"unicode"

	"github.com/cognicore/allergo/pkg/allergo/normalize"
	"github.com/cognicore/allergo/pkg/allergo/stoplist"
)

// minTermRunes is the shortest locally extracted term.
const minTermRunes = 3

// Tokenizer extracts candidate terms without calling the model. Words are
// runs of letters and hyphens; numbers and punctuation split them.
type Tokenizer struct {
	stops *stoplist.Manager
}

// NewTokenizer creates a tokenizer that drops the given stop words.
func NewTokenizer(stops *stoplist.Manager) *Tokenizer {
	return &Tokenizer{stops: stops}
}

// Tokenize folds text and returns its candidate terms in order, without
// duplicates and stop words.
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		if word := t.processToken(current.String()); word != "" {
			tokens = append(tokens, word)
		}
		current.Reset()
	}

	for _, r := range normalize.Fold(text) {
		if unicode.IsLetter(r) || r == '-' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return dedupKeepOrder(tokens)
}

func (t *Tokenizer) processToken(token string) string {
	word := strings.Trim(token, "-")
	for strings.Contains(word, "--") {
		word = strings.ReplaceAll(word, "--", "-")
	}
	if len([]rune(word)) < minTermRunes {
		return ""
	}
	if t.stops.IsStop(word) {
		return ""
	}
	return word
}

func dedupKeepOrder(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
