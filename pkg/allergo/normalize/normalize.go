// Package normalize canonicalizes free text before dictionary matching.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var germanFold = strings.NewReplacer(
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"ß", "ss",
)

var lightFold = strings.NewReplacer(
	"ß", "ss",
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"œ", "oe",
	"æ", "ae",
)

// Text returns the canonical matching form of s.
//
// Steps: lower-case, NFKD decomposition, drop combining marks and Arabic
// harakat (U+064B..U+0652), fold remaining German letters, replace every
// non-word rune with a space and collapse runs of whitespace. Marks are
// removed before folding, so "Müller" becomes "muller" while "Straße"
// becomes "strasse". Text is idempotent.
func Text(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKD.String(strings.ToLower(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) || isHaraka(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	s = germanFold.Replace(b.String())

	b.Reset()
	for _, r := range s {
		if isWord(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fold is the light German folding used for extracted terms: lower-case,
// umlaut and ligature folding, whitespace collapsed. Punctuation is kept.
func Fold(s string) string {
	s = lightFold.Replace(strings.ToLower(strings.TrimSpace(s)))
	return strings.Join(strings.Fields(s), " ")
}

// StripMarkup returns the text content of an HTML fragment. Plain text is
// returned unchanged.
func StripMarkup(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var buf strings.Builder
	var extractText func(*html.Node)
	extractText = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		if n.Type == html.ElementNode {
			buf.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extractText(c)
		}
	}
	extractText(doc)

	return strings.Join(strings.Fields(buf.String()), " ")
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

func isHaraka(r rune) bool {
	return r >= 0x064B && r <= 0x0652
}

// ContainsPhrase reports whether phrase occurs in text delimited by
// whitespace or the text boundaries. Both arguments are expected in
// normalized form.
func ContainsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for from := 0; from <= len(text)-len(phrase); {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(phrase)
		if (start == 0 || text[start-1] == ' ') && (end == len(text) || text[end] == ' ') {
			return true
		}
		from = start + 1
	}
	return false
}
