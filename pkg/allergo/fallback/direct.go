package fallback

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

const (
	maxDirectTokens = 128
	directAlphabet  = "ABCDEFGHIJKLMNOPQR"
)

var (
	directLineRegex   = regexp.MustCompile(`(?i)codes:\s*([A-R](?:\s*,\s*[A-R])*)`)
	directLetterRegex = regexp.MustCompile(`\b[A-R]\b`)
)

// Direct is the single-shot answer for a whole subject.
type Direct struct {
	Codes []string `json:"codes"`
	Raw   string   `json:"raw"`
}

// DirectCodes asks the model for the subject's codes in one line. It is the
// fast approximate mode; it needs a caller.
func (p *Pipeline) DirectCodes(ctx context.Context, name, desc string) (Direct, error) {
	if p.caller == nil {
		return Direct{}, &internalerr.FatalError{Err: errors.New("direct mode: no model configured")}
	}
	prompt := directCodesPrompt(name, normalize.StripMarkup(desc))
	raw, err := p.call(ctx, prompt, min(maxDirectTokens, p.opts.MaxOutputTokens))
	if err != nil {
		return Direct{}, err
	}
	return Direct{Codes: parseDirect(raw, p.opts.AllowedCodes), Raw: raw}, nil
}

// parseDirect reads a "codes: A,C,G" line, falling back to bare code
// letters anywhere in the answer.
func parseDirect(raw, allowed string) []string {
	var found string
	if m := directLineRegex.FindStringSubmatch(raw); len(m) == 2 {
		found = m[1]
	} else {
		found = strings.Join(directLetterRegex.FindAllString(strings.ToUpper(raw), -1), ",")
	}
	if allowed == "" {
		allowed = directAlphabet
	}
	return codes.Sanitize(strings.ToUpper(found), allowed)
}
