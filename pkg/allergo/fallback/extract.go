package fallback

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

const maxExtractTokens = 256

// ExtractTerms returns up to MaxTerms ingredient-like terms for a subject,
// folded and deduplicated in answer order, along with the raw model answer.
// A missing, failing or unusable model answer falls back to local
// tokenization. The error is non-nil only when work on the subject must stop
// (a fatal call error or a done context); the local terms are still returned.
func (p *Pipeline) ExtractTerms(ctx context.Context, name, desc string) ([]string, string, error) {
	desc = normalize.StripMarkup(desc)
	if p.caller == nil {
		return p.localTerms(name, desc), "", nil
	}

	prompt := extractPrompt(p.opts.Lang, p.opts.MaxTerms, name, desc)
	raw, err := p.call(ctx, prompt, min(p.opts.MaxOutputTokens, maxExtractTokens))
	if err != nil {
		if halts(ctx, err) {
			return p.localTerms(name, desc), "", err
		}
		p.log.Warn("term extraction degraded to local tokens", zap.String("name", name), zap.Error(err))
		return p.localTerms(name, desc), "", nil
	}

	list, perr := parseJSON[[]any](raw)
	if perr != nil {
		p.log.Debug("term extraction answer unparsable", zap.String("name", name), zap.Error(perr))
		return p.localTerms(name, desc), raw, nil
	}
	terms := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t := normalize.Fold(s); t != "" {
			terms = append(terms, t)
		}
	}
	terms = dedupKeepOrder(terms)
	if len(terms) == 0 {
		return p.localTerms(name, desc), raw, nil
	}
	if len(terms) > p.opts.MaxTerms {
		terms = terms[:p.opts.MaxTerms]
	}
	return terms, raw, nil
}

func (p *Pipeline) localTerms(name, desc string) []string {
	terms := p.tok.Tokenize(strings.TrimSpace(name + " " + desc))
	if len(terms) > p.opts.MaxTerms {
		terms = terms[:p.opts.MaxTerms]
	}
	return terms
}
