package fallback

import (
	"context"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/lexicon"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

// Mapping is the guessed codes for one term.
type Mapping = lexicon.Mapping

// mapAnswer is one value of the model's term → codes object. Codes arrive
// either as "A,G" or as ["A","G"]; confidence sometimes as a string.
type mapAnswer struct {
	Codes      any    `json:"codes"`
	Confidence any    `json:"confidence"`
	Reason     string `json:"reason"`
}

// MapTerms maps folded terms to codes. The heuristic lexicon is consulted
// first; the remaining terms go to the model in a single call when
// GuessCodes is set. Terms the model could not map carry empty codes and a
// diagnostic reason. The error follows the ExtractTerms contract.
func (p *Pipeline) MapTerms(ctx context.Context, terms []string) (map[string]Mapping, error) {
	out := make(map[string]Mapping, len(terms))
	var remaining []string
	for _, t := range terms {
		t = normalize.Fold(t)
		if t == "" {
			continue
		}
		if _, done := out[t]; done {
			continue
		}
		if m, ok := p.heur.Lookup(t); ok && len(m.Codes) > 0 {
			m.Confidence = round3(m.Confidence)
			out[t] = m
			continue
		}
		out[t] = Mapping{}
		remaining = append(remaining, t)
	}
	if len(remaining) == 0 || !p.opts.GuessCodes {
		for _, t := range remaining {
			delete(out, t)
		}
		return out, nil
	}
	if p.caller == nil {
		fill(out, remaining, ReasonNoModel)
		return out, nil
	}

	prompt := mappingPrompt(p.opts.Lang, remaining)
	raw, err := p.call(ctx, prompt, p.opts.MaxOutputTokens)
	if err != nil {
		fill(out, remaining, ReasonError)
		if halts(ctx, err) {
			return out, err
		}
		p.log.Warn("term mapping failed", zap.Int("terms", len(remaining)), zap.Error(err))
		return out, nil
	}

	answers, perr := parseJSON[map[string]mapAnswer](raw)
	if perr != nil {
		p.log.Debug("term mapping answer unparsable", zap.Error(perr))
		fill(out, remaining, ReasonUnparsed)
		return out, nil
	}
	pending := make(map[string]bool, len(remaining))
	for _, t := range remaining {
		pending[t] = true
	}
	for k, v := range answers {
		t := normalize.Fold(k)
		if !pending[t] {
			continue
		}
		reason := strings.TrimSpace(v.Reason)
		if reason == "" {
			reason = reasonModel
		}
		out[t] = Mapping{
			Codes:      codes.Sanitize(codesString(v.Codes), p.opts.AllowedCodes),
			Confidence: round3(clamp01(number(v.Confidence))),
			Reason:     reason,
		}
		delete(pending, t)
	}
	fill(out, keys(pending), ReasonUnparsed)
	return out, nil
}

func fill(out map[string]Mapping, terms []string, reason string) {
	for _, t := range terms {
		out[t] = Mapping{Reason: reason}
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func codesString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, x := range c {
			if s, ok := x.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	}
	return ""
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Min(1, math.Max(0, f))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
