package fallback

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Suggestion statuses.
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
)

// MaxBatchItems caps the items returned in one batch payload.
const MaxBatchItems = 1000

// Candidate is one extracted term with its guessed codes.
type Candidate struct {
	Term         string  `json:"term"`
	GuessCodes   string  `json:"guess_codes"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
	MappedItemID *int64  `json:"mapped_item_id,omitempty"`
}

// Item is the suggestion for one subject.
type Item struct {
	SubjectID  int64       `json:"subject_id"`
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
	Candidates []Candidate `json:"candidates"`
	Raw        string      `json:"raw,omitempty"`
}

// Batch is the fallback payload for a set of subjects.
type Batch struct {
	Count int    `json:"count"`
	Items []Item `json:"items"`
	Model string `json:"model"`
	Lang  string `json:"lang"`
}

// NewBatch wraps items, capping the list at MaxBatchItems.
func (p *Pipeline) NewBatch(items []Item) Batch {
	b := Batch{Count: len(items), Items: items, Model: p.opts.Model, Lang: p.opts.Lang}
	if len(b.Items) > MaxBatchItems {
		b.Items = b.Items[:MaxBatchItems]
	}
	if b.Items == nil {
		b.Items = []Item{}
	}
	return b
}

// Suggest runs SuggestOne for every subject with bounded parallelism and
// returns the items in input order. Per-subject failures are reported in
// the items.
func (p *Pipeline) Suggest(ctx context.Context, subjects []store.Subject, lex *dictionary.Lexicon) Batch {
	items := make([]Item, len(subjects))
	var g errgroup.Group
	g.SetLimit(p.opts.Parallelism)
	for i, sub := range subjects {
		g.Go(func() error {
			items[i] = p.SuggestOne(ctx, sub, lex)
			return nil
		})
	}
	_ = g.Wait()
	return p.NewBatch(items)
}

// SuggestOne extracts and maps candidate terms for one subject. Terms that
// name a lexeme linked to a structured item carry that item's id.
func (p *Pipeline) SuggestOne(ctx context.Context, sub store.Subject, lex *dictionary.Lexicon) Item {
	item := Item{SubjectID: sub.ID, Candidates: []Candidate{}}
	if err := ctx.Err(); err != nil {
		item.Status = StatusError
		item.Error = err.Error()
		return item
	}

	terms, raw, err := p.ExtractTerms(ctx, sub.Name, sub.Description)
	if p.opts.Debug {
		item.Raw = raw
	}
	var guesses map[string]Mapping
	if err == nil && len(terms) > 0 {
		guesses, err = p.MapTerms(ctx, terms)
	}

	for _, term := range terms {
		g := guesses[term]
		c := Candidate{
			Term:       term,
			GuessCodes: strings.Join(g.Codes, ","),
			Confidence: g.Confidence,
			Reason:     g.Reason,
		}
		if id, ok := lex.ItemForTerm(normalize.Text(term)); ok {
			c.MappedItemID = &id
		}
		item.Candidates = append(item.Candidates, c)
	}

	switch {
	case err != nil:
		item.Status = StatusError
		item.Error = err.Error()
		p.log.Warn("fallback suggestion failed", zap.Int64("subject_id", sub.ID), zap.Error(err))
	case len(terms) == 0:
		item.Status = StatusEmpty
	default:
		item.Status = StatusOK
	}
	return item
}
