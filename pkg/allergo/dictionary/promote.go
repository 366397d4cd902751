package dictionary

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Writer is the part of store.Store needed to promote terms.
type Writer interface {
	FindLexeme(ctx context.Context, key store.LexemeKey) (store.Lexeme, bool, error)
	UpsertLexeme(ctx context.Context, lx store.Lexeme) (store.Lexeme, error)
}

// TermCodes is a candidate term with the codes an operator accepted for it.
type TermCodes struct {
	Term   string
	Codes  []string
	ItemID *int64
}

// Promotion outcomes.
const (
	PromoteCreated = "created"
	PromoteUpdated = "updated"
	PromoteExists  = "exists"
	PromoteSkipped = "skipped"
	PromoteError   = "error"
)

// PromoteResult reports what happened to one term.
type PromoteResult struct {
	Term     string
	Status   string
	LexemeID int64
	Codes    []string
	Error    string
}

// Promote turns accepted terms into plain lexemes for (owner, lang). An
// existing lexeme keeps its codes and gains the new ones; it is also
// reactivated. Terms without codes are skipped unless they already exist.
// Per-term failures are reported in the results; only invalid arguments
// fail the whole call.
func Promote(ctx context.Context, w Writer, owner *int64, lang string, terms []TermCodes) ([]PromoteResult, error) {
	if lang == "" {
		return nil, fmt.Errorf("promote lang: %w", internalerr.ErrInvalidInput)
	}
	results := make([]PromoteResult, 0, len(terms))
	for _, tc := range terms {
		res := PromoteResult{Term: tc.Term}
		norm := normalize.Text(tc.Term)
		add := codes.NewSet(tc.Codes...)
		if norm == "" {
			res.Status = PromoteSkipped
			res.Error = "empty term"
			results = append(results, res)
			continue
		}

		existing, found, err := w.FindLexeme(ctx, store.LexemeKey{Owner: owner, Lang: lang, NormalizedTerm: norm})
		if err != nil {
			res.Status = PromoteError
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		var lx store.Lexeme
		switch {
		case found:
			merged := codes.NewSet(existing.Codes...)
			merged.Union(add)
			lx = existing
			lx.Codes = merged.Sorted()
			if tc.ItemID != nil && lx.ItemID == nil {
				lx.ItemID = tc.ItemID
			}
			changed := !slices.Equal(lx.Codes, codes.NewSet(existing.Codes...).Sorted()) ||
				!existing.Active || (existing.ItemID == nil && lx.ItemID != nil)
			lx.Active = true
			if !changed {
				res.Status = PromoteExists
				res.LexemeID = existing.ID
				res.Codes = lx.Codes
				results = append(results, res)
				continue
			}
			res.Status = PromoteUpdated
		case len(add) == 0 && tc.ItemID == nil:
			res.Status = PromoteSkipped
			res.Error = "no codes"
			results = append(results, res)
			continue
		default:
			lx = store.Lexeme{
				Owner:  owner,
				Lang:   lang,
				Term:   tc.Term,
				Active: true,
				Weight: 1,
				ItemID: tc.ItemID,
				Codes:  add.Sorted(),
				Notes:  "promoted",
			}
			res.Status = PromoteCreated
		}

		saved, err := w.UpsertLexeme(ctx, lx)
		if err != nil {
			res.Status = PromoteError
			if errors.Is(err, internalerr.ErrDuplicate) {
				res.Error = "duplicate"
			} else {
				res.Error = err.Error()
			}
			results = append(results, res)
			continue
		}
		res.LexemeID = saved.ID
		res.Codes = saved.Codes
		results = append(results, res)
	}
	return results, nil
}
