// Package dictionary resolves the lexemes and negation cues visible to a
// requester and keeps them in precedence order.
//
// Precedence is requester-owned entries first, then global entries, then
// entries of the configured shared owner. Ties break by ascending ID. The
// tiers are unioned: a lower tier never hides a higher one.
package dictionary

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cognicore/allergo/pkg/allergo/negation"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Reader is the part of store.Store the resolver needs.
type Reader interface {
	ListLexemes(ctx context.Context, f store.DictFilter) ([]store.Lexeme, error)
	ListCues(ctx context.Context, f store.DictFilter) ([]store.Cue, error)
	GetItems(ctx context.Context, ids []int64) ([]store.Item, error)
}

// Resolver loads owner-scoped dictionary views.
type Resolver struct {
	src         Reader
	sharedOwner *int64
}

// NewResolver creates a resolver. sharedOwner may be nil.
func NewResolver(src Reader, sharedOwner *int64) *Resolver {
	return &Resolver{src: src, sharedOwner: sharedOwner}
}

const (
	rankOwner = iota
	rankGlobal
	rankShared
	rankHidden
)

func (r *Resolver) owners(owner *int64) []int64 {
	var ids []int64
	if owner != nil {
		ids = append(ids, *owner)
	}
	if r.sharedOwner != nil && (owner == nil || *owner != *r.sharedOwner) {
		ids = append(ids, *r.sharedOwner)
	}
	return ids
}

func (r *Resolver) rank(entryOwner, requester *int64) int {
	switch {
	case entryOwner == nil:
		return rankGlobal
	case requester != nil && *entryOwner == *requester:
		return rankOwner
	case r.sharedOwner != nil && *entryOwner == *r.sharedOwner:
		return rankShared
	}
	return rankHidden
}

// Resolve returns the active lexemes for lang visible to owner, in
// precedence order. owner may be nil for a global-only view.
func (r *Resolver) Resolve(ctx context.Context, owner *int64, lang string) ([]store.Lexeme, error) {
	list, err := r.src.ListLexemes(ctx, store.DictFilter{
		Lang:       strings.ToLower(lang),
		Owners:     r.owners(owner),
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve lexemes: %w", err)
	}
	out := list[:0]
	for _, lx := range list {
		if r.rank(lx.Owner, owner) != rankHidden {
			out = append(out, lx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := r.rank(out[i].Owner, owner), r.rank(out[j].Owner, owner)
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ResolveCues returns the active negation cues for lang with the same
// precedence as Resolve.
func (r *Resolver) ResolveCues(ctx context.Context, owner *int64, lang string) ([]store.Cue, error) {
	list, err := r.src.ListCues(ctx, store.DictFilter{
		Lang:       strings.ToLower(lang),
		Owners:     r.owners(owner),
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve cues: %w", err)
	}
	out := list[:0]
	for _, c := range list {
		if r.rank(c.Owner, owner) != rankHidden {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := r.rank(out[i].Owner, owner), r.rank(out[j].Owner, owner)
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Lexicon is the resolved dictionary for one (owner, lang) pair together
// with the structured items its lexemes link to.
type Lexicon struct {
	Owner   *int64
	Lang    string
	Lexemes []store.Lexeme
	Items   map[int64]store.Item
	Cues    []negation.Cue
}

// Load resolves lexemes, cues and linked items in one pass.
func (r *Resolver) Load(ctx context.Context, owner *int64, lang string) (*Lexicon, error) {
	lexemes, err := r.Resolve(ctx, owner, lang)
	if err != nil {
		return nil, err
	}
	cues, err := r.ResolveCues(ctx, owner, lang)
	if err != nil {
		return nil, err
	}

	var itemIDs []int64
	seen := make(map[int64]bool)
	for _, lx := range lexemes {
		if lx.ItemID != nil && !seen[*lx.ItemID] {
			seen[*lx.ItemID] = true
			itemIDs = append(itemIDs, *lx.ItemID)
		}
	}
	items := make(map[int64]store.Item, len(itemIDs))
	if len(itemIDs) > 0 {
		list, err := r.src.GetItems(ctx, itemIDs)
		if err != nil {
			return nil, fmt.Errorf("load linked items: %w", err)
		}
		for _, it := range list {
			items[it.ID] = it
		}
	}

	lex := &Lexicon{
		Owner:   owner,
		Lang:    strings.ToLower(lang),
		Lexemes: lexemes,
		Items:   items,
	}
	for _, c := range cues {
		lex.Cues = append(lex.Cues, negation.Cue{
			Text:    c.Cue,
			IsRegex: c.IsRegex,
			Before:  c.WindowBefore,
			After:   c.WindowAfter,
		})
	}
	return lex, nil
}

// ItemForTerm returns the structured item linked to the first plain lexeme
// (in precedence order) whose normalized term equals norm.
func (l *Lexicon) ItemForTerm(norm string) (int64, bool) {
	if l == nil || norm == "" {
		return 0, false
	}
	for _, lx := range l.Lexemes {
		if lx.IsRegex || lx.ItemID == nil || lx.NormalizedTerm != norm {
			continue
		}
		return *lx.ItemID, true
	}
	return 0, false
}
