package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Seed is a catalog and dictionary fixture. Items are referenced by name
// from lexemes and subjects.
//
//	codes:
//	  - {code: A, de: Gluten, en: Gluten}
//	items:
//	  - {name: Weizenmehl, codes: [A], synonyms: [mehl]}
//	lexemes:
//	  - {term: Käse, codes: [G]}
//	  - {term: 'weizen\w*', regex: true, codes: [A], owner: 7}
//	cues:
//	  - {cue: frei von, before: 4}
//	subjects:
//	  - {name: Käsebrot, owner: 7, items: [Weizenmehl]}
type Seed struct {
	Codes    []SeedCode    `yaml:"codes"`
	Items    []SeedItem    `yaml:"items"`
	Lexemes  []SeedLexeme  `yaml:"lexemes"`
	Cues     []SeedCue     `yaml:"cues"`
	Subjects []SeedSubject `yaml:"subjects"`
}

// SeedCode is one catalog entry.
type SeedCode struct {
	Code string `yaml:"code"`
	DE   string `yaml:"de"`
	EN   string `yaml:"en"`
	AR   string `yaml:"ar"`
}

// SeedItem is one structured item.
type SeedItem struct {
	Name     string   `yaml:"name"`
	Owner    *int64   `yaml:"owner"`
	Codes    []string `yaml:"codes"`
	Synonyms []string `yaml:"synonyms"`
}

// SeedLexeme is one dictionary entry. Lang defaults to the seed language.
type SeedLexeme struct {
	Term     string   `yaml:"term"`
	Lang     string   `yaml:"lang"`
	Owner    *int64   `yaml:"owner"`
	Regex    bool     `yaml:"regex"`
	Inactive bool     `yaml:"inactive"`
	Priority int      `yaml:"priority"`
	Weight   float64  `yaml:"weight"`
	Item     string   `yaml:"item"`
	Codes    []string `yaml:"codes"`
	Notes    string   `yaml:"notes"`
}

// SeedCue is one negation cue.
type SeedCue struct {
	Cue    string `yaml:"cue"`
	Lang   string `yaml:"lang"`
	Owner  *int64 `yaml:"owner"`
	Regex  bool   `yaml:"regex"`
	Before int    `yaml:"before"`
	After  int    `yaml:"after"`
}

// SeedSubject is one subject to classify.
type SeedSubject struct {
	Name        string   `yaml:"name"`
	Owner       int64    `yaml:"owner"`
	Description string   `yaml:"description"`
	Identifiers []string `yaml:"identifiers"`
	Items       []string `yaml:"items"`
	ExtraCodes  []string `yaml:"extra_codes"`
	Manual      []string `yaml:"manual_codes"`
}

// SeedStats counts applied rows and lists the created subject ids.
type SeedStats struct {
	Codes      int
	Items      int
	Lexemes    int
	Cues       int
	SubjectIDs []int64
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &s, nil
}

// Apply writes the seed into st in dependency order. Upserts make it safe
// to apply codes, items, lexemes and cues again; subjects are created anew.
func (s *Seed) Apply(ctx context.Context, st store.Store, lang string) (SeedStats, error) {
	var stats SeedStats
	lang = strings.ToLower(lang)

	for _, c := range s.Codes {
		if err := st.UpsertCode(ctx, store.Code{Code: c.Code, LabelDE: c.DE, LabelEN: c.EN, LabelAR: c.AR}); err != nil {
			return stats, fmt.Errorf("seed code %q: %w", c.Code, err)
		}
		stats.Codes++
	}

	itemIDs := make(map[string]int64, len(s.Items))
	for _, it := range s.Items {
		saved, err := st.UpsertItem(ctx, store.Item{Owner: it.Owner, Name: it.Name, Codes: it.Codes, Synonyms: it.Synonyms})
		if err != nil {
			return stats, fmt.Errorf("seed item %q: %w", it.Name, err)
		}
		itemIDs[strings.ToLower(saved.Name)] = saved.ID
		stats.Items++
	}
	itemRef := func(name string) (*int64, error) {
		if name == "" {
			return nil, nil
		}
		id, ok := itemIDs[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown item %q: %w", name, internalerr.ErrNotFound)
		}
		return &id, nil
	}

	for _, lx := range s.Lexemes {
		item, err := itemRef(lx.Item)
		if err != nil {
			return stats, fmt.Errorf("seed lexeme %q: %w", lx.Term, err)
		}
		_, err = st.UpsertLexeme(ctx, store.Lexeme{
			Owner:    lx.Owner,
			Lang:     orDefault(lx.Lang, lang),
			Term:     lx.Term,
			IsRegex:  lx.Regex,
			Active:   !lx.Inactive,
			Priority: lx.Priority,
			Weight:   lx.Weight,
			ItemID:   item,
			Codes:    lx.Codes,
			Notes:    lx.Notes,
		})
		if err != nil {
			return stats, fmt.Errorf("seed lexeme %q: %w", lx.Term, err)
		}
		stats.Lexemes++
	}

	for _, c := range s.Cues {
		_, err := st.UpsertCue(ctx, store.Cue{
			Owner:        c.Owner,
			Lang:         orDefault(c.Lang, lang),
			Cue:          c.Cue,
			IsRegex:      c.Regex,
			WindowBefore: c.Before,
			WindowAfter:  c.After,
			Active:       true,
		})
		if err != nil {
			return stats, fmt.Errorf("seed cue %q: %w", c.Cue, err)
		}
		stats.Cues++
	}

	for _, sub := range s.Subjects {
		var items []int64
		for _, name := range sub.Items {
			id, err := itemRef(name)
			if err != nil {
				return stats, fmt.Errorf("seed subject %q: %w", sub.Name, err)
			}
			items = append(items, *id)
		}
		saved, err := st.UpsertSubject(ctx, store.Subject{
			Owner:          sub.Owner,
			Name:           sub.Name,
			Description:    sub.Description,
			Identifiers:    sub.Identifiers,
			ItemIDs:        items,
			ExtraCodes:     sub.ExtraCodes,
			ManualOverride: len(sub.Manual) > 0,
			ManualCodes:    sub.Manual,
		})
		if err != nil {
			return stats, fmt.Errorf("seed subject %q: %w", sub.Name, err)
		}
		stats.SubjectIDs = append(stats.SubjectIDs, saved.ID)
	}
	return stats, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return strings.ToLower(v)
	}
	return def
}
