package store

import (
	"context"
	"strings"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

// Store is the persistence boundary for catalog, dictionary, subject and
// provenance data. Implementations must be safe for concurrent use.
type Store interface {
	Close() error

	// Code catalog
	UpsertCode(ctx context.Context, c Code) error
	ListCodes(ctx context.Context) ([]Code, error)

	// Structured items
	UpsertItem(ctx context.Context, it Item) (Item, error)
	GetItems(ctx context.Context, ids []int64) ([]Item, error)
	ListItemsByOwner(ctx context.Context, owner int64) ([]Item, error)

	// Dictionary
	UpsertLexeme(ctx context.Context, lx Lexeme) (Lexeme, error)
	FindLexeme(ctx context.Context, key LexemeKey) (Lexeme, bool, error)
	ListLexemes(ctx context.Context, f DictFilter) ([]Lexeme, error)
	UpsertCue(ctx context.Context, c Cue) (Cue, error)
	ListCues(ctx context.Context, f DictFilter) ([]Cue, error)

	// Subjects
	UpsertSubject(ctx context.Context, s Subject) (Subject, error)
	GetSubjects(ctx context.Context, ids []int64) ([]Subject, error)
	ListSubjectsByOwner(ctx context.Context, owner int64) ([]Subject, error)
	UpdateSubjectCodes(ctx context.Context, u CodeUpdate) error
	SetSubjectManualCodes(ctx context.Context, id int64, codes []string) error

	// Provenance (append-only apart from confirmation)
	InsertRecord(ctx context.Context, r Record) (Record, error)
	ListRecords(ctx context.Context, subjectID int64) ([]Record, error)
	ConfirmRecords(ctx context.Context, ids []int64, confirmed bool) (int, error)
	DeleteRecord(ctx context.Context, id int64) error
}

// Code is a catalog entry. Kind is "primary" for letters and "secondary"
// for numbers.
type Code struct {
	Code    string
	Kind    string
	LabelDE string
	LabelEN string
	LabelAR string
}

// Label returns the label for lang, falling back to German, English and
// finally the code itself.
func (c Code) Label(lang string) string {
	switch lang {
	case "en":
		if c.LabelEN != "" {
			return c.LabelEN
		}
	case "ar":
		if c.LabelAR != "" {
			return c.LabelAR
		}
	}
	if c.LabelDE != "" {
		return c.LabelDE
	}
	if c.LabelEN != "" {
		return c.LabelEN
	}
	return c.Code
}

// Item is a structured ingredient with authoritative codes.
type Item struct {
	ID       int64
	Owner    *int64
	Name     string
	Codes    []string
	Synonyms []string
}

// Lexeme is a dictionary entry mapping a term or pattern to codes.
// NormalizedTerm is derived by the store on every save.
type Lexeme struct {
	ID             int64
	Owner          *int64
	Lang           string
	Term           string
	NormalizedTerm string
	IsRegex        bool
	Active         bool
	Priority       int
	Weight         float64
	ItemID         *int64
	Codes          []string
	Notes          string
}

// LexemeKey is the natural key of a lexeme.
type LexemeKey struct {
	Owner          *int64
	Lang           string
	NormalizedTerm string
	IsRegex        bool
}

// Cue is a stored negation cue with a word window around the term.
type Cue struct {
	ID            int64
	Owner         *int64
	Lang          string
	Cue           string
	NormalizedCue string
	IsRegex       bool
	WindowBefore  int
	WindowAfter   int
	Active        bool
}

// DictFilter selects dictionary rows for one language across owner tiers.
// Global rows (no owner) are always candidates; Owners lists the
// additional owner ids to include.
type DictFilter struct {
	Lang       string
	Owners     []int64
	ActiveOnly bool
}

// Subject is a menu item whose codes are inferred.
type Subject struct {
	ID             int64
	Owner          int64
	Name           string
	Description    string
	Identifiers    []string
	ItemIDs        []int64
	ExtraCodes     []string
	ManualOverride bool
	ManualCodes    []string
	GeneratedCodes string
	CodesUpdatedAt time.Time
}

// CodeUpdate writes a new summary for a subject.
type CodeUpdate struct {
	SubjectID     int64
	Codes         string
	ClearOverride bool
	At            time.Time
}

// Source kinds for provenance records.
const (
	SourceStructured = "structured_link"
	SourceTextMatch  = "text_match"
	SourceExternal   = "external_suggestion"
	SourceTrace      = "heuristic_trace"
	SourceManual     = "manual"
)

// Record explains why a code is attached to a subject.
type Record struct {
	ID         int64
	SubjectID  int64
	Code       string
	Source     string
	Confidence float64
	Rationale  string
	Confirmed  bool
	CreatedBy  *int64
	CreatedAt  time.Time
}

// OwnerKey maps an optional owner to the storage key used for uniqueness.
// Global rows use 0.
func OwnerKey(owner *int64) int64 {
	if owner == nil {
		return 0
	}
	return *owner
}

// OwnerFromKey is the inverse of OwnerKey.
func OwnerFromKey(key int64) *int64 {
	if key == 0 {
		return nil
	}
	v := key
	return &v
}

// PrepareLexeme derives the normalized term and canonical language of lx.
func PrepareLexeme(lx Lexeme) Lexeme {
	lx.Lang = strings.ToLower(strings.TrimSpace(lx.Lang))
	lx.Term = strings.TrimSpace(lx.Term)
	lx.NormalizedTerm = normalize.Text(lx.Term)
	lx.Codes = codes.NewSet(lx.Codes...).Sorted()
	return lx
}

// PrepareCue derives the normalized cue and canonical language of c.
func PrepareCue(c Cue) Cue {
	c.Lang = strings.ToLower(strings.TrimSpace(c.Lang))
	c.Cue = strings.TrimSpace(c.Cue)
	c.NormalizedCue = normalize.Text(c.Cue)
	if c.WindowBefore == 0 && c.WindowAfter == 0 {
		c.WindowBefore, c.WindowAfter = 3, 2
	}
	return c
}

// Key returns the natural key of lx. lx must be prepared.
func (lx Lexeme) Key() LexemeKey {
	return LexemeKey{Owner: lx.Owner, Lang: lx.Lang, NormalizedTerm: lx.NormalizedTerm, IsRegex: lx.IsRegex}
}
