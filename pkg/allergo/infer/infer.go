// Package infer runs rule-based code inference over a batch of subjects.
package infer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/match"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
	"github.com/cognicore/allergo/pkg/allergo/provenance"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Actions reported per subject.
const (
	ActionSkipManual          = "skip_manual"
	ActionNoChange            = "no_change"
	ActionWouldChange         = "would_change"
	ActionWouldOverrideManual = "would_override_manual"
	ActionChanged             = "changed"
	ActionUnchanged           = "unchanged"
	ActionError               = "error"
)

// MaxItems caps the per-subject items returned in a Summary.
const MaxItems = 1000

// Store is what the orchestrator reads and writes.
type Store interface {
	GetSubjects(ctx context.Context, ids []int64) ([]store.Subject, error)
	GetItems(ctx context.Context, ids []int64) ([]store.Item, error)
	ListItemsByOwner(ctx context.Context, owner int64) ([]store.Item, error)
	ListCodes(ctx context.Context) ([]store.Code, error)
	UpdateSubjectCodes(ctx context.Context, u store.CodeUpdate) error
}

// Request describes one inference run.
type Request struct {
	SubjectIDs     []int64
	Owner          *int64
	Lang           string
	Force          bool
	DryRun         bool
	IncludeDetails bool
	CreatedBy      *int64
}

// Validate rejects malformed requests before any work starts.
func (r Request) Validate() error {
	if len(r.SubjectIDs) == 0 {
		return fmt.Errorf("no subject ids: %w", internalerr.ErrInvalidInput)
	}
	for _, id := range r.SubjectIDs {
		if id <= 0 {
			return fmt.Errorf("subject id %d: %w", id, internalerr.ErrInvalidInput)
		}
	}
	if strings.TrimSpace(r.Lang) == "" {
		return fmt.Errorf("language is required: %w", internalerr.ErrInvalidInput)
	}
	if r.Owner != nil && *r.Owner <= 0 {
		return fmt.Errorf("owner %d: %w", *r.Owner, internalerr.ErrInvalidInput)
	}
	return nil
}

// Item is the outcome for one subject.
type Item struct {
	SubjectID int64    `json:"subject_id"`
	Name      string   `json:"name"`
	Before    string   `json:"before"`
	After     string   `json:"after"`
	Action    string   `json:"action"`
	Skipped   bool     `json:"skipped"`
	Error     string   `json:"error,omitempty"`
	Details   *Details `json:"details,omitempty"`
}

// Details breaks down where each code came from.
type Details struct {
	TextUsed        string              `json:"text_used"`
	FromItems       []string            `json:"codes_from_items"`
	FromLexemes     []string            `json:"codes_from_lexemes"`
	ExplanationDE   string              `json:"explanation_de"`
	Hits            []match.Hit         `json:"lexeme_hits"`
	Structured      map[string][]string `json:"provenance_structured"`
	Dictionary      map[string][]string `json:"provenance_dictionary"`
	InvalidPatterns []string            `json:"invalid_patterns,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	Processed         int    `json:"processed"`
	Skipped           int    `json:"skipped"`
	Changed           int    `json:"changed"`
	MissingAfterRules int    `json:"missing_after_rules"`
	Errors            int    `json:"errors"`
	RecordsCreated    int    `json:"records_created"`
	Items             []Item `json:"items"`
	Count             int    `json:"count"`
	DryRun            bool   `json:"dry_run"`
	Lang              string `json:"lang"`

	// Missing lists every processed subject left without codes, uncapped.
	Missing []int64 `json:"-"`
}

// Options tunes an Orchestrator.
type Options struct {
	// MatchSynonyms matches the owner's item names and synonyms in text.
	MatchSynonyms bool
	Logger        *zap.Logger
}

// Orchestrator drives per-subject inference.
type Orchestrator struct {
	st       Store
	resolver *dictionary.Resolver
	rec      *provenance.Recorder
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// New creates an orchestrator.
func New(st Store, resolver *dictionary.Resolver, rec *provenance.Recorder, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		st:       st,
		resolver: resolver,
		rec:      rec,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Infer runs the rules over every requested subject. Failures of single
// subjects are reported in their items and never abort the batch.
func (o *Orchestrator) Infer(ctx context.Context, req Request) (Summary, error) {
	if err := req.Validate(); err != nil {
		return Summary{}, err
	}
	req.Lang = strings.ToLower(strings.TrimSpace(req.Lang))

	lex, err := o.resolver.Load(ctx, req.Owner, req.Lang)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve dictionary: %w", err)
	}
	mopts := match.Options{Logger: o.log}
	if o.opts.MatchSynonyms && req.Owner != nil {
		items, err := o.st.ListItemsByOwner(ctx, *req.Owner)
		if err != nil {
			return Summary{}, fmt.Errorf("load owner items: %w", err)
		}
		mopts.SynonymItems = items
	}
	matcher := match.New(lex, mopts)

	var labels map[string]string
	if req.IncludeDetails {
		if labels, err = o.labels(ctx); err != nil {
			return Summary{}, err
		}
	}

	subjects, err := o.st.GetSubjects(ctx, req.SubjectIDs)
	if err != nil {
		return Summary{}, fmt.Errorf("load subjects: %w", err)
	}
	found := make(map[int64]bool, len(subjects))
	for _, s := range subjects {
		found[s.ID] = true
	}

	sum := Summary{DryRun: req.DryRun, Lang: req.Lang}
	var items []Item
	for _, id := range req.SubjectIDs {
		if !found[id] {
			sum.Errors++
			items = append(items, Item{SubjectID: id, Action: ActionError, Error: internalerr.ErrNotFound.Error()})
		}
	}

	for _, sub := range subjects {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++
		item, created, err := o.process(ctx, sub, matcher, req, labels)
		if err != nil {
			o.log.Warn("inference failed", zap.Int64("subject_id", sub.ID), zap.Error(err))
			sum.Errors++
			item = Item{SubjectID: sub.ID, Name: sub.Name, Before: sub.GeneratedCodes, Action: ActionError, Error: err.Error()}
			items = append(items, item)
			continue
		}
		sum.RecordsCreated += created
		if item.Error != "" {
			sum.Errors++
		}
		switch {
		case item.Skipped:
			sum.Skipped++
		default:
			if item.After != item.Before {
				sum.Changed++
			}
			if item.After == "" {
				sum.MissingAfterRules++
				sum.Missing = append(sum.Missing, sub.ID)
			}
		}
		items = append(items, item)
	}

	sum.Count = len(items)
	if len(items) > MaxItems {
		items = items[:MaxItems]
	}
	sum.Items = items
	return sum, nil
}

func (o *Orchestrator) process(ctx context.Context, sub store.Subject, m *match.Matcher, req Request, labels map[string]string) (Item, int, error) {
	before := strings.TrimSpace(sub.GeneratedCodes)
	item := Item{SubjectID: sub.ID, Name: sub.Name, Before: before}

	if sub.ManualOverride && !req.Force {
		item.Action = ActionSkipManual
		item.Skipped = true
		return item, 0, nil
	}

	// read phase
	var linked []store.Item
	if len(sub.ItemIDs) > 0 {
		var err error
		if linked, err = o.st.GetItems(ctx, sub.ItemIDs); err != nil {
			return item, 0, fmt.Errorf("load linked items: %w", err)
		}
	}
	text := SubjectText(sub)
	res := m.Match(sub, linked, text)
	item.After = res.Summary()
	if req.IncludeDetails {
		item.Details = details(text, res, labels)
	}

	if req.DryRun {
		item.Action = ActionNoChange
		if item.After != before {
			item.Action = ActionWouldChange
		}
		if req.Force && sub.ManualOverride {
			item.Action = ActionWouldOverrideManual
		}
		return item, 0, nil
	}

	// write phase
	clearOverride := req.Force && sub.ManualOverride
	item.Action = ActionUnchanged
	if item.After != before || clearOverride {
		err := o.st.UpdateSubjectCodes(ctx, store.CodeUpdate{
			SubjectID:     sub.ID,
			Codes:         item.After,
			ClearOverride: clearOverride,
			At:            o.now(),
		})
		if err != nil {
			return item, 0, fmt.Errorf("update subject codes: %w", err)
		}
		item.Action = ActionChanged
	}

	// The summary is already written; a failed record is reported on the
	// item without undoing it.
	created, err := o.rec.Record(ctx, sub, res, req.Force, req.CreatedBy)
	if err != nil {
		o.log.Warn("provenance not recorded", zap.Int64("subject_id", sub.ID), zap.Error(err))
		item.Error = fmt.Sprintf("record provenance: %v", err)
	}
	return item, created, nil
}

func (o *Orchestrator) labels(ctx context.Context) (map[string]string, error) {
	list, err := o.st.ListCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load code catalog: %w", err)
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		out[c.Code] = strings.TrimSpace(c.LabelDE)
	}
	return out, nil
}

// SubjectText builds the normalized text matched for a subject: name,
// description without markup, then identifiers.
func SubjectText(sub store.Subject) string {
	parts := []string{sub.Name, normalize.StripMarkup(sub.Description)}
	parts = append(parts, sub.Identifiers...)
	return normalize.Text(strings.Join(parts, " "))
}

func details(text string, res match.Result, labels map[string]string) *Details {
	d := &Details{
		TextUsed:        text,
		FromItems:       res.FromItems.Sorted(),
		FromLexemes:     res.FromLexemes.Sorted(),
		Hits:            res.Hits,
		Structured:      make(map[string][]string),
		Dictionary:      make(map[string][]string),
		InvalidPatterns: res.InvalidPatterns,
	}
	for code, list := range res.Reasons {
		for _, c := range list {
			if c.Source == store.SourceStructured {
				d.Structured[code] = append(d.Structured[code], c.Reason)
			} else {
				d.Dictionary[code] = append(d.Dictionary[code], c.Reason)
			}
		}
	}
	d.ExplanationDE = ExplainDE(codes.NewSet(res.Codes.Letters()...), labels)
	return d
}

// ExplainDE renders a German sentence naming the labels of the letter
// codes, e.g. "Enthält Gluten, Milch und Sesam.". Codes without a label are
// left out.
func ExplainDE(set codes.Set, labels map[string]string) string {
	var names []string
	for _, c := range set.Letters() {
		if l := labels[c]; l != "" {
			names = append(names, l)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return "Enthält " + names[0] + "."
	default:
		return "Enthält " + strings.Join(names[:len(names)-1], ", ") + " und " + names[len(names)-1] + "."
	}
}
