package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Store is an in-memory implementation of store.Store for tests and examples.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	codes    map[string]store.Code
	items    map[int64]store.Item
	lexemes  map[int64]store.Lexeme
	cues     map[int64]store.Cue
	subjects map[int64]store.Subject
	records  map[int64]store.Record

	lexemeKeys map[lexemeKey]int64
	cueKeys    map[lexemeKey]int64
	recordKeys map[recordKey]int64
}

var _ store.Store = (*Store)(nil)

type lexemeKey struct {
	owner   int64
	lang    string
	norm    string
	isRegex bool
}

type recordKey struct {
	subject int64
	code    string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		nextID:     1,
		codes:      make(map[string]store.Code),
		items:      make(map[int64]store.Item),
		lexemes:    make(map[int64]store.Lexeme),
		cues:       make(map[int64]store.Cue),
		subjects:   make(map[int64]store.Subject),
		records:    make(map[int64]store.Record),
		lexemeKeys: make(map[lexemeKey]int64),
		cueKeys:    make(map[lexemeKey]int64),
		recordKeys: make(map[recordKey]int64),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func (s *Store) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// UpsertCode inserts or replaces a catalog entry.
func (s *Store) UpsertCode(ctx context.Context, c store.Code) error {
	c.Code = codes.Canonical(c.Code)
	if c.Code == "" {
		return fmt.Errorf("code: %w", internalerr.ErrInvalidInput)
	}
	if c.Kind == "" {
		c.Kind = string(codes.KindOf(c.Code))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
	return nil
}

// ListCodes returns the catalog, letters first then numbers.
func (s *Store) ListCodes(ctx context.Context) ([]store.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(codes.Set, len(s.codes))
	for c := range s.codes {
		set[c] = struct{}{}
	}
	out := make([]store.Code, 0, len(set))
	for _, c := range set.Sorted() {
		out = append(out, s.codes[c])
	}
	return out, nil
}

// UpsertItem inserts an item or updates the one with the same ID or the
// same (owner, name).
func (s *Store) UpsertItem(ctx context.Context, it store.Item) (store.Item, error) {
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return store.Item{}, fmt.Errorf("item name: %w", internalerr.ErrInvalidInput)
	}
	it.Codes = codes.NewSet(it.Codes...).Sorted()

	s.mu.Lock()
	defer s.mu.Unlock()

	if it.ID == 0 {
		for id, existing := range s.items {
			if store.OwnerKey(existing.Owner) == store.OwnerKey(it.Owner) && strings.EqualFold(existing.Name, it.Name) {
				it.ID = id
				break
			}
		}
	} else if _, ok := s.items[it.ID]; !ok {
		return store.Item{}, fmt.Errorf("item %d: %w", it.ID, internalerr.ErrNotFound)
	}
	if it.ID == 0 {
		it.ID = s.allocID()
	}
	s.items[it.ID] = copyItem(it)
	return copyItem(it), nil
}

// GetItems returns the items with the given ids, skipping unknown ids.
func (s *Store) GetItems(ctx context.Context, ids []int64) ([]store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Item
	for _, id := range uniqueIDs(ids) {
		if it, ok := s.items[id]; ok {
			out = append(out, copyItem(it))
		}
	}
	return out, nil
}

// ListItemsByOwner returns the items owned by owner.
func (s *Store) ListItemsByOwner(ctx context.Context, owner int64) ([]store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Item
	for _, it := range s.items {
		if store.OwnerKey(it.Owner) == owner {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertLexeme inserts or updates a lexeme by ID or natural key.
func (s *Store) UpsertLexeme(ctx context.Context, lx store.Lexeme) (store.Lexeme, error) {
	lx = store.PrepareLexeme(lx)
	if lx.NormalizedTerm == "" || lx.Lang == "" {
		return store.Lexeme{}, fmt.Errorf("lexeme term and lang: %w", internalerr.ErrInvalidInput)
	}
	key := keyOfLexeme(lx.Key())

	s.mu.Lock()
	defer s.mu.Unlock()

	if lx.ID != 0 {
		prev, ok := s.lexemes[lx.ID]
		if !ok {
			return store.Lexeme{}, fmt.Errorf("lexeme %d: %w", lx.ID, internalerr.ErrNotFound)
		}
		if other, taken := s.lexemeKeys[key]; taken && other != lx.ID {
			return store.Lexeme{}, fmt.Errorf("lexeme %q: %w", lx.Term, internalerr.ErrDuplicate)
		}
		delete(s.lexemeKeys, keyOfLexeme(prev.Key()))
	} else if id, ok := s.lexemeKeys[key]; ok {
		lx.ID = id
	} else {
		lx.ID = s.allocID()
	}
	s.lexemeKeys[key] = lx.ID
	s.lexemes[lx.ID] = copyLexeme(lx)
	return copyLexeme(lx), nil
}

// FindLexeme looks a lexeme up by natural key.
func (s *Store) FindLexeme(ctx context.Context, key store.LexemeKey) (store.Lexeme, bool, error) {
	key.Lang = strings.ToLower(key.Lang)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.lexemeKeys[keyOfLexeme(key)]
	if !ok {
		return store.Lexeme{}, false, nil
	}
	return copyLexeme(s.lexemes[id]), true, nil
}

// ListLexemes returns lexemes matching f ordered by ID.
func (s *Store) ListLexemes(ctx context.Context, f store.DictFilter) ([]store.Lexeme, error) {
	lang := strings.ToLower(f.Lang)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Lexeme
	for _, lx := range s.lexemes {
		if lang != "" && lx.Lang != lang {
			continue
		}
		if f.ActiveOnly && !lx.Active {
			continue
		}
		if !ownerVisible(lx.Owner, f.Owners) {
			continue
		}
		out = append(out, copyLexeme(lx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertCue inserts or updates a negation cue by ID or natural key.
func (s *Store) UpsertCue(ctx context.Context, c store.Cue) (store.Cue, error) {
	c = store.PrepareCue(c)
	if c.NormalizedCue == "" || c.Lang == "" {
		return store.Cue{}, fmt.Errorf("cue and lang: %w", internalerr.ErrInvalidInput)
	}
	key := lexemeKey{owner: store.OwnerKey(c.Owner), lang: c.Lang, norm: c.NormalizedCue, isRegex: c.IsRegex}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		if id, ok := s.cueKeys[key]; ok {
			c.ID = id
		} else {
			c.ID = s.allocID()
		}
	} else if _, ok := s.cues[c.ID]; !ok {
		return store.Cue{}, fmt.Errorf("cue %d: %w", c.ID, internalerr.ErrNotFound)
	}
	s.cueKeys[key] = c.ID
	s.cues[c.ID] = c
	return c, nil
}

// ListCues returns cues matching f ordered by ID.
func (s *Store) ListCues(ctx context.Context, f store.DictFilter) ([]store.Cue, error) {
	lang := strings.ToLower(f.Lang)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Cue
	for _, c := range s.cues {
		if lang != "" && c.Lang != lang {
			continue
		}
		if f.ActiveOnly && !c.Active {
			continue
		}
		if !ownerVisible(c.Owner, f.Owners) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertSubject inserts a subject or replaces the one with the same ID.
func (s *Store) UpsertSubject(ctx context.Context, sub store.Subject) (store.Subject, error) {
	if strings.TrimSpace(sub.Name) == "" {
		return store.Subject{}, fmt.Errorf("subject name: %w", internalerr.ErrInvalidInput)
	}
	sub.ExtraCodes = codes.NewSet(sub.ExtraCodes...).Sorted()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.allocID()
	} else if _, ok := s.subjects[sub.ID]; !ok {
		return store.Subject{}, fmt.Errorf("subject %d: %w", sub.ID, internalerr.ErrNotFound)
	}
	s.subjects[sub.ID] = copySubject(sub)
	return copySubject(sub), nil
}

// GetSubjects returns subjects for ids in ascending ID order, skipping unknown ids.
func (s *Store) GetSubjects(ctx context.Context, ids []int64) ([]store.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Subject
	for _, id := range uniqueIDs(ids) {
		if sub, ok := s.subjects[id]; ok {
			out = append(out, copySubject(sub))
		}
	}
	return out, nil
}

// ListSubjectsByOwner returns every subject of owner.
func (s *Store) ListSubjectsByOwner(ctx context.Context, owner int64) ([]store.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Subject
	for _, sub := range s.subjects {
		if sub.Owner == owner {
			out = append(out, copySubject(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSubjectCodes stores a new code summary.
func (s *Store) UpdateSubjectCodes(ctx context.Context, u store.CodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[u.SubjectID]
	if !ok {
		return fmt.Errorf("subject %d: %w", u.SubjectID, internalerr.ErrNotFound)
	}
	sub.GeneratedCodes = u.Codes
	sub.CodesUpdatedAt = u.At
	if u.ClearOverride {
		sub.ManualOverride = false
		sub.ManualCodes = nil
	}
	s.subjects[u.SubjectID] = sub
	return nil
}

// SetSubjectManualCodes marks the subject as manually curated.
func (s *Store) SetSubjectManualCodes(ctx context.Context, id int64, list []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[id]
	if !ok {
		return fmt.Errorf("subject %d: %w", id, internalerr.ErrNotFound)
	}
	sub.ManualOverride = true
	sub.ManualCodes = codes.NewSet(list...).Sorted()
	s.subjects[id] = sub
	return nil
}

// InsertRecord appends a provenance record. A second record for the same
// (subject, code) yields internalerr.ErrDuplicate.
func (s *Store) InsertRecord(ctx context.Context, r store.Record) (store.Record, error) {
	r.Code = codes.Canonical(r.Code)
	if r.SubjectID == 0 || r.Code == "" {
		return store.Record{}, fmt.Errorf("record subject and code: %w", internalerr.ErrInvalidInput)
	}
	key := recordKey{subject: r.SubjectID, code: r.Code}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recordKeys[key]; ok {
		return store.Record{}, fmt.Errorf("record %d/%s: %w", r.SubjectID, r.Code, internalerr.ErrDuplicate)
	}
	r.ID = s.allocID()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.records[r.ID] = r
	s.recordKeys[key] = r.ID
	return r, nil
}

// ListRecords returns the records of one subject ordered by ID.
func (s *Store) ListRecords(ctx context.Context, subjectID int64) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Record
	for _, r := range s.records {
		if r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConfirmRecords sets the confirmation flag and returns how many rows changed.
func (s *Store) ConfirmRecords(ctx context.Context, ids []int64, confirmed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range uniqueIDs(ids) {
		r, ok := s.records[id]
		if !ok || r.Confirmed == confirmed {
			continue
		}
		r.Confirmed = confirmed
		s.records[id] = r
		n++
	}
	return n, nil
}

// DeleteRecord removes a record.
func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, internalerr.ErrNotFound)
	}
	delete(s.records, id)
	delete(s.recordKeys, recordKey{subject: r.SubjectID, code: r.Code})
	return nil
}

func keyOfLexeme(k store.LexemeKey) lexemeKey {
	return lexemeKey{owner: store.OwnerKey(k.Owner), lang: k.Lang, norm: k.NormalizedTerm, isRegex: k.IsRegex}
}

func ownerVisible(owner *int64, owners []int64) bool {
	if owner == nil {
		return true
	}
	return slices.Contains(owners, *owner)
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func copyItem(it store.Item) store.Item {
	it.Owner = copyPtr(it.Owner)
	it.Codes = slices.Clone(it.Codes)
	it.Synonyms = slices.Clone(it.Synonyms)
	return it
}

func copyLexeme(lx store.Lexeme) store.Lexeme {
	lx.Owner = copyPtr(lx.Owner)
	lx.ItemID = copyPtr(lx.ItemID)
	lx.Codes = slices.Clone(lx.Codes)
	return lx
}

func copySubject(sub store.Subject) store.Subject {
	sub.Identifiers = slices.Clone(sub.Identifiers)
	sub.ItemIDs = slices.Clone(sub.ItemIDs)
	sub.ExtraCodes = slices.Clone(sub.ExtraCodes)
	sub.ManualCodes = slices.Clone(sub.ManualCodes)
	return sub
}

func copyPtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
