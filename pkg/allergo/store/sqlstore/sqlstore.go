// Package sqlstore implements store.Store on database/sql. Backends supply a
// Dialect with their schema, placeholder style and duplicate-key detection.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Dialect captures the backend differences.
type Dialect struct {
	Name        string
	Schema      []string
	Rebind      func(string) string
	IsDuplicate func(error) bool
}

// Dollar rebinds ? placeholders to $n.
func Dollar(q string) string { return rebindDollar(q) }

// Store implements store.Store.
type Store struct {
	db *sql.DB
	d  Dialect
}

var _ store.Store = (*Store)(nil)

// New initializes the schema on db and returns the store. The store owns db.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	for _, stmt := range d.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.Name, err)
		}
	}
	return &Store{db: db, d: d}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tasks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) q(query string) string {
	if s.d.Rebind == nil {
		return query
	}
	return s.d.Rebind(query)
}

func (s *Store) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", internalerr.ErrNotFound, err)
	}
	if s.d.IsDuplicate != nil && s.d.IsDuplicate(err) {
		return fmt.Errorf("%w: %v", internalerr.ErrDuplicate, err)
	}
	return err
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
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO codes (code, kind, label_de, label_en, label_ar) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(code) DO UPDATE SET kind = excluded.kind, label_de = excluded.label_de,
	label_en = excluded.label_en, label_ar = excluded.label_ar`),
		c.Code, c.Kind, c.LabelDE, c.LabelEN, c.LabelAR)
	if err != nil {
		return fmt.Errorf("upsert code: %w", s.mapErr(err))
	}
	return nil
}

// ListCodes returns the catalog, letters first then numbers.
func (s *Store) ListCodes(ctx context.Context) ([]store.Code, error) {
	list, err := queryMany(ctx, s.db, s.q(`SELECT code, kind, label_de, label_en, label_ar FROM codes`), nil,
		func(sc scanner) (store.Code, error) {
			var c store.Code
			err := sc.Scan(&c.Code, &c.Kind, &c.LabelDE, &c.LabelEN, &c.LabelAR)
			return c, err
		})
	if err != nil {
		return nil, fmt.Errorf("list codes: %w", err)
	}
	byCode := make(map[string]store.Code, len(list))
	set := make(codes.Set, len(list))
	for _, c := range list {
		byCode[c.Code] = c
		set[c.Code] = struct{}{}
	}
	out := make([]store.Code, 0, len(list))
	for _, c := range set.Sorted() {
		out = append(out, byCode[c])
	}
	return out, nil
}

const itemColumns = `id, owner_id, name, codes, synonyms`

func scanItem(sc scanner) (store.Item, error) {
	var (
		it             store.Item
		owner          int64
		rawCodes, syns string
	)
	if err := sc.Scan(&it.ID, &owner, &it.Name, &rawCodes, &syns); err != nil {
		return store.Item{}, err
	}
	it.Owner = store.OwnerFromKey(owner)
	it.Codes = decodeStrings(rawCodes)
	it.Synonyms = decodeStrings(syns)
	return it, nil
}

// UpsertItem inserts an item or updates the one with the same ID or the
// same (owner, name).
func (s *Store) UpsertItem(ctx context.Context, it store.Item) (store.Item, error) {
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return store.Item{}, fmt.Errorf("item name: %w", internalerr.ErrInvalidInput)
	}
	it.Codes = codes.NewSet(it.Codes...).Sorted()
	owner := store.OwnerKey(it.Owner)
	nameKey := strings.ToLower(it.Name)

	if it.ID != 0 {
		res, err := s.db.ExecContext(ctx, s.q(`
UPDATE items SET owner_id = ?, name = ?, name_key = ?, codes = ?, synonyms = ? WHERE id = ?`),
			owner, it.Name, nameKey, encodeStrings(it.Codes), encodeStrings(it.Synonyms), it.ID)
		if err != nil {
			return store.Item{}, fmt.Errorf("update item: %w", s.mapErr(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Item{}, fmt.Errorf("item %d: %w", it.ID, internalerr.ErrNotFound)
		}
		return it, nil
	}

	err := s.db.QueryRowContext(ctx, s.q(`
INSERT INTO items (owner_id, name, name_key, codes, synonyms) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(owner_id, name_key) DO UPDATE SET name = excluded.name, codes = excluded.codes, synonyms = excluded.synonyms
RETURNING id`),
		owner, it.Name, nameKey, encodeStrings(it.Codes), encodeStrings(it.Synonyms)).Scan(&it.ID)
	if err != nil {
		return store.Item{}, fmt.Errorf("upsert item: %w", s.mapErr(err))
	}
	return it, nil
}

// GetItems returns the items with the given ids, skipping unknown ids.
func (s *Store) GetItems(ctx context.Context, ids []int64) ([]store.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	list, err := queryMany(ctx, s.db,
		s.q(`SELECT `+itemColumns+` FROM items WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`),
		int64Args(ids), scanItem)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	return list, nil
}

// ListItemsByOwner returns the items owned by owner.
func (s *Store) ListItemsByOwner(ctx context.Context, owner int64) ([]store.Item, error) {
	list, err := queryMany(ctx, s.db,
		s.q(`SELECT `+itemColumns+` FROM items WHERE owner_id = ? ORDER BY id`), []any{owner}, scanItem)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return list, nil
}

const lexemeColumns = `id, owner_id, lang, term, normalized_term, is_regex, active, priority, weight, item_id, codes, notes`

func scanLexeme(sc scanner) (store.Lexeme, error) {
	var (
		lx       store.Lexeme
		owner    int64
		item     sql.NullInt64
		rawCodes string
	)
	err := sc.Scan(&lx.ID, &owner, &lx.Lang, &lx.Term, &lx.NormalizedTerm, &lx.IsRegex, &lx.Active,
		&lx.Priority, &lx.Weight, &item, &rawCodes, &lx.Notes)
	if err != nil {
		return store.Lexeme{}, err
	}
	lx.Owner = store.OwnerFromKey(owner)
	lx.ItemID = idPtr(item)
	lx.Codes = decodeStrings(rawCodes)
	return lx, nil
}

// UpsertLexeme inserts or updates a lexeme by ID or natural key.
func (s *Store) UpsertLexeme(ctx context.Context, lx store.Lexeme) (store.Lexeme, error) {
	lx = store.PrepareLexeme(lx)
	if lx.NormalizedTerm == "" || lx.Lang == "" {
		return store.Lexeme{}, fmt.Errorf("lexeme term and lang: %w", internalerr.ErrInvalidInput)
	}
	args := []any{store.OwnerKey(lx.Owner), lx.Lang, lx.Term, lx.NormalizedTerm, lx.IsRegex, lx.Active,
		lx.Priority, lx.Weight, nullID(lx.ItemID), encodeStrings(lx.Codes), lx.Notes}

	if lx.ID != 0 {
		res, err := s.db.ExecContext(ctx, s.q(`
UPDATE lexemes SET owner_id = ?, lang = ?, term = ?, normalized_term = ?, is_regex = ?, active = ?,
	priority = ?, weight = ?, item_id = ?, codes = ?, notes = ?
WHERE id = ?`), append(args, lx.ID)...)
		if err != nil {
			return store.Lexeme{}, fmt.Errorf("update lexeme: %w", s.mapErr(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Lexeme{}, fmt.Errorf("lexeme %d: %w", lx.ID, internalerr.ErrNotFound)
		}
		return lx, nil
	}

	err := s.db.QueryRowContext(ctx, s.q(`
INSERT INTO lexemes (owner_id, lang, term, normalized_term, is_regex, active, priority, weight, item_id, codes, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, lang, normalized_term, is_regex) DO UPDATE SET
	term = excluded.term, active = excluded.active, priority = excluded.priority, weight = excluded.weight,
	item_id = excluded.item_id, codes = excluded.codes, notes = excluded.notes
RETURNING id`), args...).Scan(&lx.ID)
	if err != nil {
		return store.Lexeme{}, fmt.Errorf("upsert lexeme: %w", s.mapErr(err))
	}
	return lx, nil
}

// FindLexeme looks a lexeme up by natural key.
func (s *Store) FindLexeme(ctx context.Context, key store.LexemeKey) (store.Lexeme, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+lexemeColumns+` FROM lexemes
WHERE owner_id = ? AND lang = ? AND normalized_term = ? AND is_regex = ?`),
		store.OwnerKey(key.Owner), strings.ToLower(key.Lang), key.NormalizedTerm, key.IsRegex)
	lx, err := scanLexeme(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Lexeme{}, false, nil
	}
	if err != nil {
		return store.Lexeme{}, false, fmt.Errorf("find lexeme: %w", err)
	}
	return lx, true, nil
}

func dictWhere(f store.DictFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Lang != "" {
		clauses = append(clauses, "lang = ?")
		args = append(args, strings.ToLower(f.Lang))
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active = ?")
		args = append(args, true)
	}
	if len(f.Owners) > 0 {
		clauses = append(clauses, "(owner_id = 0 OR owner_id IN ("+placeholders(len(f.Owners))+"))")
		args = append(args, int64Args(f.Owners)...)
	} else {
		clauses = append(clauses, "owner_id = 0")
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListLexemes returns lexemes matching f ordered by ID.
func (s *Store) ListLexemes(ctx context.Context, f store.DictFilter) ([]store.Lexeme, error) {
	where, args := dictWhere(f)
	list, err := queryMany(ctx, s.db, s.q(`SELECT `+lexemeColumns+` FROM lexemes`+where+` ORDER BY id`), args, scanLexeme)
	if err != nil {
		return nil, fmt.Errorf("list lexemes: %w", err)
	}
	return list, nil
}

const cueColumns = `id, owner_id, lang, cue, normalized_cue, is_regex, window_before, window_after, active`

func scanCue(sc scanner) (store.Cue, error) {
	var (
		c     store.Cue
		owner int64
	)
	err := sc.Scan(&c.ID, &owner, &c.Lang, &c.Cue, &c.NormalizedCue, &c.IsRegex, &c.WindowBefore, &c.WindowAfter, &c.Active)
	if err != nil {
		return store.Cue{}, err
	}
	c.Owner = store.OwnerFromKey(owner)
	return c, nil
}

// UpsertCue inserts or updates a negation cue by natural key.
func (s *Store) UpsertCue(ctx context.Context, c store.Cue) (store.Cue, error) {
	c = store.PrepareCue(c)
	if c.NormalizedCue == "" || c.Lang == "" {
		return store.Cue{}, fmt.Errorf("cue and lang: %w", internalerr.ErrInvalidInput)
	}
	err := s.db.QueryRowContext(ctx, s.q(`
INSERT INTO negation_cues (owner_id, lang, cue, normalized_cue, is_regex, window_before, window_after, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, lang, normalized_cue, is_regex) DO UPDATE SET
	cue = excluded.cue, window_before = excluded.window_before, window_after = excluded.window_after, active = excluded.active
RETURNING id`),
		store.OwnerKey(c.Owner), c.Lang, c.Cue, c.NormalizedCue, c.IsRegex, c.WindowBefore, c.WindowAfter, c.Active).Scan(&c.ID)
	if err != nil {
		return store.Cue{}, fmt.Errorf("upsert cue: %w", s.mapErr(err))
	}
	return c, nil
}

// ListCues returns cues matching f ordered by ID.
func (s *Store) ListCues(ctx context.Context, f store.DictFilter) ([]store.Cue, error) {
	where, args := dictWhere(f)
	list, err := queryMany(ctx, s.db, s.q(`SELECT `+cueColumns+` FROM negation_cues`+where+` ORDER BY id`), args, scanCue)
	if err != nil {
		return nil, fmt.Errorf("list cues: %w", err)
	}
	return list, nil
}

const subjectColumns = `id, owner_id, name, description, identifiers, item_ids, extra_codes,
	manual_override, manual_codes, generated_codes, codes_updated_at`

func scanSubject(sc scanner) (store.Subject, error) {
	var (
		sub                                   store.Subject
		idents, items, extra, manual, updated string
	)
	err := sc.Scan(&sub.ID, &sub.Owner, &sub.Name, &sub.Description, &idents, &items, &extra,
		&sub.ManualOverride, &manual, &sub.GeneratedCodes, &updated)
	if err != nil {
		return store.Subject{}, err
	}
	sub.Identifiers = decodeStrings(idents)
	sub.ItemIDs = decodeIDs(items)
	sub.ExtraCodes = decodeStrings(extra)
	sub.ManualCodes = decodeStrings(manual)
	sub.CodesUpdatedAt = parseTime(updated)
	return sub, nil
}

// UpsertSubject inserts a subject or replaces the one with the same ID.
func (s *Store) UpsertSubject(ctx context.Context, sub store.Subject) (store.Subject, error) {
	if strings.TrimSpace(sub.Name) == "" {
		return store.Subject{}, fmt.Errorf("subject name: %w", internalerr.ErrInvalidInput)
	}
	sub.ExtraCodes = codes.NewSet(sub.ExtraCodes...).Sorted()
	args := []any{sub.Owner, sub.Name, sub.Description, encodeStrings(sub.Identifiers), encodeIDs(sub.ItemIDs),
		encodeStrings(sub.ExtraCodes), sub.ManualOverride, encodeStrings(sub.ManualCodes), sub.GeneratedCodes,
		formatTime(sub.CodesUpdatedAt)}

	if sub.ID != 0 {
		res, err := s.db.ExecContext(ctx, s.q(`
UPDATE subjects SET owner_id = ?, name = ?, description = ?, identifiers = ?, item_ids = ?, extra_codes = ?,
	manual_override = ?, manual_codes = ?, generated_codes = ?, codes_updated_at = ?
WHERE id = ?`), append(args, sub.ID)...)
		if err != nil {
			return store.Subject{}, fmt.Errorf("update subject: %w", s.mapErr(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Subject{}, fmt.Errorf("subject %d: %w", sub.ID, internalerr.ErrNotFound)
		}
		return sub, nil
	}
	err := s.db.QueryRowContext(ctx, s.q(`
INSERT INTO subjects (owner_id, name, description, identifiers, item_ids, extra_codes,
	manual_override, manual_codes, generated_codes, codes_updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`), args...).Scan(&sub.ID)
	if err != nil {
		return store.Subject{}, fmt.Errorf("insert subject: %w", s.mapErr(err))
	}
	return sub, nil
}

// GetSubjects returns subjects for ids in ascending ID order, skipping unknown ids.
func (s *Store) GetSubjects(ctx context.Context, ids []int64) ([]store.Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	list, err := queryMany(ctx, s.db,
		s.q(`SELECT `+subjectColumns+` FROM subjects WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`),
		int64Args(ids), scanSubject)
	if err != nil {
		return nil, fmt.Errorf("get subjects: %w", err)
	}
	return list, nil
}

// ListSubjectsByOwner returns every subject of owner.
func (s *Store) ListSubjectsByOwner(ctx context.Context, owner int64) ([]store.Subject, error) {
	list, err := queryMany(ctx, s.db,
		s.q(`SELECT `+subjectColumns+` FROM subjects WHERE owner_id = ? ORDER BY id`), []any{owner}, scanSubject)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return list, nil
}

// UpdateSubjectCodes stores a new code summary, optionally clearing the
// manual override in the same statement.
func (s *Store) UpdateSubjectCodes(ctx context.Context, u store.CodeUpdate) error {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	query := `UPDATE subjects SET generated_codes = ?, codes_updated_at = ? WHERE id = ?`
	args := []any{u.Codes, formatTime(at), u.SubjectID}
	if u.ClearOverride {
		query = `UPDATE subjects SET generated_codes = ?, codes_updated_at = ?, manual_override = ?, manual_codes = ? WHERE id = ?`
		args = []any{u.Codes, formatTime(at), false, "[]", u.SubjectID}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("update subject codes: %w", s.mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subject %d: %w", u.SubjectID, internalerr.ErrNotFound)
	}
	return nil
}

// SetSubjectManualCodes marks the subject as manually curated.
func (s *Store) SetSubjectManualCodes(ctx context.Context, id int64, list []string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subjects SET manual_override = ?, manual_codes = ? WHERE id = ?`),
		true, encodeStrings(codes.NewSet(list...).Sorted()), id)
	if err != nil {
		return fmt.Errorf("set manual codes: %w", s.mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subject %d: %w", id, internalerr.ErrNotFound)
	}
	return nil
}

const recordColumns = `id, subject_id, code, source, confidence, rationale, confirmed, created_by, created_at`

func scanRecord(sc scanner) (store.Record, error) {
	var (
		r       store.Record
		by      sql.NullInt64
		created string
	)
	if err := sc.Scan(&r.ID, &r.SubjectID, &r.Code, &r.Source, &r.Confidence, &r.Rationale, &r.Confirmed, &by, &created); err != nil {
		return store.Record{}, err
	}
	r.CreatedBy = idPtr(by)
	r.CreatedAt = parseTime(created)
	return r, nil
}

// InsertRecord appends a provenance record. A second record for the same
// (subject, code) yields internalerr.ErrDuplicate.
func (s *Store) InsertRecord(ctx context.Context, r store.Record) (store.Record, error) {
	r.Code = codes.Canonical(r.Code)
	if r.SubjectID == 0 || r.Code == "" {
		return store.Record{}, fmt.Errorf("record subject and code: %w", internalerr.ErrInvalidInput)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.q(`
INSERT INTO provenance (subject_id, code, source, confidence, rationale, confirmed, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		r.SubjectID, r.Code, r.Source, r.Confidence, r.Rationale, r.Confirmed, nullID(r.CreatedBy), formatTime(r.CreatedAt)).Scan(&r.ID)
	if err != nil {
		return store.Record{}, fmt.Errorf("insert record: %w", s.mapErr(err))
	}
	return r, nil
}

// ListRecords returns the records of one subject ordered by ID.
func (s *Store) ListRecords(ctx context.Context, subjectID int64) ([]store.Record, error) {
	list, err := queryMany(ctx, s.db,
		s.q(`SELECT `+recordColumns+` FROM provenance WHERE subject_id = ? ORDER BY id`), []any{subjectID}, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return list, nil
}

// ConfirmRecords sets the confirmation flag and returns how many rows changed.
func (s *Store) ConfirmRecords(ctx context.Context, ids []int64, confirmed bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) (int, error) {
		args := append([]any{confirmed, confirmed}, int64Args(ids)...)
		res, err := tx.ExecContext(ctx, s.q(`UPDATE provenance SET confirmed = ?
WHERE confirmed <> ? AND id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return 0, fmt.Errorf("confirm records: %w", err)
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}

// DeleteRecord removes a record.
func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM provenance WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %d: %w", id, internalerr.ErrNotFound)
	}
	return nil
}
