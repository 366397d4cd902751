// Package provenance writes the append-only records that explain why a code
// is attached to a subject.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/match"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Confidence per source.
const (
	ConfidenceStructured    = 0.98
	ConfidenceTextMatch     = 0.90
	ConfidenceManual        = 1.0
	ConfidenceManualPending = 0.8
	MaxSuggestionConfidence = 0.5
	maxRationaleReasons     = 3
	manualRationale         = "Manual entry"
)

// Store is the slice of store.Store the recorder needs.
type Store interface {
	ListCodes(ctx context.Context) ([]store.Code, error)
	ListRecords(ctx context.Context, subjectID int64) ([]store.Record, error)
	InsertRecord(ctx context.Context, r store.Record) (store.Record, error)
	ConfirmRecords(ctx context.Context, ids []int64, confirmed bool) (int, error)
	DeleteRecord(ctx context.Context, id int64) error
}

// Recorder inserts provenance records. It never updates or deletes a record
// except through Confirm and Delete.
type Recorder struct {
	st  Store
	log *zap.Logger
	now func() time.Time

	mu      sync.RWMutex
	catalog codes.Set
}

// New creates a recorder. log may be nil.
func New(st Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{st: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Refresh reloads the code catalog. Record loads it on first use.
func (r *Recorder) Refresh(ctx context.Context) error {
	list, err := r.st.ListCodes(ctx)
	if err != nil {
		return fmt.Errorf("load code catalog: %w", err)
	}
	set := make(codes.Set, len(list))
	for _, c := range list {
		set.Add(c.Code)
	}
	r.mu.Lock()
	r.catalog = set
	r.mu.Unlock()
	return nil
}

func (r *Recorder) known(ctx context.Context) (codes.Set, error) {
	r.mu.RLock()
	cat := r.catalog
	r.mu.RUnlock()
	if cat != nil {
		return cat, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog, nil
}

// Record inserts one record per resolved code that the subject does not
// have yet and returns how many were created. Subjects under manual
// override are left alone unless force is set.
func (r *Recorder) Record(ctx context.Context, sub store.Subject, res match.Result, force bool, createdBy *int64) (int, error) {
	if sub.ManualOverride && !force {
		return 0, nil
	}
	if len(res.Codes) == 0 {
		return 0, nil
	}
	catalog, err := r.known(ctx)
	if err != nil {
		return 0, err
	}
	existing, err := r.existing(ctx, sub.ID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, code := range res.Codes.Sorted() {
		if !catalog.Has(code) || existing.Has(code) {
			continue
		}
		source, conf := store.SourceTextMatch, ConfidenceTextMatch
		if res.FromItems.Has(code) {
			source, conf = store.SourceStructured, ConfidenceStructured
		}
		ok, err := r.insert(ctx, store.Record{
			SubjectID:  sub.ID,
			Code:       code,
			Source:     source,
			Confidence: conf,
			Rationale:  Rationale(res.ReasonStrings(code)),
			CreatedBy:  createdBy,
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// AddManual attaches codes entered by an operator. Every code must exist in
// the catalog. Codes already recorded for the subject are left untouched.
func (r *Recorder) AddManual(ctx context.Context, subjectID int64, list []string, confirmed bool, createdBy *int64) (int, error) {
	if subjectID <= 0 {
		return 0, fmt.Errorf("subject id %d: %w", subjectID, internalerr.ErrInvalidInput)
	}
	catalog, err := r.known(ctx)
	if err != nil {
		return 0, err
	}
	want := codes.NewSet(list...)
	var unknown []string
	for _, c := range want.Sorted() {
		if !catalog.Has(c) {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return 0, fmt.Errorf("unknown codes %s: %w", strings.Join(unknown, ","), internalerr.ErrInvalidInput)
	}
	existing, err := r.existing(ctx, subjectID)
	if err != nil {
		return 0, err
	}

	conf := ConfidenceManualPending
	if confirmed {
		conf = ConfidenceManual
	}
	created := 0
	for _, code := range want.Sorted() {
		if existing.Has(code) {
			continue
		}
		ok, err := r.insert(ctx, store.Record{
			SubjectID:  subjectID,
			Code:       code,
			Source:     store.SourceManual,
			Confidence: conf,
			Rationale:  manualRationale,
			Confirmed:  confirmed,
			CreatedBy:  createdBy,
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// AddSuggestion stores an external suggestion as an unconfirmed record with
// its confidence capped. It reports whether a record was created.
func (r *Recorder) AddSuggestion(ctx context.Context, subjectID int64, code string, confidence float64, reason string, createdBy *int64) (bool, error) {
	code = codes.Canonical(code)
	catalog, err := r.known(ctx)
	if err != nil {
		return false, err
	}
	if !catalog.Has(code) {
		return false, fmt.Errorf("unknown code %q: %w", code, internalerr.ErrInvalidInput)
	}
	if confidence > MaxSuggestionConfidence {
		confidence = MaxSuggestionConfidence
	}
	if confidence < 0 {
		confidence = 0
	}
	return r.insert(ctx, store.Record{
		SubjectID:  subjectID,
		Code:       code,
		Source:     store.SourceExternal,
		Confidence: confidence,
		Rationale:  reason,
		CreatedBy:  createdBy,
	})
}

// Confirm sets the confirmation flag of the given records.
func (r *Recorder) Confirm(ctx context.Context, ids []int64, confirmed bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.st.ConfirmRecords(ctx, ids, confirmed)
}

// Delete removes one record. This is the only way a record goes away.
func (r *Recorder) Delete(ctx context.Context, id int64) error {
	return r.st.DeleteRecord(ctx, id)
}

// Rationale joins the first few reasons with "; ".
func Rationale(reasons []string) string {
	if len(reasons) > maxRationaleReasons {
		reasons = reasons[:maxRationaleReasons]
	}
	return strings.Join(reasons, "; ")
}

func (r *Recorder) existing(ctx context.Context, subjectID int64) (codes.Set, error) {
	recs, err := r.st.ListRecords(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list records of subject %d: %w", subjectID, err)
	}
	set := make(codes.Set, len(recs))
	for _, rec := range recs {
		set.Add(rec.Code)
	}
	return set, nil
}

// insert treats a duplicate as success without creating anything: a
// concurrent writer got there first.
func (r *Recorder) insert(ctx context.Context, rec store.Record) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if _, err := r.st.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, internalerr.ErrDuplicate) {
			r.log.Debug("provenance record already exists",
				zap.Int64("subject_id", rec.SubjectID), zap.String("code", rec.Code))
			return false, nil
		}
		return false, fmt.Errorf("insert record %d/%s: %w", rec.SubjectID, rec.Code, err)
	}
	return true, nil
}
