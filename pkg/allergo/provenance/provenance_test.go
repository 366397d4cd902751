package provenance

import (
	"context"
	"errors"
	"testing"

	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/match"
	"github.com/cognicore/allergo/pkg/allergo/normalize"
	"github.com/cognicore/allergo/pkg/allergo/store"
	"github.com/cognicore/allergo/pkg/allergo/store/memstore"
)

func setup(t *testing.T) (*memstore.Store, store.Subject) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	for _, c := range []string{"A", "G", "N", "3"} {
		if err := st.UpsertCode(ctx, store.Code{Code: c}); err != nil {
			t.Fatalf("UpsertCode: %v", err)
		}
	}
	sub, err := st.UpsertSubject(ctx, store.Subject{Owner: 1, Name: "Pizza"})
	if err != nil {
		t.Fatalf("UpsertSubject: %v", err)
	}
	return st, sub
}

func pizzaResult() match.Result {
	lex := []store.Lexeme{
		store.PrepareLexeme(store.Lexeme{ID: 1, Lang: "de", Term: "Käse", Active: true, Codes: []string{"G"}}),
		store.PrepareLexeme(store.Lexeme{ID: 2, Lang: "de", Term: "Trüffel", Active: true, Codes: []string{"X"}}),
	}
	m := match.New(&dictionary.Lexicon{Lang: "de", Lexemes: lex}, match.Options{})
	items := []store.Item{{ID: 9, Name: "Teig", Codes: []string{"A"}}}
	return m.Match(store.Subject{}, items, normalize.Text("Pizza mit Käse und Trüffel"))
}

func TestRecordCreatesOncePerCode(t *testing.T) {
	ctx := context.Background()
	st, sub := setup(t)
	rec := New(st, nil)
	res := pizzaResult()

	n, err := rec.Record(ctx, sub, res, false, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	// X is not in the catalog
	if n != 2 {
		t.Fatalf("created = %d, want 2", n)
	}
	again, err := rec.Record(ctx, sub, res, false, nil)
	if err != nil || again != 0 {
		t.Fatalf("second Record = %d, %v", again, err)
	}

	recs, _ := st.ListRecords(ctx, sub.ID)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	byCode := map[string]store.Record{}
	for _, r := range recs {
		byCode[r.Code] = r
	}
	if r := byCode["A"]; r.Source != store.SourceStructured || r.Confidence != ConfidenceStructured || r.Rationale != "Ingredient: Teig → A" {
		t.Fatalf("A record = %+v", r)
	}
	if r := byCode["G"]; r.Source != store.SourceTextMatch || r.Confidence != ConfidenceTextMatch {
		t.Fatalf("G record = %+v", r)
	}
}

func TestRecordSkipsManualOverride(t *testing.T) {
	ctx := context.Background()
	st, sub := setup(t)
	sub.ManualOverride = true
	rec := New(st, nil)

	if n, err := rec.Record(ctx, sub, pizzaResult(), false, nil); err != nil || n != 0 {
		t.Fatalf("Record = %d, %v", n, err)
	}
	if n, err := rec.Record(ctx, sub, pizzaResult(), true, nil); err != nil || n != 2 {
		t.Fatalf("forced Record = %d, %v", n, err)
	}
}

func TestRationaleKeepsThreeReasons(t *testing.T) {
	got := Rationale([]string{"a", "b", "c", "d"})
	if got != "a; b; c" {
		t.Fatalf("Rationale = %q", got)
	}
	if Rationale(nil) != "" {
		t.Fatal("empty rationale expected")
	}
}

func TestAddManual(t *testing.T) {
	ctx := context.Background()
	st, sub := setup(t)
	rec := New(st, nil)

	if _, err := rec.AddManual(ctx, sub.ID, []string{"A", "Z"}, true, nil); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Fatalf("unknown code error = %v", err)
	}
	n, err := rec.AddManual(ctx, sub.ID, []string{"a", "3"}, false, nil)
	if err != nil || n != 2 {
		t.Fatalf("AddManual = %d, %v", n, err)
	}
	n, err = rec.AddManual(ctx, sub.ID, []string{"A", "G"}, true, nil)
	if err != nil || n != 1 {
		t.Fatalf("second AddManual = %d, %v", n, err)
	}

	recs, _ := st.ListRecords(ctx, sub.ID)
	for _, r := range recs {
		switch r.Code {
		case "A", "3":
			if r.Confidence != ConfidenceManualPending || r.Confirmed {
				t.Errorf("%s = %+v", r.Code, r)
			}
		case "G":
			if r.Confidence != ConfidenceManual || !r.Confirmed || r.Rationale != "Manual entry" {
				t.Errorf("G = %+v", r)
			}
		}
	}

	ids := []int64{recs[0].ID}
	if n, err := rec.Confirm(ctx, ids, true); err != nil || n != 1 {
		t.Fatalf("Confirm = %d, %v", n, err)
	}
	if err := rec.Delete(ctx, recs[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if left, _ := st.ListRecords(ctx, sub.ID); len(left) != 2 {
		t.Fatalf("records after delete = %d", len(left))
	}
}

func TestAddSuggestionCapsConfidence(t *testing.T) {
	ctx := context.Background()
	st, sub := setup(t)
	rec := New(st, nil)

	ok, err := rec.AddSuggestion(ctx, sub.ID, "n", 0.95, "llm", nil)
	if err != nil || !ok {
		t.Fatalf("AddSuggestion = %v, %v", ok, err)
	}
	recs, _ := st.ListRecords(ctx, sub.ID)
	if len(recs) != 1 || recs[0].Confidence != MaxSuggestionConfidence || recs[0].Source != store.SourceExternal || recs[0].Confirmed {
		t.Fatalf("records = %+v", recs)
	}
	if ok, err := rec.AddSuggestion(ctx, sub.ID, "N", 0.3, "llm", nil); err != nil || ok {
		t.Fatalf("duplicate AddSuggestion = %v, %v", ok, err)
	}
}

// racingStore reports no existing records, so every insert collides with
// what a concurrent writer already stored.
type racingStore struct {
	*memstore.Store
}

func (racingStore) ListRecords(context.Context, int64) ([]store.Record, error) { return nil, nil }

func TestDuplicateInsertIsNoop(t *testing.T) {
	ctx := context.Background()
	st, sub := setup(t)
	if _, err := New(st, nil).Record(ctx, sub, pizzaResult(), false, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	n, err := New(racingStore{st}, nil).Record(ctx, sub, pizzaResult(), false, nil)
	if err != nil || n != 0 {
		t.Fatalf("racing Record = %d, %v", n, err)
	}
}
