// Package storetest holds behaviour checks shared by every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Run exercises st against the store.Store contract. st must be empty.
func Run(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("codes", func(t *testing.T) { testCodes(ctx, t, st) })
	t.Run("lexemes", func(t *testing.T) { testLexemes(ctx, t, st) })
	t.Run("cues", func(t *testing.T) { testCues(ctx, t, st) })
	t.Run("subjects", func(t *testing.T) { testSubjects(ctx, t, st) })
	t.Run("records", func(t *testing.T) { testRecords(ctx, t, st) })
}

func ptr(v int64) *int64 { return &v }

func testCodes(ctx context.Context, t *testing.T, st store.Store) {
	for _, c := range []store.Code{
		{Code: "g", LabelDE: "Milch"},
		{Code: "3", LabelDE: "Antioxidationsmittel"},
		{Code: "A", LabelDE: "Gluten"},
		{Code: "11", LabelDE: "Süßungsmittel"},
	} {
		if err := st.UpsertCode(ctx, c); err != nil {
			t.Fatalf("UpsertCode(%s): %v", c.Code, err)
		}
	}
	list, err := st.ListCodes(ctx)
	if err != nil {
		t.Fatalf("ListCodes: %v", err)
	}
	var got []string
	for _, c := range list {
		got = append(got, c.Code)
	}
	if want := []string{"A", "G", "3", "11"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("codes order = %v, want %v", got, want)
	}
	if list[1].Kind != "primary" || list[2].Kind != "secondary" {
		t.Fatalf("unexpected kinds: %+v", list)
	}
}

func testLexemes(ctx context.Context, t *testing.T, st store.Store) {
	item, err := st.UpsertItem(ctx, store.Item{Owner: ptr(7), Name: "Mozzarella", Codes: []string{"g"}})
	if err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	again, err := st.UpsertItem(ctx, store.Item{Owner: ptr(7), Name: "mozzarella", Codes: []string{"G", "1"}})
	if err != nil {
		t.Fatalf("UpsertItem again: %v", err)
	}
	if again.ID != item.ID {
		t.Fatalf("item natural key not honoured: %d vs %d", again.ID, item.ID)
	}

	global, err := st.UpsertLexeme(ctx, store.Lexeme{Lang: "DE", Term: "  Käse ", Active: true, Codes: []string{"g"}})
	if err != nil {
		t.Fatalf("UpsertLexeme: %v", err)
	}
	if global.NormalizedTerm != "kase" || global.Lang != "de" {
		t.Fatalf("derived fields not set: %+v", global)
	}
	dup, err := st.UpsertLexeme(ctx, store.Lexeme{Lang: "de", Term: "KÄSE", Active: true, Codes: []string{"G"}})
	if err != nil {
		t.Fatalf("UpsertLexeme dup: %v", err)
	}
	if dup.ID != global.ID {
		t.Fatalf("global lexeme duplicated: %d vs %d", dup.ID, global.ID)
	}
	owned, err := st.UpsertLexeme(ctx, store.Lexeme{Owner: ptr(7), Lang: "de", Term: "mozzarella", Active: true, ItemID: &item.ID})
	if err != nil {
		t.Fatalf("UpsertLexeme owned: %v", err)
	}
	if _, err := st.UpsertLexeme(ctx, store.Lexeme{Owner: ptr(8), Lang: "de", Term: "fremd", Active: true}); err != nil {
		t.Fatalf("UpsertLexeme other owner: %v", err)
	}
	if _, err := st.UpsertLexeme(ctx, store.Lexeme{Lang: "de", Term: "alt", Active: false}); err != nil {
		t.Fatalf("UpsertLexeme inactive: %v", err)
	}
	if _, err := st.UpsertLexeme(ctx, store.Lexeme{Lang: "de", Term: " "}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank term, got %v", err)
	}

	list, err := st.ListLexemes(ctx, store.DictFilter{Lang: "De", Owners: []int64{7}, ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListLexemes: %v", err)
	}
	if len(list) != 2 || list[0].ID != global.ID || list[1].ID != owned.ID {
		t.Fatalf("unexpected visible lexemes: %+v", list)
	}
	if list[1].ItemID == nil || *list[1].ItemID != item.ID {
		t.Fatalf("item link lost: %+v", list[1])
	}

	found, ok, err := st.FindLexeme(ctx, store.LexemeKey{Lang: "de", NormalizedTerm: "kase"})
	if err != nil || !ok || found.ID != global.ID {
		t.Fatalf("FindLexeme = %+v, %v, %v", found, ok, err)
	}
	if _, ok, _ := st.FindLexeme(ctx, store.LexemeKey{Owner: ptr(7), Lang: "de", NormalizedTerm: "kase"}); ok {
		t.Fatal("owner-scoped lookup must not return the global row")
	}
}

func testCues(ctx context.Context, t *testing.T, st store.Store) {
	c, err := st.UpsertCue(ctx, store.Cue{Lang: "de", Cue: "Frei von", Active: true})
	if err != nil {
		t.Fatalf("UpsertCue: %v", err)
	}
	if c.WindowBefore != 3 || c.WindowAfter != 2 || c.NormalizedCue != "frei von" {
		t.Fatalf("cue defaults not applied: %+v", c)
	}
	list, err := st.ListCues(ctx, store.DictFilter{Lang: "de", ActiveOnly: true})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListCues = %+v, %v", list, err)
	}
}

func testSubjects(ctx context.Context, t *testing.T, st store.Store) {
	sub, err := st.UpsertSubject(ctx, store.Subject{
		Owner:       7,
		Name:        "Pizza",
		Description: "mit Käse",
		Identifiers: []string{"P1"},
		ItemIDs:     []int64{3, 4},
		ExtraCodes:  []string{"f"},
	})
	if err != nil {
		t.Fatalf("UpsertSubject: %v", err)
	}
	if err := st.SetSubjectManualCodes(ctx, sub.ID, []string{"A"}); err != nil {
		t.Fatalf("SetSubjectManualCodes: %v", err)
	}
	got, err := st.GetSubjects(ctx, []int64{sub.ID, 99999})
	if err != nil || len(got) != 1 {
		t.Fatalf("GetSubjects = %+v, %v", got, err)
	}
	if !got[0].ManualOverride || !reflect.DeepEqual(got[0].ManualCodes, []string{"A"}) {
		t.Fatalf("manual codes not stored: %+v", got[0])
	}
	if !reflect.DeepEqual(got[0].ItemIDs, []int64{3, 4}) || !reflect.DeepEqual(got[0].ExtraCodes, []string{"F"}) {
		t.Fatalf("subject lists not stored: %+v", got[0])
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := st.UpdateSubjectCodes(ctx, store.CodeUpdate{SubjectID: sub.ID, Codes: "(A,G)", ClearOverride: true, At: at}); err != nil {
		t.Fatalf("UpdateSubjectCodes: %v", err)
	}
	got, _ = st.GetSubjects(ctx, []int64{sub.ID})
	if got[0].GeneratedCodes != "(A,G)" || got[0].ManualOverride || len(got[0].ManualCodes) != 0 {
		t.Fatalf("update not applied: %+v", got[0])
	}
	if !got[0].CodesUpdatedAt.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", got[0].CodesUpdatedAt, at)
	}
	if err := st.UpdateSubjectCodes(ctx, store.CodeUpdate{SubjectID: 99999, Codes: "(A)"}); !errors.Is(err, internalerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	owned, err := st.ListSubjectsByOwner(ctx, 7)
	if err != nil || len(owned) != 1 {
		t.Fatalf("ListSubjectsByOwner = %+v, %v", owned, err)
	}
}

func testRecords(ctx context.Context, t *testing.T, st store.Store) {
	sub, err := st.UpsertSubject(ctx, store.Subject{Owner: 9, Name: "Salat"})
	if err != nil {
		t.Fatalf("UpsertSubject: %v", err)
	}
	rec, err := st.InsertRecord(ctx, store.Record{SubjectID: sub.ID, Code: "k", Source: store.SourceTextMatch, Confidence: 0.9})
	if err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if rec.Code != "K" || rec.CreatedAt.IsZero() {
		t.Fatalf("record not canonicalized: %+v", rec)
	}
	_, err = st.InsertRecord(ctx, store.Record{SubjectID: sub.ID, Code: "K", Source: store.SourceManual, Confidence: 1})
	if !errors.Is(err, internalerr.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	n, err := st.ConfirmRecords(ctx, []int64{rec.ID}, true)
	if err != nil || n != 1 {
		t.Fatalf("ConfirmRecords = %d, %v", n, err)
	}
	list, err := st.ListRecords(ctx, sub.ID)
	if err != nil || len(list) != 1 || !list[0].Confirmed || list[0].Source != store.SourceTextMatch {
		t.Fatalf("ListRecords = %+v, %v", list, err)
	}
	if err := st.DeleteRecord(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := st.DeleteRecord(ctx, rec.ID); !errors.Is(err, internalerr.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
