package infer

import (
	"context"
	"errors"
	"testing"

	"github.com/cognicore/allergo/pkg/allergo/codes"
	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/provenance"
	"github.com/cognicore/allergo/pkg/allergo/store"
	"github.com/cognicore/allergo/pkg/allergo/store/memstore"
)

type fixture struct {
	st   *memstore.Store
	orch *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	for _, c := range []store.Code{
		{Code: "A", LabelDE: "Gluten"},
		{Code: "G", LabelDE: "Milch"},
		{Code: "I", LabelDE: "Sellerie"},
		{Code: "K", LabelDE: "Sesam"},
	} {
		if err := st.UpsertCode(ctx, c); err != nil {
			t.Fatalf("UpsertCode: %v", err)
		}
	}
	for _, lx := range []store.Lexeme{
		{Lang: "de", Term: "Weizenmehl", Active: true, Codes: []string{"A"}},
		{Lang: "de", Term: "Mozzarella", Active: true, Codes: []string{"G"}},
		{Lang: "de", Term: "Sesam", Active: true, Codes: []string{"K"}},
		{Lang: "de", Term: "Sellerie", Active: true, Codes: []string{"I"}},
	} {
		if _, err := st.UpsertLexeme(ctx, lx); err != nil {
			t.Fatalf("UpsertLexeme: %v", err)
		}
	}
	orch := New(st, dictionary.NewResolver(st, nil), provenance.New(st, nil), Options{})
	return &fixture{st: st, orch: orch}
}

func (f *fixture) subject(t *testing.T, s store.Subject) store.Subject {
	t.Helper()
	if s.Owner == 0 {
		s.Owner = 1
	}
	saved, err := f.st.UpsertSubject(context.Background(), s)
	if err != nil {
		t.Fatalf("UpsertSubject: %v", err)
	}
	return saved
}

func (f *fixture) reload(t *testing.T, id int64) store.Subject {
	t.Helper()
	list, err := f.st.GetSubjects(context.Background(), []int64{id})
	if err != nil || len(list) != 1 {
		t.Fatalf("GetSubjects(%d) = %v, %v", id, list, err)
	}
	return list[0]
}

func TestInferWritesCodesAndProvenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pizza := f.subject(t, store.Subject{Name: "Pizza", Description: "<p>mit Weizenmehl und <b>Mozzarella</b></p>"})

	sum, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{pizza.ID}, Lang: "DE"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sum.Processed != 1 || sum.Changed != 1 || sum.RecordsCreated != 2 || sum.Lang != "de" {
		t.Fatalf("summary = %+v", sum)
	}
	if it := sum.Items[0]; it.After != "(A,G)" || it.Action != ActionChanged {
		t.Fatalf("item = %+v", it)
	}
	if got := f.reload(t, pizza.ID).GeneratedCodes; got != "(A,G)" {
		t.Fatalf("stored codes = %q", got)
	}

	first, _ := f.st.ListRecords(ctx, pizza.ID)
	sum, err = f.orch.Infer(ctx, Request{SubjectIDs: []int64{pizza.ID}, Lang: "de"})
	if err != nil {
		t.Fatalf("second Infer: %v", err)
	}
	second, _ := f.st.ListRecords(ctx, pizza.ID)
	if len(first) != len(second) || sum.RecordsCreated != 0 {
		t.Fatalf("records %d -> %d, created %d", len(first), len(second), sum.RecordsCreated)
	}
	if it := sum.Items[0]; it.Action != ActionUnchanged || sum.Changed != 0 {
		t.Fatalf("second run item = %+v", it)
	}
}

func TestNegatedTermsAreSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	salad := f.subject(t, store.Subject{Name: "Salat ohne Sesam"})
	soup := f.subject(t, store.Subject{Name: "Weizenmehl-Suppe ohne Sellerie"})

	sum, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{salad.ID, soup.ID}, Lang: "de", DryRun: true})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sum.Items[0].After != "" || sum.MissingAfterRules != 1 || len(sum.Missing) != 1 || sum.Missing[0] != salad.ID {
		t.Fatalf("salad: %+v", sum)
	}
	if got := codes.Parse(sum.Items[1].After); got.Has("I") || !got.Has("A") {
		t.Fatalf("soup codes = %q", sum.Items[1].After)
	}
}

func TestManualOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subject(t, store.Subject{Name: "Pizza mit Mozzarella", GeneratedCodes: "(K)"})
	if err := f.st.SetSubjectManualCodes(ctx, sub.ID, []string{"K"}); err != nil {
		t.Fatalf("SetSubjectManualCodes: %v", err)
	}

	sum, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{sub.ID}, Lang: "de"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	it := sum.Items[0]
	if !it.Skipped || it.Action != ActionSkipManual || sum.Skipped != 1 || sum.Changed != 0 {
		t.Fatalf("item = %+v", it)
	}
	if got := f.reload(t, sub.ID); got.GeneratedCodes != "(K)" || !got.ManualOverride {
		t.Fatalf("manual subject mutated: %+v", got)
	}
	if recs, _ := f.st.ListRecords(ctx, sub.ID); len(recs) != 0 {
		t.Fatalf("records written for manual subject: %d", len(recs))
	}

	sum, _ = f.orch.Infer(ctx, Request{SubjectIDs: []int64{sub.ID}, Lang: "de", Force: true, DryRun: true})
	if sum.Items[0].Action != ActionWouldOverrideManual {
		t.Fatalf("dry-run forced action = %q", sum.Items[0].Action)
	}

	sum, err = f.orch.Infer(ctx, Request{SubjectIDs: []int64{sub.ID}, Lang: "de", Force: true})
	if err != nil {
		t.Fatalf("forced Infer: %v", err)
	}
	got := f.reload(t, sub.ID)
	if got.ManualOverride || got.ManualCodes != nil || got.GeneratedCodes != "(G)" {
		t.Fatalf("forced subject = %+v", got)
	}
	if sum.Items[0].Action != ActionChanged || sum.RecordsCreated != 1 {
		t.Fatalf("forced summary = %+v", sum)
	}
}

func TestDryRunDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subject(t, store.Subject{Name: "Mozzarella Sticks"})

	sum, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{sub.ID}, Lang: "de", DryRun: true, IncludeDetails: true})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	it := sum.Items[0]
	if it.Action != ActionWouldChange || it.After != "(G)" || !sum.DryRun || sum.Changed != 1 {
		t.Fatalf("item = %+v", it)
	}
	if it.Details == nil || it.Details.ExplanationDE != "Enthält Milch." || len(it.Details.Dictionary["G"]) != 1 {
		t.Fatalf("details = %+v", it.Details)
	}
	if got := f.reload(t, sub.ID).GeneratedCodes; got != "" {
		t.Fatalf("dry run wrote %q", got)
	}
	if recs, _ := f.st.ListRecords(ctx, sub.ID); len(recs) != 0 {
		t.Fatal("dry run wrote provenance")
	}
}

func TestValidationAndMissingSubjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, req := range []Request{
		{Lang: "de"},
		{SubjectIDs: []int64{1, -2}, Lang: "de"},
		{SubjectIDs: []int64{1}},
	} {
		if _, err := f.orch.Infer(ctx, req); !errors.Is(err, internalerr.ErrInvalidInput) {
			t.Errorf("Infer(%+v) error = %v", req, err)
		}
	}

	sum, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{404}, Lang: "de"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sum.Errors != 1 || sum.Processed != 0 || sum.Items[0].Action != ActionError {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestExplainDE(t *testing.T) {
	labels := map[string]string{"A": "Gluten", "G": "Milch", "K": "Sesam"}
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"G"}, "Enthält Milch."},
		{[]string{"K", "A"}, "Enthält Gluten und Sesam."},
		{[]string{"A", "G", "K", "3"}, "Enthält Gluten, Milch und Sesam."},
	}
	for _, tc := range tests {
		if got := ExplainDE(codes.NewSet(tc.in...), labels); got != tc.want {
			t.Errorf("ExplainDE(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// failingRecords accepts everything except provenance inserts.
type failingRecords struct {
	*memstore.Store
}

func (failingRecords) InsertRecord(context.Context, store.Record) (store.Record, error) {
	return store.Record{}, errors.New("disk full")
}

func TestRecordFailureIsReportedOnItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bread := f.subject(t, store.Subject{Name: "Brot", Description: "mit Weizenmehl"})

	st := failingRecords{f.st}
	orch := New(st, dictionary.NewResolver(st, nil), provenance.New(st, nil), Options{})
	sum, err := orch.Infer(ctx, Request{SubjectIDs: []int64{bread.ID}, Lang: "de"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sum.Errors != 1 || sum.RecordsCreated != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	it := sum.Items[0]
	if it.After != "(A)" || it.Action != ActionChanged || it.Error == "" {
		t.Fatalf("item = %+v, want written codes with a provenance error", it)
	}
	if got := f.reload(t, bread.ID).GeneratedCodes; got != "(A)" {
		t.Fatalf("stored codes = %q", got)
	}
}

func TestRecordsOutliveTheirRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bread := f.subject(t, store.Subject{Name: "Brot", Description: "mit Weizenmehl"})

	if _, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{bread.ID}, Lang: "de"}); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	before, err := f.st.ListRecords(ctx, bread.ID)
	if err != nil || len(before) != 1 || before[0].Code != "A" {
		t.Fatalf("records = %+v, %v", before, err)
	}

	bread.Description = "mit Roggenschrot"
	f.subject(t, bread)
	sum, err := f.orch.Infer(ctx, Request{SubjectIDs: []int64{bread.ID}, Lang: "de"})
	if err != nil {
		t.Fatalf("second Infer: %v", err)
	}
	if sum.RecordsCreated != 0 || sum.Items[0].After != "" {
		t.Fatalf("summary = %+v", sum)
	}
	after, err := f.st.ListRecords(ctx, bread.ID)
	if err != nil || len(after) != 1 || after[0].ID != before[0].ID || after[0].Source != store.SourceTextMatch {
		t.Fatalf("records after rule stopped firing = %+v, %v", after, err)
	}
}
