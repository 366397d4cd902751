package allergo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/infer"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/jobs"
	"github.com/cognicore/allergo/pkg/allergo/lexicon"
	"github.com/cognicore/allergo/pkg/allergo/store"
	"github.com/cognicore/allergo/pkg/allergo/store/memstore"
)

// fakeModel answers the three prompt kinds. When blockAt is set, that call
// waits until release is closed.
type fakeModel struct {
	mu      sync.Mutex
	calls   int
	blockAt int
	blocked chan struct{}
	release chan struct{}
}

func (f *fakeModel) Call(ctx context.Context, req fallback.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.blockAt > 0 && n == f.blockAt {
		close(f.blocked)
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	switch {
	case strings.Contains(req.Prompt, "codes: A,C,G"):
		return "codes: A", nil
	case strings.Contains(req.Prompt, "JSON object"):
		return `{"zauberkraut": {"codes": "K", "confidence": 0.4, "reason": "guess"}}`, nil
	case strings.Contains(req.Prompt, "JSON array"):
		return `["zauberkraut"]`, nil
	}
	return "", fmt.Errorf("unexpected prompt")
}

func (f *fakeModel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	st    *memstore.Store
	eng   *Engine
	model *fakeModel
	owner int64
}

func newFixture(t *testing.T, model *fakeModel) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	for _, c := range []store.Code{
		{Code: "A", LabelDE: "Gluten"},
		{Code: "G", LabelDE: "Milch"},
		{Code: "K", LabelDE: "Sesam"},
	} {
		if err := st.UpsertCode(ctx, c); err != nil {
			t.Fatalf("UpsertCode: %v", err)
		}
	}
	if _, err := st.UpsertLexeme(ctx, store.Lexeme{Lang: "de", Term: "Weizenmehl", Active: true, Codes: []string{"A"}}); err != nil {
		t.Fatalf("UpsertLexeme: %v", err)
	}
	opts := Options{Store: st, Heuristics: lexicon.New()}
	if model != nil {
		opts.Caller = model
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return &fixture{st: st, eng: eng, model: model, owner: 7}
}

func (f *fixture) subject(t *testing.T, name string) int64 {
	t.Helper()
	s, err := f.st.UpsertSubject(context.Background(), store.Subject{Owner: f.owner, Name: name})
	if err != nil {
		t.Fatalf("UpsertSubject: %v", err)
	}
	return s.ID
}

func waitJob(t *testing.T, eng *Engine, id string) jobs.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := eng.JobStatus(id)
		if err != nil {
			t.Fatalf("JobStatus: %v", err)
		}
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return jobs.State{}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, internalerr.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestGenerateRunsFallbackForMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeModel{})
	bread := f.subject(t, "Weizenmehl-Brot")
	plate := f.subject(t, "Zauberkraut-Teller")

	res, err := f.eng.Generate(ctx, GenerateRequest{
		Request:  infer.Request{SubjectIDs: []int64{bread, plate}, Owner: &f.owner, Lang: "de"},
		Fallback: true,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Rules.Processed != 2 || res.Rules.MissingAfterRules != 1 {
		t.Fatalf("rules = %+v", res.Rules)
	}
	if res.LLM == nil || res.LLM.Count != 1 {
		t.Fatalf("llm = %+v", res.LLM)
	}
	it := res.LLM.Items[0]
	if it.SubjectID != plate || it.Status != fallback.StatusOK || len(it.Candidates) != 1 {
		t.Fatalf("item = %+v", it)
	}
	c := it.Candidates[0]
	if c.Term != "zauberkraut" || c.GuessCodes != "K" || c.Confidence != 0.4 || c.Reason != "guess" {
		t.Errorf("candidate = %+v", c)
	}
	if f.model.count() != 2 {
		t.Errorf("calls = %d, want 2", f.model.count())
	}

	// Suggestions are advisory only.
	recs, err := f.st.ListRecords(ctx, plate)
	if err != nil || len(recs) != 0 {
		t.Errorf("records for fallback subject = %v, %v", recs, err)
	}
	if stats := f.eng.LimiterStats(); stats.Completed != 2 {
		t.Errorf("limiter completed = %d, want 2", stats.Completed)
	}
}

func TestGenerateWithoutFallback(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	plate := f.subject(t, "Zauberkraut-Teller")
	res, err := f.eng.Generate(context.Background(), GenerateRequest{
		Request: infer.Request{SubjectIDs: []int64{plate}, Lang: "de"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.LLM != nil || f.model.count() != 0 {
		t.Fatalf("fallback ran: %+v, calls %d", res.LLM, f.model.count())
	}
}

func TestSuggestOrderAndUnknownIDs(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	a := f.subject(t, "Zauberkraut-Teller")
	b := f.subject(t, "Zauberkraut-Suppe")

	batch, err := f.eng.Suggest(context.Background(), SuggestRequest{SubjectIDs: []int64{b, 999, a, b}, Lang: "de"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if batch.Count != 3 {
		t.Fatalf("count = %d, want 3", batch.Count)
	}
	got := []int64{batch.Items[0].SubjectID, batch.Items[1].SubjectID, batch.Items[2].SubjectID}
	if got[0] != b || got[1] != 999 || got[2] != a {
		t.Errorf("order = %v", got)
	}
	if batch.Items[1].Status != fallback.StatusError || batch.Items[1].Error == "" {
		t.Errorf("unknown item = %+v", batch.Items[1])
	}

	if _, err := f.eng.Suggest(context.Background(), SuggestRequest{Lang: "de"}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("empty request err = %v", err)
	}
}

func TestSuggestWithoutModel(t *testing.T) {
	f := newFixture(t, nil)
	plate := f.subject(t, "Zauberkraut-Teller")
	batch, err := f.eng.Suggest(context.Background(), SuggestRequest{SubjectIDs: []int64{plate}, Lang: "de"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	it := batch.Items[0]
	if it.Status != fallback.StatusOK || len(it.Candidates) == 0 {
		t.Fatalf("item = %+v", it)
	}
	for _, c := range it.Candidates {
		if c.Reason != fallback.ReasonNoModel || c.GuessCodes != "" {
			t.Errorf("candidate = %+v", c)
		}
	}
}

func TestDirectCodes(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	plate := f.subject(t, "Zauberkraut-Teller")
	d, err := f.eng.DirectCodes(context.Background(), plate)
	if err != nil {
		t.Fatalf("DirectCodes: %v", err)
	}
	if len(d.Codes) != 1 || d.Codes[0] != "A" {
		t.Errorf("codes = %v", d.Codes)
	}
	if _, err := f.eng.DirectCodes(context.Background(), 999); !errors.Is(err, internalerr.ErrNotFound) {
		t.Errorf("unknown subject err = %v", err)
	}
}

func TestJobCancelKeepsPartialFallback(t *testing.T) {
	model := &fakeModel{blockAt: 4, blocked: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, model)
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, f.subject(t, fmt.Sprintf("Zauberkraut-Teller %d", i+1)))
	}

	id, err := f.eng.SubmitJob(context.Background(), GenerateRequest{
		Request:  infer.Request{SubjectIDs: ids, Owner: &f.owner, Lang: "de"},
		Fallback: true,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	select {
	case <-model.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("fallback never reached the second subject")
	}
	if !f.eng.CancelJob(id) {
		t.Fatal("CancelJob rejected a running job")
	}
	close(model.release)

	st := waitJob(t, f.eng, id)
	if st.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s, error %q", st.Status, st.Error)
	}
	if st.Completed != 2 || st.Total != 5 {
		t.Errorf("progress = %d/%d", st.Completed, st.Total)
	}
	res, ok := st.Result.(*GenerateResult)
	if !ok || res.LLM == nil || len(res.LLM.Items) != 2 {
		t.Fatalf("result = %#v", st.Result)
	}
	if model.count() != 4 {
		t.Errorf("calls = %d, want 4", model.count())
	}
	if f.eng.CancelJob(id) {
		t.Error("cancel accepted for a finished job")
	}
}

func TestJobWithoutFallback(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	bread := f.subject(t, "Weizenmehl-Brot")

	id, err := f.eng.SubmitJob(context.Background(), GenerateRequest{
		Request: infer.Request{SubjectIDs: []int64{bread}, Lang: "de"},
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	st := waitJob(t, f.eng, id)
	if st.Status != jobs.StatusDone || st.Completed != 1 || st.Percent != 100 {
		t.Fatalf("state = %+v", st)
	}
	res := st.Result.(*GenerateResult)
	if res.Rules.Changed != 1 || res.Rules.Items[0].After != "A" {
		t.Errorf("rules = %+v", res.Rules)
	}

	if _, err := f.eng.SubmitJob(context.Background(), GenerateRequest{Request: infer.Request{Lang: "de"}}); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("invalid job err = %v", err)
	}
	if _, err := f.eng.JobStatus("nope"); !errors.Is(err, internalerr.ErrNotFound) {
		t.Errorf("unknown job err = %v", err)
	}
}

func TestManualCodesAndSuggestions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	plate := f.subject(t, "Zauberkraut-Teller")

	n, err := f.eng.AddCodes(ctx, plate, []string{"g", "K"}, true, nil)
	if err != nil || n != 2 {
		t.Fatalf("AddCodes = %d, %v", n, err)
	}
	if _, err := f.eng.AddCodes(ctx, 999, []string{"A"}, true, nil); !errors.Is(err, internalerr.ErrNotFound) {
		t.Errorf("unknown subject err = %v", err)
	}
	if _, err := f.eng.AddCodes(ctx, 0, []string{"A"}, true, nil); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("zero id err = %v", err)
	}

	created, err := f.eng.AcceptSuggestion(ctx, plate, "A", 0.9, "guess", nil)
	if err != nil || !created {
		t.Fatalf("AcceptSuggestion = %v, %v", created, err)
	}
	recs, err := f.st.ListRecords(ctx, plate)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	var suggestion *store.Record
	for i := range recs {
		if recs[i].Source == store.SourceExternal {
			suggestion = &recs[i]
		}
	}
	if suggestion == nil || suggestion.Confidence > 0.5 || suggestion.Confirmed {
		t.Fatalf("suggestion record = %+v", suggestion)
	}

	n, err = f.eng.ConfirmCodes(ctx, []int64{suggestion.ID}, true)
	if err != nil || n != 1 {
		t.Errorf("ConfirmCodes = %d, %v", n, err)
	}
}

func TestPromoteTermsFeedsRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	plate := f.subject(t, "Zauberkraut-Teller")

	res, err := f.eng.PromoteTerms(ctx, &f.owner, "de", []dictionary.TermCodes{{Term: "Zauberkraut", Codes: []string{"K"}}})
	if err != nil {
		t.Fatalf("PromoteTerms: %v", err)
	}
	if len(res) != 1 || res[0].Status != dictionary.PromoteCreated {
		t.Fatalf("results = %+v", res)
	}

	sum, err := f.eng.Infer(ctx, infer.Request{SubjectIDs: []int64{plate}, Owner: &f.owner, Lang: "de"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if sum.Items[0].After != "K" || sum.MissingAfterRules != 0 {
		t.Errorf("summary = %+v", sum)
	}

	bad := int64(-1)
	if _, err := f.eng.PromoteTerms(ctx, &bad, "de", nil); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("negative owner err = %v", err)
	}
}
