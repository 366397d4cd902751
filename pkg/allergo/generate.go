package allergo

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/infer"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/jobs"
	"github.com/cognicore/allergo/pkg/allergo/ratelimit"
)

// SuggestRequest selects subjects for the model fallback.
type SuggestRequest struct {
	SubjectIDs []int64
	Owner      *int64
	Lang       string
}

func (r SuggestRequest) validate() error {
	return infer.Request{SubjectIDs: r.SubjectIDs, Owner: r.Owner, Lang: r.Lang}.Validate()
}

// GenerateRequest is an inference run optionally followed by the model
// fallback for subjects the rules left without codes.
type GenerateRequest struct {
	infer.Request
	Fallback bool
}

// GenerateResult combines the rule summary with the fallback suggestions.
type GenerateResult struct {
	Rules infer.Summary   `json:"rules"`
	LLM   *fallback.Batch `json:"llm,omitempty"`
}

// Suggest runs the fallback pipeline for the requested subjects. Unknown
// ids are reported as error items. Results are advisory and never recorded.
func (e *Engine) Suggest(ctx context.Context, req SuggestRequest) (fallback.Batch, error) {
	if err := req.validate(); err != nil {
		return fallback.Batch{}, err
	}
	lang := strings.ToLower(strings.TrimSpace(req.Lang))
	p := e.fallback.WithLang(lang)

	subjects, err := e.store.GetSubjects(ctx, req.SubjectIDs)
	if err != nil {
		return fallback.Batch{}, fmt.Errorf("load subjects: %w", err)
	}
	lex, err := e.resolver.Load(ctx, req.Owner, lang)
	if err != nil {
		return fallback.Batch{}, fmt.Errorf("resolve dictionary: %w", err)
	}

	batch := p.Suggest(ctx, subjects, lex)
	byID := make(map[int64]fallback.Item, len(batch.Items))
	for _, it := range batch.Items {
		byID[it.SubjectID] = it
	}
	items := make([]fallback.Item, 0, len(req.SubjectIDs))
	seen := make(map[int64]bool, len(req.SubjectIDs))
	for _, id := range req.SubjectIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		it, ok := byID[id]
		if !ok {
			it = fallback.Item{
				SubjectID:  id,
				Status:     fallback.StatusError,
				Error:      internalerr.ErrNotFound.Error(),
				Candidates: []fallback.Candidate{},
			}
		}
		items = append(items, it)
	}
	return p.NewBatch(items), nil
}

// DirectCodes asks the model for one subject's codes in a single call.
func (e *Engine) DirectCodes(ctx context.Context, subjectID int64) (fallback.Direct, error) {
	subs, err := e.store.GetSubjects(ctx, []int64{subjectID})
	if err != nil {
		return fallback.Direct{}, err
	}
	if len(subs) == 0 {
		return fallback.Direct{}, fmt.Errorf("subject %d: %w", subjectID, internalerr.ErrNotFound)
	}
	return e.fallback.DirectCodes(ctx, subs[0].Name, subs[0].Description)
}

// Generate runs the rules and, when requested, the fallback for every
// subject still without codes.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	sum, err := e.infer.Infer(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	res := &GenerateResult{Rules: sum}
	if !req.Fallback || len(sum.Missing) == 0 {
		return res, nil
	}
	batch, err := e.Suggest(ctx, SuggestRequest{SubjectIDs: sum.Missing, Owner: req.Owner, Lang: req.Lang})
	if err != nil {
		return res, err
	}
	res.LLM = &batch
	return res, nil
}

// SubmitJob validates req and runs Generate as a background job. The
// fallback runs one subject at a time and stops between subjects once
// cancellation is requested; the partial result is kept.
func (e *Engine) SubmitJob(ctx context.Context, req GenerateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := e.jobs.Submit(ctx, len(req.SubjectIDs), func(ctx context.Context, tr *jobs.Tracker) (any, error) {
		return e.runJob(ctx, tr, req)
	})
	return id, nil
}

// JobStatus returns a job snapshot.
func (e *Engine) JobStatus(id string) (jobs.State, error) {
	st, err := e.jobs.Status(id)
	if err != nil {
		return st, fmt.Errorf("%w: %w", internalerr.ErrNotFound, err)
	}
	return st, nil
}

// CancelJob requests cancellation. It reports whether the request was
// accepted.
func (e *Engine) CancelJob(id string) bool {
	return e.jobs.Cancel(id)
}

func (e *Engine) runJob(ctx context.Context, tr *jobs.Tracker, req GenerateRequest) (*GenerateResult, error) {
	tr.SetMessage("rules")
	sum, err := e.infer.Infer(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	res := &GenerateResult{Rules: sum}
	if !req.Fallback || len(sum.Missing) == 0 {
		tr.SetCompleted(len(req.SubjectIDs))
		return res, nil
	}

	lang := strings.ToLower(strings.TrimSpace(req.Lang))
	p := e.fallback.WithLang(lang)
	subjects, err := e.store.GetSubjects(ctx, sum.Missing)
	if err != nil {
		return res, fmt.Errorf("load subjects: %w", err)
	}
	lex, err := e.resolver.Load(ctx, req.Owner, lang)
	if err != nil {
		return res, fmt.Errorf("resolve dictionary: %w", err)
	}

	cfg := e.limiter.Config()
	tr.SetMessage("fallback")
	tr.SetTotal(len(subjects))
	tr.SetCompleted(0)
	_, eta := ratelimit.EstimateETA(cfg, len(subjects))
	tr.SetETA(eta)

	items := make([]fallback.Item, 0, len(subjects))
	for i, sub := range subjects {
		if tr.CancelRequested() {
			e.log.Info("fallback stopped on cancel",
				zap.String("job_id", tr.ID()),
				zap.Int("completed", len(items)),
				zap.Int("total", len(subjects)))
			res.LLM = batchPtr(p.NewBatch(items))
			return res, jobs.ErrCancelled
		}
		items = append(items, p.SuggestOne(ctx, sub, lex))
		tr.SetCompleted(i + 1)
		_, eta = ratelimit.EstimateETA(cfg, len(subjects)-i-1)
		tr.SetETA(eta)
	}
	res.LLM = batchPtr(p.NewBatch(items))
	return res, nil
}

func batchPtr(b fallback.Batch) *fallback.Batch { return &b }
