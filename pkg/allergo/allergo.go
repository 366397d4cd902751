// Package allergo infers allergen and additive codes for menu subjects.
//
// Engine wires the rule pipeline (dictionary resolution, matching,
// provenance) with the advisory model fallback, the shared rate limiter and
// background jobs.
package allergo

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/dictionary"
	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/infer"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/jobs"
	"github.com/cognicore/allergo/pkg/allergo/lexicon"
	"github.com/cognicore/allergo/pkg/allergo/provenance"
	"github.com/cognicore/allergo/pkg/allergo/ratelimit"
	"github.com/cognicore/allergo/pkg/allergo/stoplist"
	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Engine is the main facade.
type Engine struct {
	store    store.Store
	resolver *dictionary.Resolver
	recorder *provenance.Recorder
	infer    *infer.Orchestrator
	fallback *fallback.Pipeline
	limiter  *ratelimit.Limiter
	jobs     *jobs.Manager
	log      *zap.Logger
}

// Options configures an Engine. Only Store is required.
type Options struct {
	Store         store.Store
	SharedOwner   *int64
	MatchSynonyms bool

	// Caller is the external model. Nil limits the fallback to local
	// extraction and heuristics.
	Caller     fallback.Caller
	Heuristics *lexicon.Lexicon
	Stoplist   *stoplist.Manager
	// Fallback tunes the pipeline; the zero value means
	// fallback.DefaultOptions. Limiter and Logger are filled in.
	Fallback fallback.Options

	// Limiter is shared by every request and job. Nil creates one with
	// ratelimit.DefaultConfig.
	Limiter      *ratelimit.Limiter
	// JobRetention is how long finished jobs stay readable. Zero means
	// jobs.DefaultRetention; negative keeps them for the Engine's life.
	JobRetention time.Duration
	Logger       *zap.Logger
}

// New creates an Engine with the given dependencies.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store: %w", internalerr.ErrInvalidConfig)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	lim := opts.Limiter
	if lim == nil {
		lim = ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithLogger(log))
	}

	resolver := dictionary.NewResolver(opts.Store, opts.SharedOwner)
	recorder := provenance.New(opts.Store, log)

	fopts := opts.Fallback
	if fopts == (fallback.Options{}) {
		fopts = fallback.DefaultOptions()
	}
	fopts.Limiter = lim
	if fopts.Logger == nil {
		fopts.Logger = log
	}

	return &Engine{
		store:    opts.Store,
		resolver: resolver,
		recorder: recorder,
		infer: infer.New(opts.Store, resolver, recorder, infer.Options{
			MatchSynonyms: opts.MatchSynonyms,
			Logger:        log,
		}),
		fallback: fallback.New(opts.Caller, opts.Heuristics, opts.Stoplist, fopts),
		limiter:  lim,
		jobs:     jobs.NewManager(log, jobOptions(opts.JobRetention)...),
		log:      log,
	}, nil
}

// Close shuts down the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Infer runs the rule pipeline for the requested subjects.
func (e *Engine) Infer(ctx context.Context, req infer.Request) (infer.Summary, error) {
	return e.infer.Infer(ctx, req)
}

// LimiterStats reports the shared limiter budgets.
func (e *Engine) LimiterStats() ratelimit.Stats {
	return e.limiter.Stats()
}

// AddCodes records manual codes for a subject. Unknown codes reject the
// whole call.
func (e *Engine) AddCodes(ctx context.Context, subjectID int64, list []string, confirmed bool, createdBy *int64) (int, error) {
	if subjectID <= 0 {
		return 0, fmt.Errorf("subject id %d: %w", subjectID, internalerr.ErrInvalidInput)
	}
	if err := e.exists(ctx, subjectID); err != nil {
		return 0, err
	}
	return e.recorder.AddManual(ctx, subjectID, list, confirmed, createdBy)
}

// ConfirmCodes sets the confirmation flag on provenance records.
func (e *Engine) ConfirmCodes(ctx context.Context, recordIDs []int64, confirmed bool) (int, error) {
	return e.recorder.Confirm(ctx, recordIDs, confirmed)
}

// AcceptSuggestion stores one fallback code as an unconfirmed suggestion.
// It reports false when the code was already recorded.
func (e *Engine) AcceptSuggestion(ctx context.Context, subjectID int64, code string, confidence float64, reason string, createdBy *int64) (bool, error) {
	if err := e.exists(ctx, subjectID); err != nil {
		return false, err
	}
	return e.recorder.AddSuggestion(ctx, subjectID, code, confidence, reason, createdBy)
}

// PromoteTerms turns accepted fallback terms into dictionary entries.
func (e *Engine) PromoteTerms(ctx context.Context, owner *int64, lang string, terms []dictionary.TermCodes) ([]dictionary.PromoteResult, error) {
	if owner != nil && *owner <= 0 {
		return nil, fmt.Errorf("owner %d: %w", *owner, internalerr.ErrInvalidInput)
	}
	return dictionary.Promote(ctx, e.store, owner, lang, terms)
}

func jobOptions(retention time.Duration) []jobs.Option {
	switch {
	case retention < 0:
		return []jobs.Option{jobs.WithRetention(0)}
	case retention > 0:
		return []jobs.Option{jobs.WithRetention(retention)}
	}
	return nil
}

func (e *Engine) exists(ctx context.Context, subjectID int64) error {
	subs, err := e.store.GetSubjects(ctx, []int64{subjectID})
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("subject %d: %w", subjectID, internalerr.ErrNotFound)
	}
	return nil
}
