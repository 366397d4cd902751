// Package fallback suggests candidate codes for subjects the dictionary
// rules left without any. It extracts ingredient-like terms from a
// subject's text, maps them with the heuristic lexicon and then with one
// external model call for whatever is left. Its output is advisory and is
// never written as provenance.
package fallback

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/lexicon"
	"github.com/cognicore/allergo/pkg/allergo/ratelimit"
	"github.com/cognicore/allergo/pkg/allergo/stoplist"
)

// Request is one completion call to the external model.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Caller sends a prompt to the external model and returns its text answer.
// Errors should be classifiable with internalerr.Classify.
type Caller interface {
	Call(ctx context.Context, req Request) (string, error)
}

// Limiter gates external calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Execute(ctx context.Context, tokens int, call func(context.Context) error) error
}

var _ Limiter = (*ratelimit.Limiter)(nil)

// Options configures the pipeline.
type Options struct {
	Model           string
	Lang            string
	MaxTerms        int
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration

	// GuessCodes enables the external mapping step. Heuristic mapping
	// always runs.
	GuessCodes bool
	// AllowedCodes is the letter alphabet model answers are sanitized to.
	// Empty means A-Z.
	AllowedCodes string
	// Debug keeps the raw extraction answer on each suggestion.
	Debug bool
	// Parallelism bounds concurrent subjects in Suggest.
	Parallelism int

	Limiter Limiter
	Logger  *zap.Logger
}

// DefaultOptions returns the stock pipeline settings.
func DefaultOptions() Options {
	return Options{
		Model:           "gpt-4o-mini",
		Lang:            "de",
		MaxTerms:        12,
		Temperature:     0.2,
		MaxOutputTokens: 512,
		Timeout:         60 * time.Second,
		GuessCodes:      true,
		Parallelism:     4,
	}
}

// Reason tags for terms the external step could not map.
const (
	ReasonUnparsed = "llm_unparsed"
	ReasonError    = "llm_error"
	ReasonNoModel  = "no_llm"
	reasonModel    = "llm"
)

// Pipeline runs term extraction and mapping. It is safe for concurrent use.
type Pipeline struct {
	caller Caller
	heur   *lexicon.Lexicon
	tok    *Tokenizer
	opts   Options
	log    *zap.Logger
}

// New creates a pipeline. A nil caller degrades to local extraction and
// heuristic mapping; nil heur and stops fall back to the embedded defaults.
func New(caller Caller, heur *lexicon.Lexicon, stops *stoplist.Manager, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.Lang == "" {
		opts.Lang = def.Lang
	}
	opts.Lang = strings.ToLower(opts.Lang)
	if opts.MaxTerms <= 0 {
		opts.MaxTerms = def.MaxTerms
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = def.MaxOutputTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if heur == nil {
		if d, err := lexicon.Default(); err == nil {
			heur = d
		} else {
			heur = lexicon.New()
		}
	}
	if stops == nil {
		stops = stoplist.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		caller: caller,
		heur:   heur,
		tok:    NewTokenizer(stops),
		opts:   opts,
		log:    log,
	}
}

// Options returns the effective pipeline settings.
func (p *Pipeline) Options() Options { return p.opts }

// WithLang returns a pipeline sharing p's caller and components that
// prompts in lang.
func (p *Pipeline) WithLang(lang string) *Pipeline {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == p.opts.Lang {
		return p
	}
	cp := *p
	cp.opts.Lang = lang
	return &cp
}

// HasModel reports whether an external caller is configured.
func (p *Pipeline) HasModel() bool { return p.caller != nil }

// call sends prompt through the limiter when one is configured.
func (p *Pipeline) call(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := Request{
		Prompt:      prompt,
		Model:       p.opts.Model,
		Temperature: p.opts.Temperature,
		MaxTokens:   maxTokens,
		Timeout:     p.opts.Timeout,
	}
	if p.opts.Limiter == nil {
		return p.caller.Call(ctx, req)
	}
	var out string
	err := p.opts.Limiter.Execute(ctx, ratelimit.EstimateTokens(prompt, maxTokens), func(ctx context.Context) error {
		var err error
		out, err = p.caller.Call(ctx, req)
		return err
	})
	return out, err
}

// halts reports whether err must end work on the subject instead of
// degrading to a local result.
func halts(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return internalerr.Classify(err) == internalerr.KindFatal
}
