package allergo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/internal/llm"
	"github.com/cognicore/allergo/pkg/allergo/config"
	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
	"github.com/cognicore/allergo/pkg/allergo/ratelimit"
	"github.com/cognicore/allergo/pkg/allergo/store"
	"github.com/cognicore/allergo/pkg/allergo/store/memstore"
	"github.com/cognicore/allergo/pkg/allergo/store/postgres"
	"github.com/cognicore/allergo/pkg/allergo/store/sqlite"
)

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return memstore.New(), nil
	case config.DriverSQLite:
		st, err := sqlite.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DSN, postgres.Options{})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("store driver %q: %w", cfg.Driver, internalerr.ErrInvalidConfig)
	}
}

// NewFromConfig opens the store and builds an Engine from cfg. When caller
// is nil and an API key is configured, the OpenAI-compatible client is used.
func NewFromConfig(ctx context.Context, cfg *config.Config, caller fallback.Caller, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	comp, err := cfg.Loader().Load()
	if err != nil {
		return nil, err
	}
	if caller == nil && cfg.LLM.Enabled() {
		caller = &llm.Client{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model}
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	lim := ratelimit.New(cfg.Limiter.RateLimit(), ratelimit.WithLogger(log))
	retention := cfg.Jobs.RetentionDuration()
	if retention == 0 {
		retention = -1
	}

	eng, err := New(Options{
		Store:         st,
		SharedOwner:   cfg.Dictionary.SharedOwner(),
		MatchSynonyms: cfg.Dictionary.MatchSynonyms,
		Caller:        caller,
		Heuristics:    comp.Heuristics,
		Stoplist:      comp.Stoplist,
		Fallback:      cfg.FallbackOptions(lim, log),
		Limiter:       lim,
		JobRetention:  retention,
		Logger:        log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return eng, nil
}
