package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/lexicon"
	"github.com/cognicore/allergo/pkg/allergo/ratelimit"
	"github.com/cognicore/allergo/pkg/allergo/stoplist"
)

// Loader loads the optional component files and constructs components.
type Loader struct {
	HeuristicsPath string
	StoplistPath   string
}

// Components holds the loaded fallback components.
type Components struct {
	Heuristics *lexicon.Lexicon
	Stoplist   *stoplist.Manager
}

// Loader returns a loader for the configured component paths.
func (c *Config) Loader() *Loader {
	return &Loader{HeuristicsPath: c.Heuristics, StoplistPath: c.Stoplist}
}

// Load reads the component files. Empty paths use the embedded defaults.
func (l *Loader) Load() (*Components, error) {
	comp := &Components{}

	if l.HeuristicsPath != "" {
		lex, err := lexicon.LoadFromYAML(l.HeuristicsPath)
		if err != nil {
			return nil, fmt.Errorf("load heuristics: %w", err)
		}
		comp.Heuristics = lex
	} else {
		lex, err := lexicon.Default()
		if err != nil {
			return nil, fmt.Errorf("load default heuristics: %w", err)
		}
		comp.Heuristics = lex
	}

	if l.StoplistPath != "" {
		sl, err := LoadStoplist(l.StoplistPath)
		if err != nil {
			return nil, fmt.Errorf("load stoplist: %w", err)
		}
		comp.Stoplist = stoplist.NewManager(sl.Terms)
	} else {
		comp.Stoplist = stoplist.Default()
	}

	return comp, nil
}

// Stoplist is the stop word file format.
type Stoplist struct {
	Terms []string `yaml:"terms"`
}

// LoadStoplist loads stop words from a YAML file.
func LoadStoplist(path string) (*Stoplist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sl Stoplist
	if err := yaml.Unmarshal(data, &sl); err != nil {
		return nil, err
	}

	return &sl, nil
}

// RateLimit converts the limiter section.
func (c LimiterConfig) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		RPM:              c.RPM,
		TPM:              c.TPM,
		Concurrency:      c.Concurrency,
		MaxRetries:       c.MaxRetries,
		AvgTokensPerCall: c.AvgTokensPerCall,
		CallsPerItem:     c.CallsPerItem,
		P95Latency:       c.P95LatencyDuration(),
	}
}

// FallbackOptions converts the llm section. The limiter and logger are
// wired by the caller.
func (c *Config) FallbackOptions(lim fallback.Limiter, log *zap.Logger) fallback.Options {
	opts := fallback.DefaultOptions()
	opts.Model = c.LLM.Model
	opts.Lang = c.Dictionary.DefaultLang
	opts.MaxTerms = c.LLM.MaxTerms
	opts.MaxOutputTokens = c.LLM.MaxOutputTokens
	opts.Timeout = c.LLM.TimeoutDuration()
	opts.AllowedCodes = c.LLM.AllowedCodes
	if c.LLM.Temperature != nil {
		opts.Temperature = *c.LLM.Temperature
	}
	if c.LLM.GuessCodes != nil {
		opts.GuessCodes = *c.LLM.GuessCodes
	}
	opts.Limiter = lim
	opts.Logger = log
	return opts
}
