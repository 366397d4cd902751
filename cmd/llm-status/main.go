package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/internal/batch"
	"github.com/cognicore/allergo/internal/llm"
	"github.com/cognicore/allergo/internal/logger"
	"github.com/cognicore/allergo/pkg/allergo/config"
	"github.com/cognicore/allergo/pkg/allergo/ratelimit"
)

type report struct {
	Endpoint   string           `json:"endpoint"`
	Headers    llm.RateHeaders  `json:"headers"`
	Error      string           `json:"error,omitempty"`
	Limiter    ratelimit.Config `json:"limiter"`
	Rate       float64          `json:"effective_rate_per_min"`
	ETAMinutes float64          `json:"eta_minutes,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Config file (optional)")
		items      = flag.Int("items", 0, "Estimate the time to process this many subjects")
		timeout    = flag.Duration("timeout", 20*time.Second, "Ping timeout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	lg, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer lg.Sync()

	if !cfg.LLM.Enabled() {
		lg.Fatal("model endpoint not configured", zap.String("env", config.EnvAPIKey))
	}
	client := &llm.Client{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model}
	lg.Info("pinging model endpoint",
		zap.String("base_url", cfg.LLM.BaseURL),
		zap.String("model", cfg.LLM.Model),
		logger.Secret("api_key", cfg.LLM.APIKey))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	lim := cfg.Limiter.RateLimit()
	out := report{Endpoint: cfg.LLM.BaseURL, Limiter: lim, Rate: ratelimit.EffectiveRate(lim)}
	if *items > 0 {
		_, out.ETAMinutes = ratelimit.EstimateETA(lim, *items)
	}
	out.Headers, err = client.Ping(ctx)
	if err != nil {
		lg.Warn("ping failed", zap.Int("status", out.Headers.StatusCode), zap.Error(err))
		out.Error = err.Error()
	}

	if err := batch.WriteJSON(os.Stdout, out); err != nil {
		lg.Fatal("failed to write report", zap.Error(err))
	}
	if out.Error != "" {
		lg.Sync()
		os.Exit(1)
	}
}
