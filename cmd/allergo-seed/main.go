package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/internal/batch"
	"github.com/cognicore/allergo/internal/logger"
	"github.com/cognicore/allergo/pkg/allergo"
	"github.com/cognicore/allergo/pkg/allergo/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "Config file (optional)")
		seedPath   = flag.String("seed", "", "Seed file (required)")
		lang       = flag.String("lang", "", "Default language for entries without one (default from config)")
	)
	flag.Parse()

	if *seedPath == "" {
		log.Fatal("--seed required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	lg, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer lg.Sync()

	seed, err := config.LoadSeed(*seedPath)
	if err != nil {
		lg.Fatal("failed to load seed", zap.String("path", *seedPath), zap.Error(err))
	}

	ctx := context.Background()
	st, err := allergo.OpenStore(ctx, cfg.Store)
	if err != nil {
		lg.Fatal("failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer st.Close()

	if *lang == "" {
		*lang = cfg.Dictionary.DefaultLang
	}
	stats, err := seed.Apply(ctx, st, *lang)
	if err != nil {
		lg.Fatal("failed to apply seed", zap.Error(err))
	}
	lg.Info("seed applied",
		zap.String("driver", cfg.Store.Driver),
		zap.Int("codes", stats.Codes),
		zap.Int("items", stats.Items),
		zap.Int("lexemes", stats.Lexemes),
		zap.Int("cues", stats.Cues),
		zap.Int("subjects", len(stats.SubjectIDs)))

	if err := batch.WriteJSON(os.Stdout, stats); err != nil {
		lg.Fatal("failed to write stats", zap.Error(err))
	}
}
