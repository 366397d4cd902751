package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/internal/batch"
	"github.com/cognicore/allergo/internal/logger"
	"github.com/cognicore/allergo/pkg/allergo"
	"github.com/cognicore/allergo/pkg/allergo/config"
	"github.com/cognicore/allergo/pkg/allergo/infer"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Config file (optional)")
		seedPath     = flag.String("seed", "", "Seed file applied before the run (optional)")
		subjectsPath = flag.String("subjects", "", "Subjects JSONL imported before the run (optional)")
		idsFlag      = flag.String("ids", "", "Comma-separated subject ids (default: imported subjects)")
		ownerFlag    = flag.Int64("owner", 0, "Owner whose dictionary applies (0 = global only)")
		lang         = flag.String("lang", "", "Language (default from config)")
		dryRun       = flag.Bool("dry-run", false, "Compute codes without writing")
		force        = flag.Bool("force", false, "Override manual codes")
		details      = flag.Bool("details", false, "Include per-subject details")
		withFallback = flag.Bool("fallback", false, "Suggest codes with the model for subjects left without codes")
		direct       = flag.Bool("direct", false, "Ask the model for codes directly, one call per subject")
		async        = flag.Bool("job", false, "Run as a background job and report progress")
		outPath      = flag.String("out", "", "Output file (default stdout)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	eng, err := allergo.NewFromConfig(ctx, cfg, nil, lg)
	if err != nil {
		lg.Fatal("failed to build engine", zap.Error(err))
	}
	defer eng.Close()
	lg.Info("allergo-infer started",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("llm", cfg.LLM.Enabled()),
		logger.Secret("api_key", cfg.LLM.APIKey))

	if *seedPath != "" {
		seed, err := config.LoadSeed(*seedPath)
		if err != nil {
			lg.Fatal("failed to load seed", zap.Error(err))
		}
		stats, err := seed.Apply(ctx, eng.Store(), cfg.Dictionary.DefaultLang)
		if err != nil {
			lg.Fatal("failed to apply seed", zap.Error(err))
		}
		lg.Info("seed applied", zap.Int("codes", stats.Codes), zap.Int("lexemes", stats.Lexemes),
			zap.Int("subjects", len(stats.SubjectIDs)))
	}

	var ids []int64
	if *subjectsPath != "" {
		ids, err = importSubjects(ctx, eng, *subjectsPath, lg)
		if err != nil {
			lg.Fatal("failed to import subjects", zap.Error(err))
		}
	}
	if *idsFlag != "" {
		ids, err = parseIDs(*idsFlag)
		if err != nil {
			log.Fatal(err)
		}
	}
	if len(ids) == 0 {
		log.Fatal("--ids or --subjects required")
	}

	var owner *int64
	if *ownerFlag != 0 {
		owner = ownerFlag
	}
	if *lang == "" {
		*lang = cfg.Dictionary.DefaultLang
	}
	req := allergo.GenerateRequest{
		Request: infer.Request{
			SubjectIDs:     ids,
			Owner:          owner,
			Lang:           *lang,
			Force:          *force,
			DryRun:         *dryRun,
			IncludeDetails: *details,
		},
		Fallback: *withFallback,
	}

	var out any
	switch {
	case *direct:
		out = directCodes(ctx, eng, ids, lg)
	case *async:
		out, err = runJob(ctx, eng, req, lg)
	default:
		out, err = eng.Generate(ctx, req)
	}
	if err != nil {
		lg.Fatal("run failed", zap.Error(err))
	}

	w := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			lg.Fatal("failed to create output", zap.Error(err))
		}
		defer f.Close()
		w = f
	}
	if err := batch.WriteJSON(w, out); err != nil {
		lg.Fatal("failed to write output", zap.Error(err))
	}
}

func importSubjects(ctx context.Context, eng *allergo.Engine, path string, lg *zap.Logger) ([]int64, error) {
	subjects, err := batch.LoadFromJSONL(path, lg)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(subjects))
	for i, s := range subjects {
		saved, err := eng.Store().UpsertSubject(ctx, s.Store())
		if err != nil {
			lg.Warn("failed to import subject", zap.Int("line", i+1), zap.String("name", s.Name), zap.Error(err))
			continue
		}
		ids = append(ids, saved.ID)
	}
	lg.Info("subjects imported", zap.Int("count", len(ids)), zap.String("path", path))
	return ids, nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type directResult struct {
	SubjectID int64    `json:"subject_id"`
	Codes     []string `json:"codes"`
	Raw       string   `json:"raw,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func directCodes(ctx context.Context, eng *allergo.Engine, ids []int64, lg *zap.Logger) []directResult {
	out := make([]directResult, 0, len(ids))
	for _, id := range ids {
		d, err := eng.DirectCodes(ctx, id)
		res := directResult{SubjectID: id, Codes: d.Codes, Raw: d.Raw}
		if err != nil {
			lg.Warn("direct codes failed", zap.Int64("subject_id", id), zap.Error(err))
			res.Error = err.Error()
		}
		if res.Codes == nil {
			res.Codes = []string{}
		}
		out = append(out, res)
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// runJob submits req as a background job and polls it. An interrupt
// requests cancellation; the partial result is still returned.
func runJob(ctx context.Context, eng *allergo.Engine, req allergo.GenerateRequest, lg *zap.Logger) (any, error) {
	id, err := eng.SubmitJob(ctx, req)
	if err != nil {
		return nil, err
	}
	lg.Info("job submitted", zap.String("job_id", id), zap.Int("subjects", len(req.SubjectIDs)))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				lg.Info("cancel requested", zap.String("job_id", id), zap.Bool("accepted", eng.CancelJob(id)))
			}
		case <-ticker.C:
		}
		st, err := eng.JobStatus(id)
		if err != nil {
			return nil, err
		}
		fields := []zap.Field{
			zap.String("job_id", id),
			zap.String("status", string(st.Status)),
			zap.String("phase", st.Message),
			zap.Int("completed", st.Completed),
			zap.Int("total", st.Total),
			zap.Float64("percent", st.Percent),
		}
		if st.ETAMinutes != nil {
			fields = append(fields, zap.Float64("eta_min", *st.ETAMinutes))
		}
		lg.Info("job progress", fields...)
		if st.Status.Terminal() {
			if st.Error != "" {
				lg.Warn("job finished with error", zap.String("job_id", id), zap.String("error", st.Error))
			}
			return st, nil
		}
		if cancelled {
			// ctx is done; keep polling at the ticker pace only.
			<-ticker.C
		}
	}
}
