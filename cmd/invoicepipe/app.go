package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/invoice-pipeline/internal/config"
	"github.com/zombor/invoice-pipeline/internal/entity"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/ocr"
	"github.com/zombor/invoice-pipeline/internal/pipeline"
	"github.com/zombor/invoice-pipeline/internal/store"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

const alarmLevel = pipeline.LevelAlarm

// app is the opened state a subcommand runs against.
type app struct {
	db      *store.BoltDB
	storage *store.LocalStorage
	rules   *config.Rules
	orch    *pipeline.Orchestrator
	engine  *ocr.Adapter
}

// open opens the database, the document storage and the rules. Commands
// that never run stages pass a nil engine.
func (r *root) open(ctx context.Context, engine *engineFlags) (*app, error) {
	rules := config.Default()
	if *r.rulesPath != "" {
		var err error
		if rules, err = config.Load(*r.rulesPath); err != nil {
			return nil, err
		}
	}

	db, err := store.NewBoltDB(*r.dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	storage, err := store.NewLocalStorage(*r.storagePath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	a := &app{db: db, storage: storage, rules: rules}
	c := pipeline.Components{
		Store:     db,
		Storage:   storage,
		Extractor: extraction.New(rules.ExtractionConfig()),
		Resolver:  entity.NewResolver(db, rules.EntityConfig()),
		Validator: validation.New(rules.ValidationConfig()),
	}
	if engine != nil {
		e, err := engine.build(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.engine = ocr.NewAdapter(e, rules.OCRConfig())
		c.OCR = a.engine
	}

	cfg := rules.PipelineConfig()
	if engine != nil && *engine.workers > 0 {
		cfg.Workers = *engine.workers
	}
	a.orch = pipeline.New(c, cfg)
	return a, nil
}

func (a *app) Close() error {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			slog.Warn("Closing OCR engine", "error", err)
		}
	}
	return a.db.Close()
}

// engineFlags select and configure the OCR engine.
type engineFlags struct {
	engine    *string
	languages *string
	geminiKey *string
	ollamaURL *string
	model     *string
	rps       *float64
	burst     *int
	workers   *int
}

func addEngineFlags(fs *ff.FlagSet) *engineFlags {
	return &engineFlags{
		engine:    fs.StringLong("engine", "tesseract", "OCR engine: 'tesseract', 'gemini' or 'ollama'"),
		languages: fs.StringLong("languages", "eng", "Tesseract languages, '+' separated"),
		geminiKey: fs.StringLong("gemini-api-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		ollamaURL: fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		model:     fs.StringLong("model", "", "Model name for remote engines"),
		rps:       fs.Float64Long("rps", 2, "Maximum remote engine calls per second (0 disables the limit)"),
		burst:     fs.IntLong("burst", 1, "Remote engine call burst"),
		workers:   fs.IntLong("workers", 0, "Worker count (overrides the rules file)"),
	}
}

func (f *engineFlags) build(ctx context.Context) (ocr.Engine, error) {
	switch *f.engine {
	case "tesseract":
		slog.Info("Initializing Tesseract engine...", "languages", *f.languages)
		return ocr.NewTesseract(splitLanguages(*f.languages)...), nil

	case "gemini":
		apiKey := *f.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini api key is required: set --gemini-api-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini engine...", "model", *f.model)
		g, err := ocr.NewGemini(ctx, apiKey, *f.model)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return f.limit(g), nil

	case "ollama":
		slog.Info("Initializing Ollama engine...", "url", *f.ollamaURL, "model", *f.model)
		return f.limit(ocr.NewOllama(*f.ollamaURL, *f.model)), nil
	}
	return nil, fmt.Errorf("invalid engine %q: want tesseract, gemini or ollama", *f.engine)
}

func (f *engineFlags) limit(e ocr.Engine) ocr.Engine {
	if *f.rps <= 0 {
		return e
	}
	return ocr.NewRateLimited(e, *f.rps, *f.burst)
}

func splitLanguages(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
