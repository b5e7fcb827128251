package commands

import (
	"fmt"

	"github.com/scan2doc/scan2doc/internal/assemble"
	"github.com/scan2doc/scan2doc/internal/cache"
	"github.com/scan2doc/scan2doc/internal/config"
	"github.com/scan2doc/scan2doc/internal/events"
	"github.com/scan2doc/scan2doc/internal/observability"
	"github.com/scan2doc/scan2doc/internal/ocr"
	"github.com/scan2doc/scan2doc/internal/pipeline"
	"github.com/scan2doc/scan2doc/internal/queue"
	"github.com/scan2doc/scan2doc/internal/render"
	"github.com/scan2doc/scan2doc/internal/sandwich"
	"github.com/scan2doc/scan2doc/internal/store"
)

// app bundles the constructed collaborators; commands own its lifecycle.
type app struct {
	cfg   *config.Config
	log   *observability.Logger
	store *store.Store
	queue *queue.Manager
	bus   *events.Bus
	svc   *pipeline.Service
}

// newApp loads configuration and wires the full pipeline.
func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Observability.LogLevel
	if verbose {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "scan2doc",
	})

	var cacheClient cache.Client
	switch cfg.Cache.Driver {
	case "redis":
		cacheClient, err = cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
	default:
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}

	st, err := store.Open(store.Options{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		JournalMode:  cfg.Store.JournalMode,
		Cache:        cacheClient,
		CacheTTL:     cfg.Cache.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	q := queue.NewManager(queue.Config{
		OCRConcurrency:        cfg.Queue.OCRConcurrency,
		GenerationConcurrency: cfg.Queue.GenerationConcurrency,
	}, log)

	bus := events.NewBus()

	client := ocr.NewClient(ocr.ClientConfig{
		Endpoint:       cfg.OCR.Endpoint,
		APIKey:         cfg.OCR.APIKey,
		Timeout:        cfg.OCR.Timeout,
		MaxRetries:     cfg.OCR.MaxRetries,
		InitialBackoff: cfg.OCR.InitialBackoff,
	}, log)
	orch := ocr.NewOrchestrator(q, st, bus, client, log)

	rp := render.NewPipeline(q, st, bus, render.FitzRenderer{}, log, render.Options{
		Scale:          cfg.Render.Scale,
		Format:         cfg.Render.Format,
		JPEGQuality:    cfg.Render.JPEGQuality,
		ThumbnailWidth: cfg.Render.ThumbnailWidth,
	})

	sw, err := sandwich.NewBuilder(sandwich.Options{
		ScanDPI:  cfg.Sandwich.ScanDPI,
		FontPath: cfg.Sandwich.FontPath,
		Debug:    cfg.Sandwich.Debug,
	}, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init sandwich builder: %w", err)
	}

	svc := pipeline.NewService(pipeline.Deps{
		Store:     st,
		Queue:     q,
		Bus:       bus,
		OCR:       orch,
		Render:    rp,
		Assembler: assemble.NewAssembler(st, log),
		Docx:      assemble.NewDocxGenerator(st, log),
		Sandwich:  sw,
		Log:       log,
	})

	return &app{cfg: cfg, log: log, store: st, queue: q, bus: bus, svc: svc}, nil
}

// close drains the queue and releases resources.
func (a *app) close() {
	a.queue.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close failed")
	}
}
