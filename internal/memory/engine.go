// Package memory assembles the engine from configuration and exposes the
// public API over it: providers come from their registries, breakers and
// caches wrap them, and the ingestion pipeline, tier manager, retriever,
// and query router are wired on top.
package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"memscreen/internal/breaker"
	"memscreen/internal/cache"
	"memscreen/internal/config"
	"memscreen/internal/conflict"
	"memscreen/internal/core"
	"memscreen/internal/embedding"
	"memscreen/internal/graph"
	"memscreen/internal/history"
	"memscreen/internal/ingest"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
	"memscreen/internal/metrics"
	"memscreen/internal/prompts"
	"memscreen/internal/retrieval"
	"memscreen/internal/router"
	"memscreen/internal/tiering"
	"memscreen/internal/usage"
	"memscreen/internal/vectorstore"
)

// Engine owns every component of the memory system and their lifecycles.
type Engine struct {
	logger   *zap.Logger
	loc      *time.Location
	version  string
	llmModel string

	store     *vectorstore.MultimodalStore
	embedder  embedding.Engine
	hist      *history.Log
	library   *prompts.Library
	manager   *tiering.Manager
	pipeline  *ingest.Pipeline
	retriever *retrieval.Retriever
	router    *router.Router
	graph     *graph.Store
	collector *metrics.Collector
	tracker   *usage.Tracker

	searchCache *cache.TTLCache

	sweepStop chan struct{}
	sweepDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	v10Notice sync.Once
}

// New assembles an engine. The tier manager bootstraps from the store
// before New returns, and the periodic decay sweeper starts immediately.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	const op = "memory.New"

	if cfg == nil {
		return nil, memerr.Errorf(op, memerr.KindConfig, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location()

	library := prompts.NewLibrary(filepath.Join(cfg.Dir, "prompts.yaml"), logger)
	library.Override(prompts.KeyFactExtraction, cfg.CustomFactExtractionPrompt)
	library.Override(prompts.KeyUpdateMemory, cfg.CustomUpdateMemoryPrompt)

	tracker := usage.NewTracker(filepath.Join(cfg.Dir, "usage.json"), logger)

	base, err := embedding.New(cfg.Embedder.Provider, cfg.Embedder.Config)
	if err != nil {
		return nil, err
	}
	// Providers that can provision their model do so now, so a cold
	// backend pulls the model before the first embed. Failure is
	// non-fatal: the first real call surfaces a clear upstream error.
	if p, ok := base.(interface{ EnsureModel(context.Context) error }); ok {
		if err := p.EnsureModel(ctx); err != nil {
			logger.Warn("embedding model provisioning failed",
				zap.String("provider", cfg.Embedder.Provider), zap.Error(err))
		}
	}
	// The usage wrapper sits on the raw provider so cache hits and
	// breaker-rejected calls never inflate the ledger.
	embedder := embedding.WithCache(
		embedding.WithBreaker(usage.WrapEmbedder(base, tracker),
			breaker.New("embedder", cfg.Breaker, logger)),
		cfg.Caches.EmbedLRU)

	rawLLM, err := llm.New(cfg.LLM.Provider, cfg.LLM.Config)
	if err != nil {
		return nil, err
	}
	client := llm.WithBreaker(usage.WrapLLM(rawLLM, tracker),
		breaker.New("llm", cfg.Breaker, logger))

	var mllm llm.Client
	if cfg.MLLM.Provider != "" && cfg.MLLM.Config.Model != "" {
		rawMLLM, err := llm.New(cfg.MLLM.Provider, cfg.MLLM.Config)
		if err != nil {
			return nil, err
		}
		mllm = llm.WithBreaker(usage.WrapLLM(rawMLLM, tracker),
			breaker.New("mllm", cfg.Breaker, logger))
	}

	// Gemini embeds image bytes natively; any other stack with a
	// multimodal chat model captions the frame and embeds the caption.
	var vision embedding.VisionEncoder
	switch {
	case cfg.Embedder.Provider == "gemini":
		gv, err := embedding.NewGeminiVision(cfg.Embedder.Config)
		if err != nil {
			return nil, err
		}
		vision = gv
	case mllm != nil:
		vision = embedding.NewCaptionEncoder(mllm, embedder)
	}

	store, err := vectorstore.NewMultimodalStore(
		cfg.VectorStore.Provider, cfg.VectorStore.Config, cfg.Embedder.Config.EmbeddingDims)
	if err != nil {
		return nil, err
	}

	hist, err := history.Open(cfg.HistoryDBPath, history.Options{
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.GetFlushInterval(),
		QueueSize:     cfg.History.QueueSize,
		Location:      loc,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var gstore *graph.Store
	var fanout *graph.Ingestor
	if cfg.EnableGraph {
		gstore, err = graph.Open(filepath.Join(cfg.Dir, "graph.db"), logger)
		if err != nil {
			hist.Close()
			store.Close()
			return nil, err
		}
		fanout = graph.NewIngestor(graph.NewExtractor(client, library, logger), gstore)
	}

	manager := tiering.NewManager(tiering.Deps{
		Store:    store,
		Embedder: embedder,
		Client:   client,
		Library:  library,
		History:  hist,
		Logger:   logger,
	}, tiering.Options{
		WorkingEnabled:   cfg.Tiering.EnableWorking,
		WorkingMaxAge:    cfg.GetWorkingMaxAge(),
		ShortTermMaxAge:  cfg.GetShortTermMaxAge(),
		PromoteThreshold: cfg.Tiering.PromoteAccessThreshold,
		AutoCompress:     cfg.Tiering.AutoCompress,
		Location:         loc,
	})

	resolver := conflict.NewResolver(client, library, logger,
		conflict.WithCacheSize(cfg.Caches.ConflictLRU))

	pipeDeps := ingest.Deps{
		Store:    store,
		Embedder: embedder,
		Vision:   vision,
		Client:   client,
		Resolver: resolver,
		History:  hist,
		Tiers:    manager,
		Library:  library,
		Logger:   logger,
	}
	if fanout != nil {
		pipeDeps.Graph = fanout
	}
	pipe := ingest.NewPipeline(pipeDeps, ingest.Options{Location: loc})

	retriever := retrieval.NewRetriever(retrieval.Deps{
		Store:    store,
		Embedder: embedder,
		Vision:   vision,
		Logger:   logger,
	}, retrieval.Options{CacheSize: cfg.Caches.RetrievalLRU})

	catalog := router.NewCatalog(router.Model{
		Name:    cfg.LLM.Config.Model,
		Tier:    router.TierMedium,
		Quality: 1,
		Client:  client,
	})
	rtr := router.New(router.Deps{
		Retriever: retriever,
		Store:     pipe,
		Models:    catalog,
		Logger:    logger,
	}, router.Options{
		ResponseCacheSize:   cfg.Caches.ResponseLRU,
		ClassifierCacheSize: cfg.Caches.ClassificationLRU,
	})

	e := &Engine{
		logger:      logger,
		loc:         loc,
		version:     cfg.Version,
		llmModel:    client.Model(),
		store:       store,
		embedder:    embedder,
		hist:        hist,
		library:     library,
		manager:     manager,
		pipeline:    pipe,
		retriever:   retriever,
		router:      rtr,
		graph:       gstore,
		collector:   metrics.NewCollector("memscreen"),
		tracker:     tracker,
		searchCache: cache.NewTTL(cfg.Caches.SearchCapacity, cfg.GetSearchTTL()),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	pipe.Subscribe(e.onActions)

	if err := manager.Bootstrap(ctx); err != nil {
		e.shutdownStores()
		return nil, err
	}
	if err := library.Watch(context.Background()); err != nil {
		logger.Warn("prompt hot reload unavailable", zap.Error(err))
	}

	go e.sweeper(cfg.GetSweepInterval())

	logger.Info("memory engine ready",
		zap.String("embedder", embedder.Name()),
		zap.String("llm", e.llmModel),
		zap.Bool("graph", gstore != nil))
	return e, nil
}

// onActions is the pipeline subscriber: applied actions feed the tier
// manager and the metrics, and any real mutation invalidates the read
// caches.
func (e *Engine) onActions(ctx context.Context, records []core.ActionRecord) {
	mutated := false
	for _, rec := range records {
		e.manager.Apply(ctx, rec)
		e.collector.RecordAction(string(rec.Event))
		if rec.Event != core.EventNone {
			mutated = true
		}
	}
	if mutated {
		e.retriever.Invalidate()
		e.searchCache.Clear()
	}
}

// sweeper runs the decay sweep on the configured interval until Close.
func (e *Engine) sweeper(interval time.Duration) {
	defer close(e.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			if _, err := e.Sweep(context.Background()); err != nil {
				e.logger.Warn("decay sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one decay pass now, outside the periodic schedule.
func (e *Engine) Sweep(ctx context.Context) (tiering.SweepStats, error) {
	stats, err := e.manager.Sweep(ctx)
	if err != nil {
		return stats, err
	}
	for i := 0; i < stats.Demoted; i++ {
		e.collector.RecordTierMove("demoted")
	}
	for i := 0; i < stats.Compressed; i++ {
		e.collector.RecordTierMove("compressed")
	}
	if stats.Demoted > 0 || stats.Compressed > 0 {
		// Compression rewrites payloads, so cached results are stale.
		e.retriever.Invalidate()
		e.searchCache.Clear()
		e.logger.Info("decay sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("demoted", stats.Demoted),
			zap.Int("compressed", stats.Compressed))
	}
	return stats, nil
}

// Metrics exposes the engine's collector for the HTTP layer.
func (e *Engine) Metrics() *metrics.Collector { return e.collector }

// shutdownStores closes the closables opened by New, for its failure paths.
func (e *Engine) shutdownStores() {
	e.library.Stop()
	if e.graph != nil {
		e.graph.Close()
	}
	e.hist.Close()
	e.store.Close()
}

// Close stops the sweeper and prompt watcher, drains background chat
// storage, flushes history, and closes every store. Safe to call twice.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.sweepStop)
		<-e.sweepDone
		e.router.Close()
		e.library.Stop()

		var errs []error
		if err := e.tracker.Save(); err != nil {
			errs = append(errs, err)
		}
		if e.graph != nil {
			if err := e.graph.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.hist.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
