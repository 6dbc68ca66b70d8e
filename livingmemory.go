package livingmemory

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/index"
	"github.com/liliang-cn/livingmemory/pkg/memory"
	"github.com/liliang-cn/livingmemory/pkg/provider"
	"github.com/liliang-cn/livingmemory/pkg/session"
	"github.com/liliang-cn/livingmemory/pkg/sparse"
)

// Re-exported sentinel errors so callers can match failures without
// importing pkg/core.
var (
	ErrNotFound        = core.ErrNotFound
	ErrValidation      = core.ErrValidation
	ErrInvalidConfig   = core.ErrInvalidConfig
	ErrBusy            = core.ErrBusy
	ErrExternalFailure = core.ErrExternalFailure
	ErrNotReady        = core.ErrNotReady
	ErrCorruptSnapshot = index.ErrCorruptSnapshot
)

// Deps overrides the capabilities Open would otherwise build from the
// provider configuration. Zero fields keep the default: embedder and chatter
// from an OpenAI-compatible client, logger to stderr at the configured level.
type Deps struct {
	Embedder memory.Embedder
	Chatter  memory.Chatter
	Logger   core.Logger
}

// Engine owns the full memory lifecycle: the document store, both retrieval
// indexes, and the managers built on top of them. Create one with Open and
// release it with Close.
type Engine struct {
	cfg    *config.Config
	logger core.Logger

	store     *core.DocStore
	manager   *memory.Manager
	recaller  *memory.Recaller
	reflector *memory.Reflector
	forgetter *memory.ForgettingAgent
	sessions  *session.Manager

	// embedCloser releases the embedding cache connection when Open built
	// one; nil when the embedder was injected.
	embedCloser func() error

	agentCancel context.CancelFunc
	agentDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open builds an Engine from the configuration, creating DataDir and the
// database on first use and loading the dense index snapshot when one
// exists. The LLM and embedding capabilities are built from cfg.Provider.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	return OpenWith(ctx, cfg, Deps{})
}

// OpenWith is Open with injected capabilities. Hosts that already own an LLM
// client pass it here instead of configuring a second one; tests inject
// deterministic fakes.
func OpenWith(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg = cfg.Clone()

	logger := deps.Logger
	if logger == nil {
		logger = core.NewStdLogger(core.ParseLevel(cfg.LogLevel))
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, core.WrapError("livingmemory.open", err)
	}
	for _, w := range warnings {
		logger.Warn("configuration warning", "detail", w)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, core.WrapError("livingmemory.open", err)
	}

	embedder := deps.Embedder
	chatter := deps.Chatter
	var embedCloser func() error
	if embedder == nil || chatter == nil {
		client := provider.NewClient(cfg.Provider, logger)
		if chatter == nil {
			chatter = client
		}
		if embedder == nil {
			embedder = client
			if cfg.Provider.EmbeddingCacheURL != "" {
				cached, err := provider.NewCachedEmbedder(client, cfg.Provider.EmbeddingCacheURL, cfg.Provider.EmbeddingCacheTTLSeconds, logger)
				if err != nil {
					return nil, core.WrapError("livingmemory.open", err)
				}
				embedder = cached
				embedCloser = cached.Close
			}
		}
	}

	store, err := core.NewWithConfig(core.Config{Path: cfg.DBPath(), Logger: logger})
	if err != nil {
		return nil, core.WrapError("livingmemory.open", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, core.WrapError("livingmemory.open", err)
	}

	idx := index.NewFlat(0, index.Cosine)
	if _, statErr := os.Stat(cfg.IndexPath()); statErr == nil {
		if err := idx.Load(cfg.IndexPath()); err != nil {
			store.Close()
			return nil, core.WrapError("livingmemory.open", err)
		}
		logger.Debug("dense index snapshot loaded", "path", cfg.IndexPath(), "vectors", idx.Size())
	} else if !errors.Is(statErr, os.ErrNotExist) {
		store.Close()
		return nil, core.WrapError("livingmemory.open", statErr)
	}

	// Startup sanity check: the snapshot should mirror the store row for
	// row. A mismatch means a crash landed between the two writes.
	if total, err := store.Count(ctx, nil); err == nil && total != int64(idx.Size()) {
		logger.Warn("dense index and store disagree; run RebuildIndex to resync",
			"stored", total, "indexed", idx.Size())
	}

	retriever := sparse.New(store, sparse.Config{
		Enabled:         cfg.SparseRetriever.Enabled,
		UseCJKSegmenter: cfg.SparseRetriever.UseCJKSegmenter,
		BM25K1:          cfg.SparseRetriever.BM25K1,
		BM25B:           cfg.SparseRetriever.BM25B,
		Logger:          logger,
	})

	manager := memory.NewManager(store, idx, retriever, embedder, cfg.IndexPath(), logger)

	recaller, err := memory.NewRecaller(manager, cfg.RecallEngine, cfg.Fusion, logger)
	if err != nil {
		store.Close()
		return nil, core.WrapError("livingmemory.open", err)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		manager:     manager,
		recaller:    recaller,
		reflector:   memory.NewReflector(manager, chatter, cfg.ReflectionEngine, logger),
		forgetter:   memory.NewForgettingAgent(manager, cfg.ForgettingAgent, logger),
		sessions:    session.NewManager(cfg.SessionManager, logger),
		embedCloser: embedCloser,
		agentDone:   make(chan struct{}),
	}

	agentCtx, cancel := context.WithCancel(context.Background())
	e.agentCancel = cancel
	go func() {
		defer close(e.agentDone)
		e.forgetter.Run(agentCtx)
	}()

	logger.Info("memory engine opened", "data_dir", cfg.DataDir, "memories", idx.Size())
	return e, nil
}

// Close stops the forgetting agent, drains pending access-time updates,
// persists the dense index and closes the store. Safe to call twice.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.agentCancel()
		<-e.agentDone

		err := e.manager.Close()
		if e.embedCloser != nil {
			if cerr := e.embedCloser(); cerr != nil && err == nil {
				err = cerr
			}
		}
		e.closeErr = err
		e.logger.Info("memory engine closed")
	})
	return e.closeErr
}

// Memory exposes direct CRUD and search over stored memories.
func (e *Engine) Memory() *memory.Manager { return e.manager }

// Recall exposes mode-aware retrieval with fusion and reranking.
func (e *Engine) Recall() *memory.Recaller { return e.recaller }

// Reflect exposes the history distillation pipeline.
func (e *Engine) Reflect() *memory.Reflector { return e.reflector }

// Forget exposes the decay and pruning agent.
func (e *Engine) Forget() *memory.ForgettingAgent { return e.forgetter }

// Sessions exposes the bounded conversation buffer table.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Config returns a copy of the engine's effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg.Clone() }

// Logger returns the engine's logger, for callers layering on top.
func (e *Engine) Logger() core.Logger { return e.logger }
