package memory

// recall.go implements the retrieval side: dense and sparse searches fanned
// out concurrently, fused by the configured strategy, then reranked by a
// weighted blend of similarity, importance and recency.

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/fusion"
	"github.com/liliang-cn/livingmemory/pkg/sparse"
)

// recencyDecayRate is the exponent used for the recency score
// exp(-rate * hoursSinceAccess); 0.028 gives a half-life of about 24 hours.
const recencyDecayRate = 0.028

// Recaller retrieves memories for a query. Mode and fusion strategy are
// runtime-switchable; everything else is fixed at construction. Safe for
// concurrent use.
type Recaller struct {
	manager   *Manager
	retriever *sparse.Retriever
	logger    core.Logger
	tracer    trace.Tracer

	mu    sync.RWMutex
	cfg   config.RecallEngineConfig
	fcfg  config.FusionConfig
	fuser fusion.Fuser
}

// NewRecaller builds a recall engine over the manager's substores. The
// fusion strategy named by fusionCfg is instantiated eagerly so a bad
// strategy fails here rather than on the first query.
func NewRecaller(m *Manager, recallCfg config.RecallEngineConfig, fusionCfg config.FusionConfig, logger core.Logger) (*Recaller, error) {
	if logger == nil {
		logger = core.NopLogger()
	}
	fuser, err := fusion.New(fusionCfg)
	if err != nil {
		return nil, err
	}

	wsum := recallCfg.SimilarityWeight + recallCfg.ImportanceWeight + recallCfg.RecencyWeight
	if diff := wsum - 1.0; diff > 0.1 || diff < -0.1 {
		logger.Warn("recall weights drift from 1.0; final scores will be skewed", "sum", wsum)
	}

	return &Recaller{
		manager:   m,
		retriever: m.sparse,
		logger:    logger,
		tracer:    otel.Tracer("livingmemory/memory"),
		cfg:       recallCfg,
		fcfg:      fusionCfg,
		fuser:     fuser,
	}, nil
}

// Recall retrieves up to k memories for the query, scoped to the session and
// persona when given. k <= 0 falls back to the configured top_k. The access
// times of everything returned are stamped in the background.
func (r *Recaller) Recall(ctx context.Context, query string, sessionID, personaID string, k int) ([]ScoredRecord, error) {
	ctx, span := r.tracer.Start(ctx, "memory.recall")
	defer span.End()

	r.mu.RLock()
	cfg := r.cfg
	fuser := r.fuser
	r.mu.RUnlock()

	if k <= 0 {
		k = cfg.TopK
	}

	var (
		results []ScoredRecord
		err     error
	)
	switch cfg.RetrievalMode {
	case config.ModeSparse:
		results, err = r.recallSparse(ctx, query, sessionID, personaID, k)
	case config.ModeDense:
		results, err = r.recallDense(ctx, query, sessionID, personaID, k, cfg)
	default:
		results, err = r.recallHybrid(ctx, query, sessionID, personaID, k, cfg, fuser)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ids := make([]int64, len(results))
	for i := range results {
		ids[i] = results[i].ID
	}
	r.manager.touchAccessAsync(ids)

	span.SetAttributes(attribute.Int("memory.hits", len(results)), attribute.String("memory.mode", cfg.RetrievalMode))
	return results, nil
}

// recallHybrid fans dense and sparse searches out concurrently with 2k
// headroom each, fuses the two candidate lists and reranks. A failed arm
// contributes an empty list rather than failing the recall.
func (r *Recaller) recallHybrid(ctx context.Context, query, sessionID, personaID string, k int, cfg config.RecallEngineConfig, fuser fusion.Fuser) ([]ScoredRecord, error) {
	fetchK := 2 * k

	denseCh := make(chan []ScoredRecord, 1)
	sparseCh := make(chan []sparse.Hit, 1)

	go func() {
		records, err := r.manager.searchDense(ctx, query, fetchK, sessionID, personaID)
		if err != nil {
			r.logger.Warn("dense recall arm failed", "error", err)
			records = nil
		}
		denseCh <- records
	}()
	go func() {
		// The sparse retriever reports failures as an empty result itself.
		sparseCh <- r.retriever.Search(ctx, query, fetchK, sparseFilters(sessionID, personaID))
	}()

	denseRecords := <-denseCh
	sparseHits := <-sparseCh
	if len(denseRecords) == 0 && len(sparseHits) == 0 {
		return []ScoredRecord{}, nil
	}

	// Candidates carry content lengths for the diversity-aware strategies,
	// so sparse-only ids need their records up front; they are also what we
	// hand back after fusion.
	byID := make(map[int64]MemoryRecord, len(denseRecords)+len(sparseHits))
	dense := make([]fusion.Candidate, 0, len(denseRecords))
	for _, rec := range denseRecords {
		byID[rec.ID] = rec.MemoryRecord
		dense = append(dense, fusion.Candidate{
			ID:         rec.ID,
			Score:      rec.Similarity,
			ContentLen: utf8.RuneCountInString(rec.Content),
		})
	}

	var missing []int64
	for _, h := range sparseHits {
		if _, ok := byID[h.ID]; !ok {
			missing = append(missing, h.ID)
		}
	}
	if len(missing) > 0 {
		records, err := r.manager.recordsByID(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !matchesFilters(rec.Metadata, sessionID, personaID) {
				continue
			}
			byID[rec.ID] = rec
		}
	}

	sparseCands := make([]fusion.Candidate, 0, len(sparseHits))
	for _, h := range sparseHits {
		rec, ok := byID[h.ID]
		if !ok {
			continue
		}
		sparseCands = append(sparseCands, fusion.Candidate{
			ID:         h.ID,
			Score:      h.Score,
			ContentLen: utf8.RuneCountInString(rec.Content),
		})
	}

	fused := fuser.Fuse(dense, sparseCands, k, fusion.Analyze(query))

	results := make([]ScoredRecord, 0, len(fused))
	for _, f := range fused {
		rec, ok := byID[f.ID]
		if !ok {
			continue
		}
		results = append(results, ScoredRecord{MemoryRecord: rec, Similarity: f.FinalScore})
	}
	return r.rerank(results, cfg), nil
}

// recallDense is the single-channel dense path.
func (r *Recaller) recallDense(ctx context.Context, query, sessionID, personaID string, k int, cfg config.RecallEngineConfig) ([]ScoredRecord, error) {
	results, err := r.manager.searchDense(ctx, query, k, sessionID, personaID)
	if err != nil {
		return nil, err
	}
	return r.rerank(results, cfg), nil
}

// recallSparse is the single-channel keyword path. BM25 scores are already
// normalized per query, so no rerank is applied.
func (r *Recaller) recallSparse(ctx context.Context, query, sessionID, personaID string, k int) ([]ScoredRecord, error) {
	hits := r.retriever.Search(ctx, query, k, sparseFilters(sessionID, personaID))
	if len(hits) == 0 {
		return []ScoredRecord{}, nil
	}

	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}

	records, err := r.manager.recordsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(records))
	for _, rec := range records {
		if !matchesFilters(rec.Metadata, sessionID, personaID) {
			continue
		}
		results = append(results, ScoredRecord{MemoryRecord: rec, Similarity: scores[rec.ID]})
	}
	return results, nil
}

// rerank blends each record's retrieval score with its importance and
// recency, overwrites Similarity with the blend and sorts descending. The
// similarity strategy keeps the retrieval order untouched.
func (r *Recaller) rerank(results []ScoredRecord, cfg config.RecallEngineConfig) []ScoredRecord {
	if cfg.RecallStrategy != config.StrategyWeighted || len(results) == 0 {
		return results
	}

	now := epochNow()
	for i := range results {
		last := results[i].Metadata.LastAccessTime
		if last <= 0 {
			last = now
		}
		hours := (now - last) / 3600
		recency := math.Exp(-recencyDecayRate * hours)

		results[i].Similarity = results[i].Similarity*cfg.SimilarityWeight +
			results[i].Metadata.Importance*cfg.ImportanceWeight +
			recency*cfg.RecencyWeight
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results
}

// sparseFilters builds the metadata scoping for the full-text arm.
func sparseFilters(sessionID, personaID string) core.Filters {
	filters := core.Filters{}
	if sessionID != "" {
		filters["session_id"] = sessionID
	}
	if personaID != "" {
		filters["persona_id"] = personaID
	}
	return filters
}

// ---------------------------------------------------------------------------
// Runtime tuning – used by the plugin host's admin operations
// ---------------------------------------------------------------------------

// Mode returns the active retrieval mode.
func (r *Recaller) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.RetrievalMode
}

// SetMode switches the retrieval mode at runtime.
func (r *Recaller) SetMode(mode string) error {
	switch mode {
	case config.ModeHybrid, config.ModeDense, config.ModeSparse:
	default:
		return core.WrapError("recall.set_mode",
			fmt.Errorf("%w: unknown retrieval mode %q, use hybrid|dense|sparse", core.ErrValidation, mode))
	}
	r.mu.Lock()
	r.cfg.RetrievalMode = mode
	r.mu.Unlock()
	r.logger.Info("retrieval mode changed", "mode", mode)
	return nil
}

// Config returns a snapshot of the recall configuration.
func (r *Recaller) Config() config.RecallEngineConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// FusionConfig returns a snapshot of the active fusion configuration.
func (r *Recaller) FusionConfig() config.FusionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fcfg
}

// SetFusion validates and installs a new fusion configuration, rebuilding
// the fuser. The previous configuration stays in place on error.
func (r *Recaller) SetFusion(fcfg config.FusionConfig) error {
	fuser, err := fusion.New(fcfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.fcfg = fcfg
	r.fuser = fuser
	r.mu.Unlock()
	r.logger.Info("fusion strategy changed", "strategy", fcfg.Strategy)
	return nil
}
