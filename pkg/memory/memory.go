// Package memory implements the lifecycle-managed core of livingmemory: the
// manager that keeps the document store, dense index and sparse mirror in
// lockstep, plus the three engines built on top of it.
//
//   - Recaller:        hybrid dense+sparse retrieval, fusion, weighted rerank
//   - Reflector:       two-stage LLM distillation of conversation history
//   - ForgettingAgent: periodic importance decay and pruning
//
// The Manager is the only component that mutates records. Cross-index writes
// are ordered so the rollbackable store is touched last for adds and first
// for deletes; the one unpreventable window (a commit failing after an index
// mutation) is logged as a critical storage conflict with index rebuild as
// the advertised recovery.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/index"
	"github.com/liliang-cn/livingmemory/pkg/sparse"
)

// ---------------------------------------------------------------------------
// Capabilities – provided by pkg/provider or test fakes
// ---------------------------------------------------------------------------

// Embedder turns text into a fixed-dimension vector. The same embedder must
// serve writes and queries; mixing embedders silently breaks recall.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Chatter is a minimal chat-completion capability. When jsonMode is set the
// provider asks the model for a JSON object response; callers still strip
// Markdown fences before decoding.
type Chatter interface {
	Chat(ctx context.Context, system, user string, jsonMode bool) (string, error)
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager coordinates all memory mutations across the document store, the
// dense vector index and the sparse full-text mirror. It is safe for
// concurrent use.
type Manager struct {
	store    *core.DocStore
	index    *index.Flat
	sparse   *sparse.Retriever
	embedder Embedder
	logger   core.Logger
	tracer   trace.Tracer

	indexPath string

	// saveMu serializes snapshot writes; dirty marks unsaved index state so
	// a failed save is retried by the next one.
	saveMu sync.Mutex
	dirty  bool

	// accessWG tracks in-flight access-time updaters so Close can drain them.
	accessWG sync.WaitGroup
}

// NewManager wires a manager over its substores. indexPath is where dense
// snapshots are written; sparse may be a disabled retriever but not nil.
func NewManager(store *core.DocStore, idx *index.Flat, retriever *sparse.Retriever, embedder Embedder, indexPath string, logger core.Logger) *Manager {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Manager{
		store:     store,
		index:     idx,
		sparse:    retriever,
		embedder:  embedder,
		logger:    logger,
		tracer:    otel.Tracer("livingmemory/memory"),
		indexPath: indexPath,
	}
}

// Index exposes the dense index for engine wiring.
func (m *Manager) Index() *index.Flat { return m.index }

// Store exposes the document store for engine wiring.
func (m *Manager) Store() *core.DocStore { return m.store }

// AddInput holds everything needed to persist one memory record. Only
// Content is required; Importance is clamped into [0,1].
type AddInput struct {
	Content    string
	Importance float64
	SessionID  string
	PersonaID  string
	EventType  EventType
	Entities   []Entity
	Extra      map[string]any
}

// Add embeds and persists a new record, returning its assigned id. The row
// insert and the vector insert share one transaction boundary: an index
// failure rolls the row back, and a commit failure removes the vector again,
// so a dense vector never outlives its row.
func (m *Manager) Add(ctx context.Context, in AddInput) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "memory.add")
	defer span.End()

	if in.Content == "" {
		return 0, core.WrapError("add", fmt.Errorf("%w: content cannot be empty", core.ErrValidation))
	}
	if in.EventType != "" && !ValidEventType(in.EventType) {
		return 0, core.WrapError("add", fmt.Errorf("%w: unknown event type %q", core.ErrValidation, in.EventType))
	}

	vec, err := m.embedder.Embed(ctx, in.Content)
	if err != nil {
		span.RecordError(err)
		return 0, core.WrapError("add", fmt.Errorf("%w: embed: %v", core.ErrExternalFailure, err))
	}

	now := epochNow()
	meta := Metadata{
		Importance:     clampUnit(in.Importance),
		CreateTime:     now,
		LastAccessTime: now,
		SessionID:      in.SessionID,
		PersonaID:      in.PersonaID,
		EventType:      in.EventType,
		Status:         StatusActive,
		Entities:       in.Entities,
		Extra:          in.Extra,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, core.WrapError("add", err)
	}

	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, core.WrapError("add", err)
	}

	id, err := m.store.InsertTx(ctx, tx, in.Content, string(metaJSON))
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := m.index.Add(id, vec); err != nil {
		_ = tx.Rollback()
		return 0, core.WrapError("add", fmt.Errorf("dense index rejected vector: %w", err))
	}

	if err := tx.Commit(); err != nil {
		// The row never landed; take the vector back out so the indexes agree.
		m.index.Remove(id)
		return 0, core.WrapError("add", fmt.Errorf("commit failed: %w", err))
	}

	m.markDirty()
	if err := m.SaveIndex(ctx); err != nil {
		m.logger.Warn("index snapshot failed after add; will retry on next save", "error", err)
	}

	span.SetAttributes(attribute.Int64("memory.id", id))
	m.logger.Debug("memory added", "id", id, "importance", meta.Importance, "session_id", in.SessionID)
	return id, nil
}

// UpdateFields names the editable parts of a record. Nil fields are left
// untouched; a field equal to its current value does not count as a change.
type UpdateFields struct {
	Content    *string
	Importance *float64
	EventType  *EventType
	Status     *Status
}

// Update applies the given edits to one record and returns the names of the
// fields that actually changed. Every effective update appends an entry to
// the record's update history. A content change re-embeds and swaps the
// dense vector under the same id.
func (m *Manager) Update(ctx context.Context, id int64, fields UpdateFields, reason string) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "memory.update",
		trace.WithAttributes(attribute.Int64("memory.id", id)))
	defer span.End()

	if err := validateUpdate(fields); err != nil {
		return nil, err
	}

	doc, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(doc.Metadata), &meta); err != nil {
		return nil, core.WrapError("update", fmt.Errorf("corrupt metadata for id %d: %w", id, err))
	}

	var changed []string
	newContent := doc.Text
	if fields.Content != nil && *fields.Content != doc.Text {
		newContent = *fields.Content
		changed = append(changed, "content")
	}
	if fields.Importance != nil && clampUnit(*fields.Importance) != meta.Importance {
		meta.Importance = clampUnit(*fields.Importance)
		changed = append(changed, "importance")
	}
	if fields.EventType != nil && *fields.EventType != meta.EventType {
		meta.EventType = *fields.EventType
		changed = append(changed, "event_type")
	}
	if fields.Status != nil && *fields.Status != meta.Status {
		meta.Status = *fields.Status
		changed = append(changed, "status")
	}
	if len(changed) == 0 {
		return nil, nil
	}

	now := epochNow()
	meta.LastUpdatedTime = now
	meta.AppendUpdate(UpdateEntry{Timestamp: now, Reason: reason, ChangedFields: changed})

	var vec []float32
	contentChanged := newContent != doc.Text
	if contentChanged {
		if newContent == "" {
			return nil, core.WrapError("update", fmt.Errorf("%w: content cannot be empty", core.ErrValidation))
		}
		vec, err = m.embedder.Embed(ctx, newContent)
		if err != nil {
			span.RecordError(err)
			return nil, core.WrapError("update", fmt.Errorf("%w: embed: %v", core.ErrExternalFailure, err))
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, core.WrapError("update", err)
	}
	metaStr := string(metaJSON)

	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, core.WrapError("update", err)
	}

	var textPtr *string
	if contentChanged {
		textPtr = &newContent
	}
	if err := m.store.UpdateTx(ctx, tx, id, textPtr, &metaStr); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if contentChanged {
		if err := m.index.Add(id, vec); err != nil {
			_ = tx.Rollback()
			return nil, core.WrapError("update", fmt.Errorf("dense index rejected vector: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		if contentChanged {
			// The index already carries the new vector while the row kept
			// the old text. That divergence cannot be unwound locally.
			m.logger.Error("CRITICAL: dense index and document store diverged on update; run index rebuild",
				"id", id, "error", err)
			return nil, core.WrapError("update", fmt.Errorf("%w: commit failed for id %d: %v", core.ErrStorageConflict, id, err))
		}
		return nil, core.WrapError("update", fmt.Errorf("commit failed: %w", err))
	}

	if contentChanged {
		m.markDirty()
		if err := m.SaveIndex(ctx); err != nil {
			m.logger.Warn("index snapshot failed after update; will retry on next save", "error", err)
		}
	}

	m.logger.Debug("memory updated", "id", id, "changed", changed, "reason", reason)
	return changed, nil
}

// validateUpdate range-checks field values before anything is read.
func validateUpdate(fields UpdateFields) error {
	if fields.Content == nil && fields.Importance == nil && fields.EventType == nil && fields.Status == nil {
		return core.WrapError("update", fmt.Errorf("%w: nothing to update", core.ErrValidation))
	}
	if fields.Importance != nil && (*fields.Importance < 0 || *fields.Importance > 1) {
		return core.WrapError("update", fmt.Errorf("%w: importance must be between 0.0 and 1.0", core.ErrValidation))
	}
	if fields.EventType != nil && !ValidEventType(*fields.EventType) {
		return core.WrapError("update", fmt.Errorf("%w: unknown event type %q", core.ErrValidation, *fields.EventType))
	}
	if fields.Status != nil && !ValidStatus(*fields.Status) {
		return core.WrapError("update", fmt.Errorf("%w: unknown status %q", core.ErrValidation, *fields.Status))
	}
	return nil
}

// Delete removes records by id across all indexes and returns how many rows
// were deleted. The SQL delete runs first inside the transaction so an index
// failure can still roll everything back.
func (m *Manager) Delete(ctx context.Context, ids ...int64) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "memory.delete",
		trace.WithAttributes(attribute.Int("memory.count", len(ids))))
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, core.WrapError("delete", err)
	}

	n, err := m.store.DeleteTx(ctx, tx, ids)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	m.index.Remove(ids...)

	if err := tx.Commit(); err != nil {
		// Vectors are gone but the rows survived. Searches will miss these
		// records until a rebuild restores the dense side.
		m.logger.Error("CRITICAL: dense index and document store diverged on delete; run index rebuild",
			"ids", ids, "error", err)
		return 0, core.WrapError("delete", fmt.Errorf("%w: commit failed: %v", core.ErrStorageConflict, err))
	}

	m.markDirty()
	if err := m.SaveIndex(ctx); err != nil {
		m.logger.Warn("index snapshot failed after delete; will retry on next save", "error", err)
	}

	m.logger.Debug("memories deleted", "count", n)
	return n, nil
}

// Get fetches one record by id.
func (m *Manager) Get(ctx context.Context, id int64) (*MemoryRecord, error) {
	doc, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := recordFromDoc(*doc)
	if err != nil {
		return nil, core.WrapError("get", err)
	}
	return &rec, nil
}

// Search runs a dense similarity search and returns up to k active records,
// most similar first. Access times of the returned ids are stamped through a
// single batched statement on a background goroutine; the returned copies
// keep their pre-search access times so rerankers see honest recency.
func (m *Manager) Search(ctx context.Context, query string, k int, sessionID, personaID string) ([]ScoredRecord, error) {
	ctx, span := m.tracer.Start(ctx, "memory.search")
	defer span.End()

	results, err := m.searchDense(ctx, query, k, sessionID, personaID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ids := make([]int64, len(results))
	for i := range results {
		ids[i] = results[i].ID
	}
	m.touchAccessAsync(ids)

	span.SetAttributes(attribute.Int("memory.hits", len(results)))
	return results, nil
}

// searchDense is the access-time-neutral dense search shared by Search and
// the recall engine. It fetches 2k candidates for filter headroom and trims
// to k after dropping non-active and filtered-out records.
func (m *Manager) searchDense(ctx context.Context, query string, k int, sessionID, personaID string) ([]ScoredRecord, error) {
	if k <= 0 {
		return []ScoredRecord{}, nil
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.WrapError("search", fmt.Errorf("%w: embed: %v", core.ErrExternalFailure, err))
	}

	hits, err := m.index.Search(vec, k*2)
	if err != nil {
		return nil, core.WrapError("search", err)
	}
	if len(hits) == 0 {
		return []ScoredRecord{}, nil
	}

	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}

	docs, err := m.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, k)
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			m.logger.Warn("skipping record with corrupt metadata", "id", doc.ID, "error", err)
			continue
		}
		if !matchesFilters(rec.Metadata, sessionID, personaID) {
			continue
		}
		results = append(results, ScoredRecord{MemoryRecord: rec, Similarity: scores[doc.ID]})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// matchesFilters applies the session/persona scoping and hides records in
// soft-deleted states.
func matchesFilters(meta Metadata, sessionID, personaID string) bool {
	if meta.Status != "" && meta.Status != StatusActive {
		return false
	}
	if sessionID != "" && meta.SessionID != sessionID {
		return false
	}
	if personaID != "" && meta.PersonaID != personaID {
		return false
	}
	return true
}

// touchAccessAsync stamps last_access_time for ids without blocking the
// caller. Every returned search hit is recorded as accessed; failures only
// warn because access bookkeeping must never fail a read path.
func (m *Manager) touchAccessAsync(ids []int64) {
	if len(ids) == 0 {
		return
	}
	at := epochNow()
	m.accessWG.Add(1)
	go func() {
		defer m.accessWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.TouchAccessTimes(ctx, ids, at); err != nil {
			m.logger.Warn("failed to update access times", "count", len(ids), "error", err)
		}
	}()
}

// Paginate returns records in stable id order for full scans.
func (m *Manager) Paginate(ctx context.Context, pageSize, offset int) ([]MemoryRecord, error) {
	docs, err := m.store.GetPage(ctx, pageSize, offset, nil)
	if err != nil {
		return nil, err
	}
	records := make([]MemoryRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			m.logger.Warn("skipping record with corrupt metadata", "id", doc.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns the total number of stored records.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.store.Count(ctx, nil)
}

// CountByStatus groups record counts by lifecycle status.
func (m *Manager) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return m.store.CountByStatus(ctx)
}

// WipeAll removes every record from all indexes and returns how many were
// deleted.
func (m *Manager) WipeAll(ctx context.Context) (int64, error) {
	n, err := m.store.WipeAll(ctx)
	if err != nil {
		return 0, err
	}
	m.index.Clear()
	m.markDirty()
	if err := m.SaveIndex(ctx); err != nil {
		m.logger.Warn("index snapshot failed after wipe; will retry on next save", "error", err)
	}
	m.logger.Info("memory store wiped", "deleted", n)
	return n, nil
}

// RebuildSparse rebuilds the full-text mirror from the documents table.
func (m *Manager) RebuildSparse(ctx context.Context) error {
	return m.sparse.Rebuild(ctx)
}

// RebuildIndex re-embeds every stored record and reconstructs the dense
// index from scratch. Vectors live only in the index, so this is the
// recovery path for a lost or diverged snapshot. Searches issued while the
// rebuild is installing see a briefly shrunken index.
func (m *Manager) RebuildIndex(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "memory.rebuild_index")
	defer span.End()

	const pageSize = 256
	vectors := make(map[int64][]float32)
	for offset := 0; ; offset += pageSize {
		docs, err := m.store.GetPage(ctx, pageSize, offset, nil)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			vec, err := m.embedder.Embed(ctx, doc.Text)
			if err != nil {
				span.RecordError(err)
				return core.WrapError("rebuild_index",
					fmt.Errorf("%w: embed id %d: %v", core.ErrExternalFailure, doc.ID, err))
			}
			vectors[doc.ID] = vec
		}
		if len(docs) < pageSize {
			break
		}
	}

	m.index.Clear()
	for id, vec := range vectors {
		if err := m.index.Add(id, vec); err != nil {
			return core.WrapError("rebuild_index", err)
		}
	}

	m.markDirty()
	if err := m.SaveIndex(ctx); err != nil {
		return err
	}
	m.logger.Info("dense index rebuilt", "vectors", len(vectors))
	return nil
}

// markDirty flags unsaved index state.
func (m *Manager) markDirty() {
	m.saveMu.Lock()
	m.dirty = true
	m.saveMu.Unlock()
}

// SaveIndex writes the dense snapshot if there are unsaved changes. On
// failure the dirty flag survives so the next save retries.
func (m *Manager) SaveIndex(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError("save_index", err)
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if !m.dirty {
		return nil
	}
	if err := m.index.Save(m.indexPath); err != nil {
		return core.WrapError("save_index", err)
	}
	m.dirty = false
	return nil
}

// Close drains background access updates, persists the index and closes the
// document store.
func (m *Manager) Close() error {
	m.accessWG.Wait()
	if err := m.SaveIndex(context.Background()); err != nil {
		m.logger.Warn("final index snapshot failed", "error", err)
	}
	return m.store.Close()
}

// recordFromDoc decodes a document row into a MemoryRecord.
func recordFromDoc(doc core.Document) (MemoryRecord, error) {
	var meta Metadata
	if err := json.Unmarshal([]byte(doc.Metadata), &meta); err != nil {
		return MemoryRecord{}, fmt.Errorf("metadata for id %d: %w", doc.ID, err)
	}
	return MemoryRecord{
		ID:        doc.ID,
		Content:   doc.Text,
		Metadata:  meta,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// recordsByID batch-fetches and decodes records, preserving input order and
// skipping missing or corrupt rows.
func (m *Manager) recordsByID(ctx context.Context, ids []int64) ([]MemoryRecord, error) {
	docs, err := m.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]MemoryRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			m.logger.Warn("skipping record with corrupt metadata", "id", doc.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
