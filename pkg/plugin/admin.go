package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/liliang-cn/livingmemory"
	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/fusion"
	"github.com/liliang-cn/livingmemory/pkg/memory"
)

// Response is the uniform admin envelope. Message is ready for direct
// display; Data carries the structured payload for JSON output.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func okf(data any, format string, args ...any) Response {
	return Response{Success: true, Message: fmt.Sprintf(format, args...), Data: data}
}

func failf(format string, args ...any) Response {
	return Response{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Display limits for the edit log, matching what fits a chat reply.
const (
	historyDisplayLimit = 5
	detailsHistoryLimit = 3
)

// defaultAdminSearchK is the result count of an admin search when the caller
// does not ask for a specific k.
const defaultAdminSearchK = 3

// guard returns the engine or, before Init, the canned failure response.
func (h *Host) guard() (*livingmemory.Engine, *Response) {
	if eng := h.Engine(); eng != nil {
		return eng, nil
	}
	r := failf("memory engine is not initialized yet")
	return nil, &r
}

// Status reports store totals, per-status counts and live session pressure.
func (h *Host) Status(ctx context.Context) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	total, err := eng.Memory().Count(ctx)
	if err != nil {
		return failf("counting memories: %v", err)
	}
	byStatus, err := eng.Memory().CountByStatus(ctx)
	if err != nil {
		return failf("counting memories by status: %v", err)
	}
	data := map[string]any{
		"total_count":      total,
		"status_counts":    byStatus,
		"index_vectors":    eng.Memory().Index().Size(),
		"current_sessions": eng.Sessions().Len(),
		"retrieval_mode":   eng.Recall().Mode(),
	}
	return okf(data, "memory store holds %d memories", total)
}

// Search runs an unscoped recall for inspection. k <= 0 selects the admin
// default of 3 results.
func (h *Host) Search(ctx context.Context, query string, k int) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	if strings.TrimSpace(query) == "" {
		return failf("search query must not be empty")
	}
	if k <= 0 {
		k = defaultAdminSearchK
	}
	hits, err := eng.Recall().Recall(ctx, query, "", "", k)
	if err != nil {
		return failf("search failed: %v", err)
	}
	if len(hits) == 0 {
		return okf(nil, "no memories matched %q", query)
	}
	return okf(hits, "found %d memories", len(hits))
}

// Forget permanently deletes one memory.
func (h *Host) Forget(ctx context.Context, id int64) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	n, err := eng.Memory().Delete(ctx, id)
	if err != nil {
		return failf("deleting memory %d: %v", id, err)
	}
	if n == 0 {
		return failf("memory %d not found", id)
	}
	return okf(nil, "deleted memory %d", id)
}

// RunForgettingAgent triggers one decay-and-prune pass immediately.
func (h *Host) RunForgettingAgent(ctx context.Context) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	stats, err := eng.Forget().Prune(ctx)
	if errors.Is(err, core.ErrBusy) {
		return failf("a forgetting pass is already running")
	}
	if err != nil {
		return failf("forgetting pass failed: %v", err)
	}
	return okf(stats, "scanned %d memories, decayed %d, deleted %d",
		stats.Scanned, stats.Decayed, stats.Deleted)
}

// SparseRebuild drops and repopulates the keyword index from the store.
func (h *Host) SparseRebuild(ctx context.Context) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	if err := eng.Memory().RebuildSparse(ctx); err != nil {
		return failf("rebuilding keyword index: %v", err)
	}
	return okf(nil, "keyword index rebuilt")
}

// Rebuild re-embeds every stored record into a fresh dense index. This is
// the recovery path when the snapshot diverged from the store or the
// embedding model changed.
func (h *Host) Rebuild(ctx context.Context) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	if err := eng.Memory().RebuildIndex(ctx); err != nil {
		return failf("rebuilding dense index: %v", err)
	}
	return okf(nil, "dense index rebuilt with %d vectors", eng.Memory().Index().Size())
}

// SearchMode reads or switches the retrieval mode. An empty mode reads; a
// successful switch also updates the host configuration.
func (h *Host) SearchMode(mode string) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	if mode == "" {
		current := eng.Recall().Mode()
		return okf(map[string]any{"mode": current}, "current retrieval mode: %s", current)
	}
	if err := eng.Recall().SetMode(mode); err != nil {
		return failf("invalid retrieval mode %q, use: %s, %s or %s",
			mode, config.ModeHybrid, config.ModeDense, config.ModeSparse)
	}
	h.swapConfig(func(c *config.Config) { c.RecallEngine.RetrievalMode = mode })
	return okf(nil, "retrieval mode set to: %s", mode)
}

// Edit changes one field of one memory. Supported fields are content,
// importance, type and status; values arrive as strings and are parsed and
// validated here so a bad command never reaches the store.
func (h *Host) Edit(ctx context.Context, id int64, field, value, reason string) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}

	var fields memory.UpdateFields
	switch field {
	case "content":
		if strings.TrimSpace(value) == "" {
			return failf("content must not be empty")
		}
		fields.Content = &value
	case "importance":
		imp, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return failf("importance must be a number, got %q", value)
		}
		if imp < 0 || imp > 1 {
			return failf("importance must be between 0.0 and 1.0, got %g", imp)
		}
		fields.Importance = &imp
	case "type":
		et := memory.EventType(strings.ToLower(value))
		if !memory.ValidEventType(et) {
			return failf("invalid event type %q, use: fact, preference, goal, opinion, relationship or other", value)
		}
		fields.EventType = &et
	case "status":
		st := memory.Status(strings.ToLower(value))
		if !memory.ValidStatus(st) {
			return failf("invalid status %q, use: active, archived or deleted", value)
		}
		fields.Status = &st
	default:
		return failf("unknown field %q, supported fields: content, importance, type, status", field)
	}

	if reason == "" {
		reason = "manual edit"
	}
	changed, err := eng.Memory().Update(ctx, id, fields, reason)
	if errors.Is(err, core.ErrNotFound) {
		return failf("memory %d not found", id)
	}
	if err != nil {
		return failf("updating memory %d: %v", id, err)
	}
	if len(changed) == 0 {
		return okf(nil, "memory %d already matches, nothing changed", id)
	}
	return okf(map[string]any{"updated_fields": changed},
		"memory %d updated (%s)", id, strings.Join(changed, ", "))
}

// History shows the most recent edits of one memory.
func (h *Host) History(ctx context.Context, id int64) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	rec, err := eng.Memory().Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return failf("memory %d not found", id)
	}
	if err != nil {
		return failf("loading memory %d: %v", id, err)
	}

	entries := rec.Metadata.UpdateHistory
	if len(entries) > historyDisplayLimit {
		entries = entries[len(entries)-historyDisplayLimit:]
	}
	if len(entries) == 0 {
		return okf(nil, "memory %d has never been edited", id)
	}
	return okf(map[string]any{
		"id":      id,
		"entries": h.renderEdits(entries),
	}, "last %d edits of memory %d", len(entries), id)
}

// Details shows one memory in full, with timestamps rendered in the
// configured timezone and the tail of its edit log.
func (h *Host) Details(ctx context.Context, id int64) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	rec, err := eng.Memory().Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return failf("memory %d not found", id)
	}
	if err != nil {
		return failf("loading memory %d: %v", id, err)
	}

	meta := rec.Metadata
	loc := h.location()
	edits := meta.UpdateHistory
	if len(edits) > detailsHistoryLimit {
		edits = edits[len(edits)-detailsHistoryLimit:]
	}
	data := map[string]any{
		"id":               rec.ID,
		"content":          rec.Content,
		"importance":       meta.Importance,
		"event_type":       string(meta.EventType),
		"status":           string(meta.Status),
		"session_id":       meta.SessionID,
		"persona_id":       meta.PersonaID,
		"create_time":      formatEpoch(meta.CreateTime, loc),
		"last_access_time": formatEpoch(meta.LastAccessTime, loc),
		"recent_edits":     h.renderEdits(edits),
	}
	return okf(data, "memory %d", id)
}

// Fusion reads or switches the fusion strategy. Parameters arrive as
// key=value strings and are validated per strategy; any rejection leaves the
// running configuration untouched.
func (h *Host) Fusion(strategy string, params []string) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	if strategy == "" {
		fcfg := eng.Recall().FusionConfig()
		return okf(fcfg, "current fusion strategy: %s", fcfg.Strategy)
	}
	if !fusion.ValidStrategy(strategy) {
		return failf("unknown fusion strategy %q, use one of: %s",
			strategy, strings.Join(fusion.Strategies(), ", "))
	}

	fcfg := eng.Recall().FusionConfig()
	fcfg.Strategy = strategy
	for _, p := range params {
		key, raw, found := strings.Cut(p, "=")
		if !found {
			return failf("parameter %q is not key=value", p)
		}
		if err := fusion.SetParam(&fcfg, strategy, key, raw); err != nil {
			return failf("%v", err)
		}
	}
	if err := eng.Recall().SetFusion(fcfg); err != nil {
		return failf("%v", err)
	}

	h.swapConfig(func(c *config.Config) { c.Fusion = fcfg })
	return okf(fcfg, "fusion strategy set to: %s", strategy)
}

// ConfigShow summarizes the active configuration plus live session count.
func (h *Host) ConfigShow() Response {
	cfg := h.Config()
	currentSessions := 0
	if eng := h.Engine(); eng != nil {
		currentSessions = eng.Sessions().Len()
	}
	data := map[string]any{
		"data_dir":  cfg.DataDir,
		"log_level": cfg.LogLevel,
		"session_manager": map[string]any{
			"max_sessions":        cfg.SessionManager.MaxSessions,
			"session_ttl_seconds": cfg.SessionManager.SessionTTLSeconds,
			"current_sessions":    currentSessions,
		},
		"recall_engine": map[string]any{
			"top_k":           cfg.RecallEngine.TopK,
			"retrieval_mode":  cfg.RecallEngine.RetrievalMode,
			"recall_strategy": cfg.RecallEngine.RecallStrategy,
		},
		"fusion": map[string]any{
			"strategy": cfg.Fusion.Strategy,
		},
		"reflection_engine": map[string]any{
			"summary_trigger_rounds": cfg.ReflectionEngine.SummaryTriggerRounds,
			"importance_threshold":   cfg.ReflectionEngine.ImportanceThreshold,
		},
		"sparse_retriever": map[string]any{
			"enabled": cfg.SparseRetriever.Enabled,
		},
		"forgetting_agent": map[string]any{
			"enabled":              cfg.ForgettingAgent.Enabled,
			"check_interval_hours": cfg.ForgettingAgent.CheckIntervalHours,
			"retention_days":       cfg.ForgettingAgent.RetentionDays,
		},
		"timezone": cfg.TimezoneSettings.Timezone,
	}
	return okf(data, "active configuration")
}

// ConfigValidate re-runs validation on the active configuration. Works
// before Init, so a bad config file is caught without opening anything.
func (h *Host) ConfigValidate() Response {
	warnings, err := h.Config().Validate()
	if err != nil {
		return failf("%v", err)
	}
	if len(warnings) > 0 {
		return okf(map[string]any{"warnings": warnings},
			"configuration valid with %d warnings", len(warnings))
	}
	return okf(nil, "configuration valid")
}

// WipeAll deletes every memory and clears all session buffers. The CLI layer
// is responsible for confirmation.
func (h *Host) WipeAll(ctx context.Context) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	n, err := eng.Memory().WipeAll(ctx)
	if err != nil {
		return failf("wipe failed: %v", err)
	}
	eng.Sessions().ResetAll()
	return okf(map[string]any{"deleted": n}, "wiped %d memories and all session buffers", n)
}

// Backup writes a point-in-time copy of the database and the current dense
// index snapshot into dir. The database copy uses VACUUM INTO, so it is a
// compacted, consistent image even while the engine keeps serving.
func (h *Host) Backup(ctx context.Context, dir string) Response {
	eng, fail := h.guard()
	if fail != nil {
		return *fail
	}
	if dir == "" {
		return failf("backup directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failf("creating backup directory: %v", err)
	}

	dbDest := filepath.Join(dir, config.DBFileName)
	if err := eng.Memory().Store().Backup(ctx, dbDest); err != nil {
		return failf("database backup failed: %v", err)
	}

	if err := eng.Memory().SaveIndex(ctx); err != nil {
		return failf("flushing index snapshot: %v", err)
	}
	idxDest := filepath.Join(dir, config.IndexFileName)
	if err := copyFile(h.currentConfig().IndexPath(), idxDest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failf("index backup failed: %v", err)
	}

	return okf(map[string]any{"database": dbDest, "index": idxDest},
		"backup written to %s", dir)
}

func (h *Host) renderEdits(entries []memory.UpdateEntry) []map[string]any {
	loc := h.location()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"time":           formatEpoch(e.Timestamp, loc),
			"reason":         e.Reason,
			"changed_fields": e.ChangedFields,
		})
	}
	return out
}

// location resolves the configured timezone, falling back to UTC if the zone
// name fails to load at display time.
func (h *Host) location() *time.Location {
	loc, err := h.currentConfig().Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// formatEpoch renders epoch seconds for humans in the given zone.
func formatEpoch(sec float64, loc *time.Location) string {
	if sec == 0 {
		return "never"
	}
	return time.Unix(int64(sec), 0).In(loc).Format("2006-01-02 15:04:05")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
