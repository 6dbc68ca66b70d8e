package memory

// forget.go implements the background agent that decays importance over time
// and prunes records that are both old and unimportant, approximating a
// forgetting curve with a linear decay.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

// deleteBatchSize bounds each delete statement issued by a prune pass.
const deleteBatchSize = 100

// PruneStats summarizes one prune pass.
type PruneStats struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Deleted int `json:"deleted"`
}

// ForgettingAgent periodically decays record importance and deletes records
// older than the retention window whose decayed importance fell below the
// threshold. Manual and periodic runs are serialized: a trigger while a run
// is in flight fails fast with ErrBusy.
type ForgettingAgent struct {
	manager *Manager
	cfg     config.ForgettingAgentConfig
	logger  core.Logger

	mu      sync.Mutex
	running bool
}

// NewForgettingAgent builds the agent; Run starts the periodic loop.
func NewForgettingAgent(m *Manager, cfg config.ForgettingAgentConfig, logger core.Logger) *ForgettingAgent {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &ForgettingAgent{manager: m, cfg: cfg, logger: logger}
}

// Run loops until ctx is canceled: sleep the configured interval, then
// prune. A failed pass logs and backs off for a minute instead of retrying
// immediately.
func (a *ForgettingAgent) Run(ctx context.Context) {
	if !a.cfg.Enabled {
		a.logger.Info("forgetting agent disabled")
		return
	}

	interval := time.Duration(a.cfg.CheckIntervalHours) * time.Hour
	a.logger.Info("forgetting agent started", "interval_hours", a.cfg.CheckIntervalHours)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("forgetting agent stopped")
			return
		case <-time.After(interval):
		}

		stats, err := a.Prune(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("forgetting agent stopped")
				return
			}
			a.logger.Error("memory pruning failed", "error", err)
			select {
			case <-ctx.Done():
				a.logger.Info("forgetting agent stopped")
				return
			case <-time.After(time.Minute):
			}
			continue
		}
		a.logger.Info("memory pruning finished",
			"scanned", stats.Scanned, "decayed", stats.Decayed, "deleted", stats.Deleted)
	}
}

// Prune makes one paginated pass over every record: importance is decayed
// linearly by age, decayed metadata is flushed in batches, and records past
// retention whose decayed importance sits below the threshold are deleted in
// sub-batches. A second Prune while one is running returns ErrBusy.
func (a *ForgettingAgent) Prune(ctx context.Context) (PruneStats, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return PruneStats{}, core.WrapError("prune", core.ErrBusy)
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	var stats PruneStats
	now := epochNow()
	pageSize := a.cfg.ForgettingBatchSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	retentionSecs := float64(a.cfg.RetentionDays) * 86400

	var pendingUpdates []core.MetadataUpdate
	var toDelete []int64

	for offset := 0; ; offset += pageSize {
		page, err := a.manager.Paginate(ctx, pageSize, offset)
		if err != nil {
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			stats.Scanned++

			createTime := rec.Metadata.CreateTime
			if createTime <= 0 {
				createTime = now
			}
			age := now - createTime
			days := age / 86400

			decayed := rec.Metadata.Importance - days*a.cfg.ImportanceDecayRate
			if decayed < 0 {
				decayed = 0
			}

			if decayed < rec.Metadata.Importance {
				rec.Metadata.Importance = decayed
				metaJSON, err := json.Marshal(rec.Metadata)
				if err != nil {
					a.logger.Warn("skipping undecodable metadata during prune", "id", rec.ID, "error", err)
					continue
				}
				pendingUpdates = append(pendingUpdates, core.MetadataUpdate{ID: rec.ID, Metadata: string(metaJSON)})
				stats.Decayed++
			}

			if age > retentionSecs && decayed < a.cfg.ImportanceThreshold {
				toDelete = append(toDelete, rec.ID)
			}
		}

		if len(pendingUpdates) >= 2*pageSize {
			if err := a.manager.store.UpdateMetadataBatch(ctx, pendingUpdates); err != nil {
				return stats, err
			}
			pendingUpdates = pendingUpdates[:0]
		}
		a.logger.Debug("prune progress", "scanned", stats.Scanned)

		if len(page) < pageSize {
			break
		}
	}

	if len(pendingUpdates) > 0 {
		if err := a.manager.store.UpdateMetadataBatch(ctx, pendingUpdates); err != nil {
			return stats, err
		}
	}

	for start := 0; start < len(toDelete); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(toDelete) {
			end = len(toDelete)
		}
		n, err := a.manager.Delete(ctx, toDelete[start:end]...)
		if err != nil {
			return stats, err
		}
		stats.Deleted += int(n)
	}

	return stats, nil
}
