package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

func testForgettingConfig() config.ForgettingAgentConfig {
	return config.ForgettingAgentConfig{
		Enabled:             true,
		CheckIntervalHours:  24,
		RetentionDays:       90,
		ImportanceDecayRate: 0.001,
		ImportanceThreshold: 0.1,
		ForgettingBatchSize: 1000,
	}
}

// setRecordAge rewrites a record's create and access times to ageSeconds ago.
func setRecordAge(t *testing.T, m *Manager, id int64, ageSeconds float64) {
	t.Helper()
	ctx := context.Background()
	rec, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", id, err)
	}
	rec.Metadata.CreateTime = epochNow() - ageSeconds
	rec.Metadata.LastAccessTime = rec.Metadata.CreateTime
	raw, err := json.Marshal(rec.Metadata)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := m.Store().UpdateMetadataBatch(ctx, []core.MetadataUpdate{{ID: id, Metadata: string(raw)}}); err != nil {
		t.Fatalf("UpdateMetadataBatch() error = %v", err)
	}
}

const daySeconds = 86400

func TestPruneDecaysAndDeletes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	fresh := mustAdd(t, m, AddInput{Content: "recent note", Importance: 0.5})
	setRecordAge(t, m, fresh, 10*daySeconds)

	stale := mustAdd(t, m, AddInput{Content: "stale trivia", Importance: 0.15})
	setRecordAge(t, m, stale, 100*daySeconds)

	treasured := mustAdd(t, m, AddInput{Content: "anniversary date", Importance: 0.95})
	setRecordAge(t, m, treasured, 100*daySeconds)

	agent := NewForgettingAgent(m, testForgettingConfig(), core.NopLogger())
	stats, err := agent.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if stats.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", stats.Scanned)
	}
	if stats.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", stats.Deleted)
	}

	// Old and unimportant: decays to 0.05, below threshold, past retention.
	if _, err := m.Get(ctx, stale); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("stale record error = %v, want ErrNotFound", err)
	}

	// Recent: decays but stays, retention has not passed.
	rec, err := m.Get(ctx, fresh)
	if err != nil {
		t.Fatalf("Get(fresh) error = %v", err)
	}
	if got := rec.Metadata.Importance; math.Abs(got-0.49) > 1e-3 {
		t.Errorf("fresh importance = %v, want ~0.49", got)
	}

	// Old but important: decays yet stays above the deletion threshold.
	rec, err = m.Get(ctx, treasured)
	if err != nil {
		t.Fatalf("Get(treasured) error = %v", err)
	}
	if got := rec.Metadata.Importance; math.Abs(got-0.85) > 1e-3 {
		t.Errorf("treasured importance = %v, want ~0.85", got)
	}

	if n, _ := m.Count(ctx); n != 2 {
		t.Errorf("Count() = %d after prune, want 2", n)
	}
}

func TestPruneKeepsYoungLowImportanceRecords(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := mustAdd(t, m, AddInput{Content: "barely matters yet", Importance: 0.05})
	setRecordAge(t, m, id, 10*daySeconds)

	agent := NewForgettingAgent(m, testForgettingConfig(), core.NopLogger())
	stats, err := agent.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if stats.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 (retention window not passed)", stats.Deleted)
	}
	if _, err := m.Get(ctx, id); err != nil {
		t.Errorf("record deleted before retention: %v", err)
	}
}

func TestPruneNeverRaisesImportance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	before := map[int64]float64{}
	for i, imp := range []float64{0, 0.33, 0.66, 1.0} {
		id := mustAdd(t, m, AddInput{Content: fmt.Sprintf("note %d", i), Importance: imp})
		setRecordAge(t, m, id, 5*daySeconds)
		rec, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		before[id] = rec.Metadata.Importance
	}

	agent := NewForgettingAgent(m, testForgettingConfig(), core.NopLogger())
	if _, err := agent.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	for id, old := range before {
		rec, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%d) error = %v", id, err)
		}
		if rec.Metadata.Importance > old {
			t.Errorf("id %d importance rose from %v to %v", id, old, rec.Metadata.Importance)
		}
		if rec.Metadata.Importance < 0 {
			t.Errorf("id %d importance went negative: %v", id, rec.Metadata.Importance)
		}
	}
}

func TestPruneRejectsConcurrentRuns(t *testing.T) {
	m := newTestManager(t)
	agent := NewForgettingAgent(m, testForgettingConfig(), core.NopLogger())

	agent.mu.Lock()
	agent.running = true
	agent.mu.Unlock()

	if _, err := agent.Prune(context.Background()); !errors.Is(err, core.ErrBusy) {
		t.Fatalf("Prune() during a run error = %v, want ErrBusy", err)
	}

	agent.mu.Lock()
	agent.running = false
	agent.mu.Unlock()

	if _, err := agent.Prune(context.Background()); err != nil {
		t.Errorf("Prune() after release error = %v", err)
	}
}

func TestPrunePaginatesLargeSets(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const total = 250
	updates := make([]core.MetadataUpdate, 0, total)
	ago := epochNow() - daySeconds
	for i := 0; i < total; i++ {
		id := mustAdd(t, m, AddInput{Content: fmt.Sprintf("bulk record %d", i), Importance: 0.9})
		rec, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		rec.Metadata.CreateTime = ago
		rec.Metadata.LastAccessTime = ago
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		updates = append(updates, core.MetadataUpdate{ID: id, Metadata: string(raw)})
	}
	if err := m.Store().UpdateMetadataBatch(ctx, updates); err != nil {
		t.Fatalf("UpdateMetadataBatch() error = %v", err)
	}

	cfg := testForgettingConfig()
	cfg.ForgettingBatchSize = 100
	agent := NewForgettingAgent(m, cfg, core.NopLogger())

	stats, err := agent.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if stats.Scanned != total {
		t.Errorf("Scanned = %d, want %d", stats.Scanned, total)
	}
	if stats.Decayed != total {
		t.Errorf("Decayed = %d, want %d", stats.Decayed, total)
	}
	if stats.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0", stats.Deleted)
	}
	if n, _ := m.Count(ctx); n != total {
		t.Errorf("Count() = %d, want %d", n, total)
	}
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	m := newTestManager(t)
	cfg := testForgettingConfig()
	cfg.Enabled = false
	agent := NewForgettingAgent(m, cfg, core.NopLogger())

	done := make(chan struct{})
	go func() {
		agent.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return for a disabled agent")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newTestManager(t)
	agent := NewForgettingAgent(m, testForgettingConfig(), core.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancellation")
	}
}
