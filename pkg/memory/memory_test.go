package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/index"
	"github.com/liliang-cn/livingmemory/pkg/sparse"
)

// hashEmbedder is a deterministic bag-of-words embedder: every lowercased
// token bumps one hashed bucket. Identical texts embed identically and texts
// sharing words overlap, which is all the structure the search tests need.
type hashEmbedder struct {
	mu       sync.Mutex
	dim      int
	calls    int
	failWith error
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failWith
	e.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	dim := e.dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%uint32(dim)]++
	}
	// A shared bias bucket keeps every vector non-zero for cosine.
	vec[0]++
	return vec, nil
}

func (e *hashEmbedder) setFailure(err error) {
	e.mu.Lock()
	e.failWith = err
	e.mu.Unlock()
}

func (e *hashEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return newTestManagerWithEmbedder(t, &hashEmbedder{})
}

func newTestManagerWithEmbedder(t *testing.T, emb Embedder) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := core.NewWithConfig(core.Config{
		Path:   filepath.Join(dir, "livingmemory.db"),
		Logger: core.NopLogger(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	m := NewManager(store, index.NewFlat(0, index.Cosine), sparse.New(store, sparse.DefaultConfig()),
		emb, filepath.Join(dir, "livingmemory.index"), core.NopLogger())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustAdd(t *testing.T, m *Manager, in AddInput) int64 {
	t.Helper()
	id, err := m.Add(context.Background(), in)
	if err != nil {
		t.Fatalf("Add(%q) error = %v", in.Content, err)
	}
	return id
}

func TestAddAndGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := mustAdd(t, m, AddInput{
		Content:    "I prefer dark roast coffee in the morning",
		Importance: 0.8,
		SessionID:  "sess-1",
		PersonaID:  "persona-1",
		EventType:  EventPreference,
		Entities:   []Entity{{Name: "coffee", Type: "beverage"}},
		Extra:      map[string]any{"source": "unit"},
	})

	rec, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", id, err)
	}
	if rec.Content != "I prefer dark roast coffee in the morning" {
		t.Errorf("Content = %q", rec.Content)
	}
	if rec.Metadata.Importance != 0.8 {
		t.Errorf("Importance = %v, want 0.8", rec.Metadata.Importance)
	}
	if rec.Metadata.SessionID != "sess-1" || rec.Metadata.PersonaID != "persona-1" {
		t.Errorf("scope = %q/%q, want sess-1/persona-1", rec.Metadata.SessionID, rec.Metadata.PersonaID)
	}
	if rec.Metadata.EventType != EventPreference {
		t.Errorf("EventType = %q, want preference", rec.Metadata.EventType)
	}
	if rec.Metadata.Status != StatusActive {
		t.Errorf("Status = %q, want active", rec.Metadata.Status)
	}
	if rec.Metadata.CreateTime <= 0 || rec.Metadata.LastAccessTime != rec.Metadata.CreateTime {
		t.Errorf("timestamps = create %v, access %v", rec.Metadata.CreateTime, rec.Metadata.LastAccessTime)
	}
	if len(rec.Metadata.Entities) != 1 || rec.Metadata.Entities[0].Name != "coffee" {
		t.Errorf("Entities = %+v", rec.Metadata.Entities)
	}
	if got := rec.Metadata.Extra["source"]; got != "unit" {
		t.Errorf(`Extra["source"] = %v, want "unit"`, got)
	}

	if !m.Index().Contains(id) {
		t.Error("dense index does not contain the new id")
	}
	if n, err := m.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count() = %d, %v, want 1", n, err)
	}
}

func TestAddValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Add(ctx, AddInput{Content: ""}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty content error = %v, want ErrValidation", err)
	}
	if _, err := m.Add(ctx, AddInput{Content: "x", EventType: "gossip"}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("unknown event type error = %v, want ErrValidation", err)
	}
}

func TestAddClampsImportance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	high := mustAdd(t, m, AddInput{Content: "over the top", Importance: 1.7})
	low := mustAdd(t, m, AddInput{Content: "below the floor", Importance: -0.3})

	if rec, _ := m.Get(ctx, high); rec.Metadata.Importance != 1 {
		t.Errorf("Importance = %v, want 1", rec.Metadata.Importance)
	}
	if rec, _ := m.Get(ctx, low); rec.Metadata.Importance != 0 {
		t.Errorf("Importance = %v, want 0", rec.Metadata.Importance)
	}
}

func TestAddEmbedFailure(t *testing.T) {
	emb := &hashEmbedder{}
	m := newTestManagerWithEmbedder(t, emb)
	emb.setFailure(errors.New("provider down"))

	_, err := m.Add(context.Background(), AddInput{Content: "unreachable"})
	if !errors.Is(err, core.ErrExternalFailure) {
		t.Fatalf("Add() error = %v, want ErrExternalFailure", err)
	}
	if n, _ := m.Count(context.Background()); n != 0 {
		t.Errorf("Count() = %d after failed add, want 0", n)
	}
}

func TestUpdateAppliesFieldsAndHistory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := mustAdd(t, m, AddInput{Content: "the user likes jazz", Importance: 0.5})

	content := "the user likes blues"
	importance := 0.9
	changed, err := m.Update(ctx, id, UpdateFields{Content: &content, Importance: &importance}, "correction")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(changed) != 2 || changed[0] != "content" || changed[1] != "importance" {
		t.Fatalf("changed = %v, want [content importance]", changed)
	}

	rec, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Content != content {
		t.Errorf("Content = %q, want %q", rec.Content, content)
	}
	if rec.Metadata.Importance != 0.9 {
		t.Errorf("Importance = %v, want 0.9", rec.Metadata.Importance)
	}
	if rec.Metadata.LastUpdatedTime <= 0 {
		t.Error("LastUpdatedTime not set")
	}
	if len(rec.Metadata.UpdateHistory) != 1 {
		t.Fatalf("UpdateHistory length = %d, want 1", len(rec.Metadata.UpdateHistory))
	}
	entry := rec.Metadata.UpdateHistory[0]
	if entry.Reason != "correction" || len(entry.ChangedFields) != 2 {
		t.Errorf("history entry = %+v", entry)
	}

	// The dense vector must follow the new content.
	hits, err := m.Search(ctx, "the user likes blues", 1, "", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id || hits[0].Similarity < 0.99 {
		t.Errorf("Search after update = %+v, want exact match on id %d", hits, id)
	}
}

func TestUpdateNoopReturnsNil(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := mustAdd(t, m, AddInput{Content: "steady state", Importance: 0.4})

	same := 0.4
	changed, err := m.Update(ctx, id, UpdateFields{Importance: &same}, "no-op")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changed != nil {
		t.Errorf("changed = %v, want nil", changed)
	}

	rec, _ := m.Get(ctx, id)
	if len(rec.Metadata.UpdateHistory) != 0 {
		t.Errorf("UpdateHistory grew on a no-op: %+v", rec.Metadata.UpdateHistory)
	}
}

func TestUpdateValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id := mustAdd(t, m, AddInput{Content: "target"})

	bad := 1.5
	badType := EventType("gossip")
	badStatus := Status("limbo")
	empty := ""

	cases := []struct {
		name   string
		fields UpdateFields
	}{
		{"no fields", UpdateFields{}},
		{"importance out of range", UpdateFields{Importance: &bad}},
		{"unknown event type", UpdateFields{EventType: &badType}},
		{"unknown status", UpdateFields{Status: &badStatus}},
		{"empty content", UpdateFields{Content: &empty}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Update(ctx, id, tc.fields, ""); !errors.Is(err, core.ErrValidation) {
				t.Errorf("Update() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	m := newTestManager(t)
	v := 0.5
	if _, err := m.Update(context.Background(), 9999, UpdateFields{Importance: &v}, ""); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Update(9999) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	keep := mustAdd(t, m, AddInput{Content: "the cat sits on the mat"})
	gone := mustAdd(t, m, AddInput{Content: "the dog sleeps in the yard"})

	n, err := m.Delete(ctx, gone)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Delete() = %d, want 1", n)
	}

	if _, err := m.Get(ctx, gone); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if m.Index().Contains(gone) {
		t.Error("dense index still contains the deleted id")
	}

	hits, err := m.Search(ctx, "the dog sleeps in the yard", 5, "", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.ID == gone {
			t.Errorf("deleted id %d still surfaces in search", gone)
		}
	}

	if n, _ := m.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if rec, err := m.Get(ctx, keep); err != nil || rec.ID != keep {
		t.Errorf("surviving record unreadable: %v", err)
	}

	if n, err := m.Delete(ctx); err != nil || n != 0 {
		t.Errorf("Delete() with no ids = %d, %v, want 0, nil", n, err)
	}
}

func TestSearchScoping(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := mustAdd(t, m, AddInput{Content: "favorite color is blue", SessionID: "s1", PersonaID: "p1"})
	mustAdd(t, m, AddInput{Content: "favorite color is green", SessionID: "s2", PersonaID: "p1"})
	archived := mustAdd(t, m, AddInput{Content: "favorite color is red", SessionID: "s1", PersonaID: "p1"})

	st := StatusArchived
	if _, err := m.Update(ctx, archived, UpdateFields{Status: &st}, "shelved"); err != nil {
		t.Fatalf("Update(status) error = %v", err)
	}

	hits, err := m.Search(ctx, "favorite color", 10, "s1", "p1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != a {
		t.Fatalf("Search(s1,p1) = %+v, want only id %d", hits, a)
	}

	hits, err = m.Search(ctx, "favorite color", 10, "", "p1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("Search(persona only) returned %d records, want 2", len(hits))
	}
	for _, h := range hits {
		if h.ID == archived {
			t.Error("archived record surfaced in search")
		}
	}
}

func TestSearchOwnContentRanksFirst(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mustAdd(t, m, AddInput{Content: "grocery list includes apples and bread"})
	target := mustAdd(t, m, AddInput{Content: "the meeting with Sam is on Thursday"})
	mustAdd(t, m, AddInput{Content: "passport renewal is due in October"})

	hits, err := m.Search(ctx, "the meeting with Sam is on Thursday", 3, "", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 || hits[0].ID != target {
		t.Fatalf("Search() top hit = %+v, want id %d first", hits, target)
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("exact-content similarity = %v, want ~1.0", hits[0].Similarity)
	}
}

func TestSearchBumpsAccessTimesAfterReturn(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := mustAdd(t, m, AddInput{Content: "remember the milk"})
	before, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	hits, err := m.Search(ctx, "remember the milk", 1, "", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Search() returned %d hits, want 1", len(hits))
	}
	// The returned copy carries the pre-search access time so downstream
	// reranking sees honest recency.
	if got := hits[0].Metadata.LastAccessTime; got != before.Metadata.LastAccessTime {
		t.Errorf("returned LastAccessTime = %v, want pre-search %v", got, before.Metadata.LastAccessTime)
	}

	m.accessWG.Wait()

	after, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Metadata.LastAccessTime <= before.Metadata.LastAccessTime {
		t.Errorf("LastAccessTime = %v, want > %v", after.Metadata.LastAccessTime, before.Metadata.LastAccessTime)
	}
	// The bump must not disturb the rest of the metadata.
	if after.Metadata.CreateTime != before.Metadata.CreateTime {
		t.Errorf("CreateTime changed: %v -> %v", before.Metadata.CreateTime, after.Metadata.CreateTime)
	}
}

func TestSearchZeroK(t *testing.T) {
	m := newTestManager(t)
	mustAdd(t, m, AddInput{Content: "present but unwanted"})

	hits, err := m.Search(context.Background(), "present", 0, "", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Search(k=0) = %d hits, want 0", len(hits))
	}
}

func TestCountByStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mustAdd(t, m, AddInput{Content: "still active"})
	archived := mustAdd(t, m, AddInput{Content: "put away"})
	st := StatusArchived
	if _, err := m.Update(ctx, archived, UpdateFields{Status: &st}, ""); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	counts, err := m.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts["active"] != 1 || counts["archived"] != 1 {
		t.Errorf("CountByStatus() = %v, want active:1 archived:1", counts)
	}
}

func TestWipeAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mustAdd(t, m, AddInput{Content: "first"})
	mustAdd(t, m, AddInput{Content: "second"})

	n, err := m.WipeAll(ctx)
	if err != nil {
		t.Fatalf("WipeAll() error = %v", err)
	}
	if n != 2 {
		t.Errorf("WipeAll() = %d, want 2", n)
	}
	if total, _ := m.Count(ctx); total != 0 {
		t.Errorf("Count() = %d after wipe, want 0", total)
	}
	if size := m.Index().Size(); size != 0 {
		t.Errorf("index Size() = %d after wipe, want 0", size)
	}
}

func TestRebuildIndexRestoresSearch(t *testing.T) {
	emb := &hashEmbedder{}
	m := newTestManagerWithEmbedder(t, emb)
	ctx := context.Background()

	a := mustAdd(t, m, AddInput{Content: "trains leave from platform nine"})
	b := mustAdd(t, m, AddInput{Content: "the library closes at midnight"})

	// Simulate a lost snapshot.
	m.Index().Clear()
	if hits, _ := m.Search(ctx, "trains leave from platform nine", 2, "", ""); len(hits) != 0 {
		t.Fatalf("expected empty search after index loss, got %+v", hits)
	}

	calls := emb.callCount()
	if err := m.RebuildIndex(ctx); err != nil {
		t.Fatalf("RebuildIndex() error = %v", err)
	}
	if emb.callCount()-calls != 2 {
		t.Errorf("RebuildIndex re-embedded %d texts, want 2", emb.callCount()-calls)
	}
	if size := m.Index().Size(); size != 2 {
		t.Errorf("index Size() = %d after rebuild, want 2", size)
	}

	hits, err := m.Search(ctx, "trains leave from platform nine", 1, "", "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != a {
		t.Errorf("Search() after rebuild = %+v, want id %d", hits, a)
	}
	if !m.Index().Contains(b) {
		t.Errorf("rebuilt index missing id %d", b)
	}
}

func TestIndexSnapshotPersistedOnAdd(t *testing.T) {
	m := newTestManager(t)
	mustAdd(t, m, AddInput{Content: "durable"})

	if _, err := os.Stat(m.indexPath); err != nil {
		t.Errorf("index snapshot missing after add: %v", err)
	}

	idx := index.NewFlat(0, index.Cosine)
	if err := idx.Load(m.indexPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("reloaded snapshot Size() = %d, want 1", idx.Size())
	}
}

func TestPaginateOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		ids = append(ids, mustAdd(t, m, AddInput{Content: text}))
	}

	page, err := m.Paginate(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Paginate() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Errorf("first page = %+v, want ids %v", page, ids[:2])
	}

	page, err = m.Paginate(ctx, 2, 2)
	if err != nil {
		t.Fatalf("Paginate() error = %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[2] {
		t.Errorf("second page = %+v, want id %d", page, ids[2])
	}
}
