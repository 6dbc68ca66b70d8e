package core

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *DocStore {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustInsert(t *testing.T, store *DocStore, text, metadata string) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), text, metadata)
	if err != nil {
		t.Fatalf("Insert(%q) error = %v", text, err)
	}
	return id
}

func TestNewWithConfigRequiresPath(t *testing.T) {
	if _, err := NewWithConfig(Config{}); err == nil {
		t.Fatal("NewWithConfig() accepted an empty path")
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustInsert(t, store, "the user plays the violin", `{"kind":"note"}`)
	doc, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Text != "the user plays the violin" {
		t.Errorf("Text = %q", doc.Text)
	}
	if doc.Metadata != `{"kind":"note"}` {
		t.Errorf("Metadata = %q", doc.Metadata)
	}
	if doc.CreatedAt <= 0 || doc.UpdatedAt < doc.CreatedAt {
		t.Errorf("timestamps not stamped: created=%v updated=%v", doc.CreatedAt, doc.UpdatedAt)
	}

	// Empty metadata is normalized to an empty JSON object so json_extract
	// and json_set never see a malformed document.
	bare := mustInsert(t, store, "no metadata", "")
	doc, err = store.GetByID(ctx, bare)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Metadata != "{}" {
		t.Errorf("Metadata = %q, want {}", doc.Metadata)
	}

	if _, err := store.GetByID(ctx, 424242); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInsertRejectsEmptyText(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Insert(context.Background(), "", "{}"); !errors.Is(err, ErrValidation) {
		t.Fatalf("Insert(\"\") error = %v, want ErrValidation", err)
	}
}

func TestGetByIDsFollowsInputOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustInsert(t, store, "first", "")
	b := mustInsert(t, store, "second", "")
	c := mustInsert(t, store, "third", "")

	docs, err := store.GetByIDs(ctx, []int64{c, 999, a, b})
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("len(docs) = %d, want 3 (missing ids silently absent)", len(docs))
	}
	got := []int64{docs[0].ID, docs[1].ID, docs[2].ID}
	want := []int64{c, a, b}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	empty, err := store.GetByIDs(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("GetByIDs(nil) = %v, %v, want empty, nil", empty, err)
	}
}

func TestGetPagePaginatesWithFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var notes []int64
	for i := 0; i < 3; i++ {
		notes = append(notes, mustInsert(t, store, "note", `{"kind":"note"}`))
	}
	mustInsert(t, store, "task", `{"kind":"task"}`)
	mustInsert(t, store, "task", `{"kind":"task"}`)

	page, err := store.GetPage(ctx, 2, 1, Filters{"kind": "note"})
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != notes[1] || page[1].ID != notes[2] {
		t.Errorf("page = %v, want ids %d,%d", page, notes[1], notes[2])
	}

	if page, err = store.GetPage(ctx, 0, 0, nil); err != nil || len(page) != 0 {
		t.Errorf("GetPage(limit=0) = %v, %v, want empty, nil", page, err)
	}
}

func TestUpdateFieldsIndependently(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustInsert(t, store, "old text", `{"kind":"note"}`)
	before, _ := store.GetByID(ctx, id)

	text := "new text"
	if err := store.Update(ctx, id, &text, nil); err != nil {
		t.Fatalf("Update(text) error = %v", err)
	}
	doc, _ := store.GetByID(ctx, id)
	if doc.Text != "new text" || doc.Metadata != `{"kind":"note"}` {
		t.Errorf("after text update: text=%q metadata=%q", doc.Text, doc.Metadata)
	}
	if doc.UpdatedAt <= before.UpdatedAt {
		t.Errorf("updated_at not bumped: %v -> %v", before.UpdatedAt, doc.UpdatedAt)
	}

	meta := `{"kind":"task"}`
	if err := store.Update(ctx, id, nil, &meta); err != nil {
		t.Fatalf("Update(metadata) error = %v", err)
	}
	doc, _ = store.GetByID(ctx, id)
	if doc.Text != "new text" || doc.Metadata != `{"kind":"task"}` {
		t.Errorf("after metadata update: text=%q metadata=%q", doc.Text, doc.Metadata)
	}

	if err := store.Update(ctx, id, nil, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Update(nil, nil) error = %v, want ErrValidation", err)
	}
	if err := store.Update(ctx, 424242, &text, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTouchAccessTimesEditsInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustInsert(t, store, "one", `{"status":"active","last_access_time":1}`)
	b := mustInsert(t, store, "two", `{"status":"archived","last_access_time":1}`)

	if err := store.TouchAccessTimes(ctx, []int64{a, b}, 42.5); err != nil {
		t.Fatalf("TouchAccessTimes() error = %v", err)
	}

	docs, err := store.GetByIDs(ctx, []int64{a, b})
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	for _, doc := range docs {
		var meta map[string]any
		if err := json.Unmarshal([]byte(doc.Metadata), &meta); err != nil {
			t.Fatalf("metadata of %d not JSON: %v", doc.ID, err)
		}
		if meta["last_access_time"] != 42.5 {
			t.Errorf("id %d last_access_time = %v, want 42.5", doc.ID, meta["last_access_time"])
		}
		// Sibling fields survive the in-place edit.
		if meta["status"] == nil || meta["status"] == "" {
			t.Errorf("id %d status clobbered: %v", doc.ID, meta)
		}
	}

	if err := store.TouchAccessTimes(ctx, nil, 1); err != nil {
		t.Errorf("TouchAccessTimes(nil) error = %v", err)
	}
}

func TestUpdateMetadataBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustInsert(t, store, "one", `{"importance":0.2}`)
	b := mustInsert(t, store, "two", `{"importance":0.4}`)

	err := store.UpdateMetadataBatch(ctx, []MetadataUpdate{
		{ID: a, Metadata: `{"importance":0.1}`},
		{ID: b, Metadata: `{"importance":0.3}`},
	})
	if err != nil {
		t.Fatalf("UpdateMetadataBatch() error = %v", err)
	}

	doc, _ := store.GetByID(ctx, a)
	if doc.Metadata != `{"importance":0.1}` {
		t.Errorf("metadata a = %q", doc.Metadata)
	}
	doc, _ = store.GetByID(ctx, b)
	if doc.Metadata != `{"importance":0.3}` {
		t.Errorf("metadata b = %q", doc.Metadata)
	}
}

func TestDeleteReturnsAffected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustInsert(t, store, "one", "")
	b := mustInsert(t, store, "two", "")
	mustInsert(t, store, "three", "")

	n, err := store.Delete(ctx, []int64{a, b, 999})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Delete() = %d, want 2", n)
	}

	left, err := store.Count(ctx, nil)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if left != 1 {
		t.Errorf("Count() = %d, want 1", left)
	}

	if n, err = store.Delete(ctx, nil); err != nil || n != 0 {
		t.Errorf("Delete(nil) = %d, %v, want 0, nil", n, err)
	}
}

func TestCountAndCountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, "one", `{"status":"active"}`)
	mustInsert(t, store, "two", `{"status":"archived"}`)
	mustInsert(t, store, "three", "") // no status field

	n, err := store.Count(ctx, Filters{"status": "archived"})
	if err != nil {
		t.Fatalf("Count(filtered) error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count(archived) = %d, want 1", n)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts["active"] != 2 || counts["archived"] != 1 {
		t.Errorf("CountByStatus() = %v, want active:2 archived:1", counts)
	}

	if _, err := store.Count(ctx, Filters{"bad key": "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Count(bad filter key) error = %v, want ErrValidation", err)
	}
}

func TestWipeAllPreservesIDSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		last = mustInsert(t, store, "doomed", "")
	}

	n, err := store.WipeAll(ctx)
	if err != nil {
		t.Fatalf("WipeAll() error = %v", err)
	}
	if n != 3 {
		t.Errorf("WipeAll() = %d, want 3", n)
	}
	if left, _ := store.Count(ctx, nil); left != 0 {
		t.Errorf("Count() after wipe = %d", left)
	}

	// Ids issued after a wipe must never collide with ids issued before it,
	// or a stale dense-index entry could resolve to the wrong record.
	fresh := mustInsert(t, store, "survivor", "")
	if fresh <= last {
		t.Errorf("post-wipe id %d not above pre-wipe id %d", fresh, last)
	}
}

func TestMatchFTSFindsAndRanks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	twice := mustInsert(t, store, "the cellar stores wine and the cellar stays cool", `{"kind":"note"}`)
	once := mustInsert(t, store, "a single cellar mention inside a much longer rambling sentence about the weather", `{"kind":"task"}`)
	mustInsert(t, store, "nothing relevant here at all", `{"kind":"note"}`)

	hits, err := store.MatchFTS(ctx, "cellar", 10, nil)
	if err != nil {
		t.Fatalf("MatchFTS() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
	if hits[0].ID != twice || hits[1].ID != once {
		t.Errorf("rank order = [%d, %d], want [%d, %d]", hits[0].ID, hits[1].ID, twice, once)
	}
	if hits[0].Rank >= 0 {
		t.Errorf("bm25 rank = %v, want negative", hits[0].Rank)
	}

	filtered, err := store.MatchFTS(ctx, "cellar", 10, Filters{"kind": "task"})
	if err != nil {
		t.Fatalf("MatchFTS(filtered) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != once {
		t.Errorf("filtered hits = %v, want only id %d", filtered, once)
	}

	blank, err := store.MatchFTS(ctx, "   ", 10, nil)
	if err != nil || len(blank) != 0 {
		t.Errorf("MatchFTS(blank) = %v, %v, want empty, nil", blank, err)
	}
}

func TestFTSMirrorFollowsWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustInsert(t, store, "alpha omega", "")

	text := "bravo omega"
	if err := store.Update(ctx, id, &text, nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if hits, _ := store.MatchFTS(ctx, "alpha", 10, nil); len(hits) != 0 {
		t.Errorf("stale token still matches after update: %v", hits)
	}
	if hits, _ := store.MatchFTS(ctx, "bravo", 10, nil); len(hits) != 1 {
		t.Errorf("new token not indexed after update: %v", hits)
	}

	if _, err := store.Delete(ctx, []int64{id}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if hits, _ := store.MatchFTS(ctx, "bravo", 10, nil); len(hits) != 0 {
		t.Errorf("deleted row still matches: %v", hits)
	}

	fresh := mustInsert(t, store, "charlie", "")
	if err := store.RebuildFTS(ctx); err != nil {
		t.Fatalf("RebuildFTS() error = %v", err)
	}
	hits, err := store.MatchFTS(ctx, "charlie", 10, nil)
	if err != nil || len(hits) != 1 || hits[0].ID != fresh {
		t.Errorf("MatchFTS after rebuild = %v, %v", hits, err)
	}
}

func TestTransactionalComposition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	ghost, err := store.InsertTx(ctx, tx, "never committed", "")
	if err != nil {
		t.Fatalf("InsertTx() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if _, err := store.GetByID(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back row visible: %v", err)
	}

	tx, err = store.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	id, err := store.InsertTx(ctx, tx, "draft", "")
	if err != nil {
		t.Fatalf("InsertTx() error = %v", err)
	}
	text := "final"
	if err := store.UpdateTx(ctx, tx, id, &text, nil); err != nil {
		t.Fatalf("UpdateTx() error = %v", err)
	}
	if err := store.UpdateTx(ctx, tx, 424242, &text, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTx(missing) error = %v, want ErrNotFound", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	doc, err := store.GetByID(ctx, id)
	if err != nil || doc.Text != "final" {
		t.Fatalf("committed row = %v, %v", doc, err)
	}

	tx, err = store.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	n, err := store.DeleteTx(ctx, tx, []int64{id})
	if err != nil || n != 1 {
		t.Fatalf("DeleteTx() = %d, %v", n, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := store.GetByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted row visible: %v", err)
	}
}

func TestBackupProducesOpenableCopy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, "keep me", `{"status":"active"}`)
	mustInsert(t, store, "me too", `{"status":"active"}`)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	if err := store.Backup(ctx, dest); !errors.Is(err, ErrValidation) {
		t.Errorf("Backup(existing dest) error = %v, want ErrValidation", err)
	}
	if err := store.Backup(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Backup(\"\") error = %v, want ErrValidation", err)
	}

	copyStore, err := New(dest)
	if err != nil {
		t.Fatalf("New(backup) error = %v", err)
	}
	defer func() { _ = copyStore.Close() }()
	if err := copyStore.Init(ctx); err != nil {
		t.Fatalf("Init(backup) error = %v", err)
	}
	n, err := copyStore.Count(ctx, nil)
	if err != nil || n != 2 {
		t.Errorf("backup Count() = %d, %v, want 2", n, err)
	}
	hits, err := copyStore.MatchFTS(ctx, "keep", 10, nil)
	if err != nil || len(hits) != 1 {
		t.Errorf("backup MatchFTS() = %v, %v, want one hit", hits, err)
	}
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustInsert(t, store, "there", "")
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := store.Insert(ctx, "late", ""); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Insert error = %v, want ErrStoreClosed", err)
	}
	if _, err := store.GetByID(ctx, id); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetByID error = %v, want ErrStoreClosed", err)
	}
	if _, err := store.Count(ctx, nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Count error = %v, want ErrStoreClosed", err)
	}
	if _, err := store.MatchFTS(ctx, "late", 5, nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("MatchFTS error = %v, want ErrStoreClosed", err)
	}
	if err := store.Backup(ctx, filepath.Join(t.TempDir(), "nope.db")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Backup error = %v, want ErrStoreClosed", err)
	}
}
