package memory

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestMetadataExtraFlattening(t *testing.T) {
	meta := Metadata{
		Importance:     0.7,
		CreateTime:     100,
		LastAccessTime: 100,
		SessionID:      "s1",
		EventType:      EventFact,
		Status:         StatusActive,
		Extra: map[string]any{
			"temp_id":           "ev1",
			"related_event_ids": []int64{3, 4},
		},
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if flat["temp_id"] != "ev1" {
		t.Errorf("temp_id not flattened to top level: %v", flat)
	}
	if _, nested := flat["Extra"]; nested {
		t.Error("Extra leaked as its own key")
	}
	if flat["session_id"] != "s1" || flat["importance"] != 0.7 {
		t.Errorf("typed fields mangled: %v", flat)
	}

	var back Metadata
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Extra["temp_id"] != "ev1" {
		t.Errorf("Extra after round trip = %v", back.Extra)
	}
	if _, shadow := back.Extra["session_id"]; shadow {
		t.Error("typed key duplicated into Extra")
	}
}

func TestMetadataTypedFieldWinsOverExtra(t *testing.T) {
	meta := Metadata{
		Importance: 0.4,
		Extra:      map[string]any{"importance": 0.9},
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if flat["importance"] != 0.4 {
		t.Errorf("importance = %v, want typed value 0.4", flat["importance"])
	}
}

func TestMetadataStatusDefaultsToActive(t *testing.T) {
	var meta Metadata
	if err := json.Unmarshal([]byte(`{"importance": 0.5, "create_time": 1}`), &meta); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if meta.Status != StatusActive {
		t.Errorf("Status = %q, want active", meta.Status)
	}
}

func TestAppendUpdateCapsHistory(t *testing.T) {
	var meta Metadata
	for i := 0; i < maxUpdateHistory+10; i++ {
		meta.AppendUpdate(UpdateEntry{Timestamp: float64(i), Reason: fmt.Sprintf("r%d", i)})
	}
	if len(meta.UpdateHistory) != maxUpdateHistory {
		t.Fatalf("history length = %d, want %d", len(meta.UpdateHistory), maxUpdateHistory)
	}
	if got := meta.UpdateHistory[0].Reason; got != "r10" {
		t.Errorf("oldest kept entry = %q, want r10", got)
	}
	if got := meta.UpdateHistory[len(meta.UpdateHistory)-1].Reason; got != "r59" {
		t.Errorf("newest entry = %q, want r59", got)
	}
}

func TestMemoryEventNormalize(t *testing.T) {
	ok := MemoryEvent{TempID: "e1", MemoryContent: "something", EventType: "gossip"}
	if !ok.normalize() {
		t.Fatal("normalize() rejected a complete event")
	}
	if ok.EventType != EventOther {
		t.Errorf("unknown event type normalized to %q, want other", ok.EventType)
	}

	missingID := MemoryEvent{MemoryContent: "no id"}
	if missingID.normalize() {
		t.Error("normalize() accepted an event without temp_id")
	}
	missingContent := MemoryEvent{TempID: "e2"}
	if missingContent.normalize() {
		t.Error("normalize() accepted an event without content")
	}

	typed := MemoryEvent{TempID: "e3", MemoryContent: "typed", EventType: EventGoal}
	if !typed.normalize() || typed.EventType != EventGoal {
		t.Errorf("valid event type mangled: %q", typed.EventType)
	}
}
