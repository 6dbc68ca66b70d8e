package memory

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------------------------------------
// EventType / Status – closed vocabularies stored in record metadata
// ---------------------------------------------------------------------------

// EventType classifies what kind of information a memory captures.
type EventType string

const (
	EventFact         EventType = "fact"
	EventPreference   EventType = "preference"
	EventGoal         EventType = "goal"
	EventOpinion      EventType = "opinion"
	EventRelationship EventType = "relationship"
	EventOther        EventType = "other"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventFact, EventPreference, EventGoal, EventOpinion, EventRelationship, EventOther:
		return true
	}
	return false
}

// Status is the soft lifecycle state of a record. Searches only surface
// active records; archived and deleted rows stay queryable by id until the
// forgetting agent removes them for good.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Entity / UpdateEntry
// ---------------------------------------------------------------------------

// Entity is a named thing referenced by a memory, as extracted by the
// reflection engine.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// UpdateEntry records one effective edit of a memory record.
type UpdateEntry struct {
	Timestamp     float64  `json:"timestamp"`
	Reason        string   `json:"reason,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
}

// maxUpdateHistory bounds the per-record edit log so metadata cannot grow
// without limit under repeated edits.
const maxUpdateHistory = 50

// ---------------------------------------------------------------------------
// Metadata – typed known keys plus an open extension map
// ---------------------------------------------------------------------------

// Metadata is the structured side-channel of a memory record. Known keys are
// typed fields; anything else a caller (or the reflection LLM) attaches
// round-trips through Extra. The whole struct serializes to a single flat
// JSON object in the documents table.
type Metadata struct {
	Importance      float64       `json:"importance"`
	CreateTime      float64       `json:"create_time"`
	LastAccessTime  float64       `json:"last_access_time"`
	LastUpdatedTime float64       `json:"last_updated_time,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	PersonaID       string        `json:"persona_id,omitempty"`
	EventType       EventType     `json:"event_type,omitempty"`
	Status          Status        `json:"status,omitempty"`
	Entities        []Entity      `json:"entities,omitempty"`
	UpdateHistory   []UpdateEntry `json:"update_history,omitempty"`

	// Extra holds metadata keys outside the typed set. Keys colliding with
	// typed fields are dropped on marshal; the typed value wins.
	Extra map[string]any `json:"-"`
}

// knownMetadataKeys are the JSON names owned by the typed fields above.
var knownMetadataKeys = map[string]bool{
	"importance":        true,
	"create_time":       true,
	"last_access_time":  true,
	"last_updated_time": true,
	"session_id":        true,
	"persona_id":        true,
	"event_type":        true,
	"status":            true,
	"entities":          true,
	"update_history":    true,
}

// metadataAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type metadataAlias Metadata

// MarshalJSON flattens Extra into the same object as the typed fields.
func (m Metadata) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+len(knownMetadataKeys))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.Extra {
		if knownMetadataKeys[key] {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[key] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the typed fields and routes unknown keys into Extra.
// A missing status decodes as active, matching how the store counts rows.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var a metadataAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Metadata(a)

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key := range all {
		if knownMetadataKeys[key] {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		m.Extra = all
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	return nil
}

// AppendUpdate pushes an edit-log entry, keeping only the most recent
// maxUpdateHistory entries.
func (m *Metadata) AppendUpdate(entry UpdateEntry) {
	m.UpdateHistory = append(m.UpdateHistory, entry)
	if n := len(m.UpdateHistory); n > maxUpdateHistory {
		m.UpdateHistory = append([]UpdateEntry(nil), m.UpdateHistory[n-maxUpdateHistory:]...)
	}
}

// ---------------------------------------------------------------------------
// MemoryRecord / ScoredRecord
// ---------------------------------------------------------------------------

// MemoryRecord is one stored memory: its document row joined with decoded
// metadata. ID is the sole join key shared with the dense index and the
// full-text mirror.
type MemoryRecord struct {
	ID        int64    `json:"id"`
	Content   string   `json:"content"`
	Metadata  Metadata `json:"metadata"`
	CreatedAt float64  `json:"created_at"`
	UpdatedAt float64  `json:"updated_at"`
}

// ScoredRecord is a MemoryRecord paired with a retrieval score. After the
// weighted rerank the Similarity field holds the final combined score, not
// the raw vector similarity.
type ScoredRecord struct {
	MemoryRecord
	Similarity float64 `json:"similarity"`
}

// ---------------------------------------------------------------------------
// MemoryEvent – the reflection engine's extraction unit
// ---------------------------------------------------------------------------

// MemoryEvent is one event extracted from conversation history by the
// reflection engine. TempID is LLM-assigned and only meaningful within one
// reflection pass, where it keys the stage-two importance scores.
type MemoryEvent struct {
	TempID          string         `json:"temp_id"`
	MemoryContent   string         `json:"memory_content"`
	EventType       EventType      `json:"event_type,omitempty"`
	Entities        []Entity       `json:"entities,omitempty"`
	RelatedEventIDs []int64        `json:"related_event_ids,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// normalize fills defaults and reports whether the event is usable.
func (e *MemoryEvent) normalize() bool {
	if e.TempID == "" || e.MemoryContent == "" {
		return false
	}
	if !ValidEventType(e.EventType) {
		e.EventType = EventOther
	}
	return true
}

// ---------------------------------------------------------------------------
// Turn – one conversation message, the session history unit
// ---------------------------------------------------------------------------

// Turn is a single message in a conversation. Role is "user" or "assistant";
// other roles are ignored when history is formatted for reflection.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// epochNow returns the current wall-clock time as epoch seconds.
func epochNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// clampUnit clamps v into [0, 1].
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
