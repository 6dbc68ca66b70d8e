package core

import "time"

// Document is one row of the documents table. Metadata is kept as the raw
// JSON string written by the caller; typed decoding happens a layer up.
type Document struct {
	ID        int64   `json:"id"`
	Text      string  `json:"text"`
	Metadata  string  `json:"metadata"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Filters restricts queries to rows whose metadata matches every pair by
// string equality. Keys address top-level metadata fields via json_extract.
type Filters map[string]string

// MetadataUpdate pairs a row id with its replacement metadata JSON.
type MetadataUpdate struct {
	ID       int64
	Metadata string
}

// FTSHit is one raw full-text match. Rank is the SQLite bm25() value,
// where lower (more negative) means a better match.
type FTSHit struct {
	ID   int64
	Rank float64
}

// Config represents configuration options for the document store
type Config struct {
	Path   string `json:"path"` // Database file path
	Logger Logger `json:"-"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Logger: NewStdLogger(LevelInfo),
	}
}

// nowEpoch returns the current wall-clock time as epoch seconds.
func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
