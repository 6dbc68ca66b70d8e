// Package core provides the relational document store for livingmemory.
//
// It persists memory records in SQLite (text plus one JSON metadata column)
// and maintains an FTS5 mirror for BM25 keyword retrieval, kept in sync by
// triggers so the two can never drift on the write path.
//
// # Key Components
//
//   - DocStore: the main entry point, owning the documents table and the documents_fts virtual table.
//   - Filters: JSON-extract push-down for session, persona and status scoping.
//   - Logger: pluggable structured logging shared by every higher layer.
//   - Error taxonomy: sentinel errors and the livingmemory error-wrapping convention.
//
// Dense vectors do not live here; they belong to pkg/index. The sole join key
// between the two worlds is the AUTOINCREMENT row id.
package core
