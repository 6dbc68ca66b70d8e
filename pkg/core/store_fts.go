package core

import (
	"context"
	"fmt"
	"strings"
)

// MatchFTS runs a raw FTS5 MATCH query over the documents mirror and returns
// matching ids with their bm25() rank. The match string must already be
// escaped; rank ordering is ascending because SQLite's bm25() is
// negative-better.
func (s *DocStore) MatchFTS(ctx context.Context, match string, limit int, filters Filters) ([]FTSHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("match_fts", ErrStoreClosed)
	}
	if strings.TrimSpace(match) == "" {
		return []FTSHit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	where, filterArgs, err := buildFilterClause(filters, "d.")
	if err != nil {
		return nil, wrapError("match_fts", err)
	}

	query := `
		SELECT d.id, bm25(documents_fts) AS rank
		FROM documents_fts
		JOIN documents d ON documents_fts.rowid = d.id
		WHERE documents_fts MATCH ?`
	args := []any{match}
	if where != "" {
		query += " AND " + where
		args = append(args, filterArgs...)
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("match_fts", fmt.Errorf("fts query failed: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ID, &h.Rank); err != nil {
			return nil, wrapError("match_fts", fmt.Errorf("failed to scan hit: %w", err))
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("match_fts", fmt.Errorf("error iterating rows: %w", err))
	}
	return hits, nil
}

// RebuildFTS rebuilds the full-text mirror from the documents table.
func (s *DocStore) RebuildFTS(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("rebuild_fts", ErrStoreClosed)
	}

	if _, err := s.db.ExecContext(ctx, "INSERT INTO documents_fts(documents_fts) VALUES('rebuild')"); err != nil {
		return wrapError("rebuild_fts", fmt.Errorf("fts rebuild failed: %w", err))
	}
	s.logger.Info("full-text index rebuilt")
	return nil
}

// buildFilterClause turns Filters into an ANDed json_extract clause.
// The column prefix (e.g. "d.") qualifies the metadata column in joins.
// Keys are restricted to identifier characters since they are spliced into
// the json_extract path.
func buildFilterClause(filters Filters, prefix string) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conds := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for key, value := range filters {
		if !validFilterKey(key) {
			return "", nil, fmt.Errorf("%w: bad filter key %q", ErrValidation, key)
		}
		conds = append(conds, fmt.Sprintf("json_extract(%smetadata, '$.%s') = ?", prefix, key))
		args = append(args, value)
	}
	return strings.Join(conds, " AND "), args, nil
}

func validFilterKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
