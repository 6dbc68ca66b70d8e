package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Insert adds a document and returns its assigned id
func (s *DocStore) Insert(ctx context.Context, text, metadata string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, wrapError("insert", ErrStoreClosed)
	}
	if text == "" {
		return 0, wrapError("insert", fmt.Errorf("%w: text cannot be empty", ErrValidation))
	}
	if metadata == "" {
		metadata = "{}"
	}

	now := nowEpoch()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (text, metadata, created_at, updated_at) VALUES (?, ?, ?, ?)",
		text, metadata, now, now,
	)
	if err != nil {
		return 0, wrapError("insert", fmt.Errorf("failed to insert document: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapError("insert", fmt.Errorf("failed to read inserted id: %w", err))
	}
	return id, nil
}

// InsertTx adds a document inside a caller-owned transaction. The caller
// commits or rolls back; the store only binds the row.
func (s *DocStore) InsertTx(ctx context.Context, tx *sql.Tx, text, metadata string) (int64, error) {
	if text == "" {
		return 0, wrapError("insert", fmt.Errorf("%w: text cannot be empty", ErrValidation))
	}
	if metadata == "" {
		metadata = "{}"
	}

	now := nowEpoch()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO documents (text, metadata, created_at, updated_at) VALUES (?, ?, ?, ?)",
		text, metadata, now, now,
	)
	if err != nil {
		return 0, wrapError("insert", fmt.Errorf("failed to insert document: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapError("insert", fmt.Errorf("failed to read inserted id: %w", err))
	}
	return id, nil
}

// GetByID fetches a single document
func (s *DocStore) GetByID(ctx context.Context, id int64) (*Document, error) {
	docs, err := s.GetByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, wrapError("get", ErrNotFound)
	}
	return &docs[0], nil
}

// GetByIDs fetches documents by id. Missing ids are silently absent from the
// result; order follows the input ids.
func (s *DocStore) GetByIDs(ctx context.Context, ids []int64) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("get", ErrStoreClosed)
	}
	if len(ids) == 0 {
		return []Document{}, nil
	}

	byID := make(map[int64]Document, len(ids))

	// Chunks keep us under SQLite's bound-parameter limit.
	chunkSize := 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}

		chunk := ids[i:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}

		query := fmt.Sprintf(
			"SELECT id, text, metadata, created_at, updated_at FROM documents WHERE id IN (%s)",
			strings.Join(placeholders, ","),
		)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, wrapError("get", fmt.Errorf("failed to query documents: %w", err))
		}

		for rows.Next() {
			var doc Document
			if err := rows.Scan(&doc.ID, &doc.Text, &doc.Metadata, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
				_ = rows.Close()
				return nil, wrapError("get", fmt.Errorf("failed to scan document: %w", err))
			}
			byID[doc.ID] = doc
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, wrapError("get", fmt.Errorf("error iterating rows: %w", err))
		}
		_ = rows.Close()
	}

	docs := make([]Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// GetPage returns documents in stable id order for paginated scans
func (s *DocStore) GetPage(ctx context.Context, limit, offset int, filters Filters) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("get_page", ErrStoreClosed)
	}
	if limit <= 0 {
		return []Document{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	where, args, err := buildFilterClause(filters, "")
	if err != nil {
		return nil, wrapError("get_page", err)
	}

	query := "SELECT id, text, metadata, created_at, updated_at FROM documents"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("get_page", fmt.Errorf("failed to query documents: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Text, &doc.Metadata, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, wrapError("get_page", fmt.Errorf("failed to scan document: %w", err))
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_page", fmt.Errorf("error iterating rows: %w", err))
	}
	return docs, nil
}

// Update rewrites text and/or metadata of one document. At least one field
// must be provided. updated_at is bumped on success.
func (s *DocStore) Update(ctx context.Context, id int64, text, metadata *string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("update", ErrStoreClosed)
	}
	if text == nil && metadata == nil {
		return wrapError("update", fmt.Errorf("%w: nothing to update", ErrValidation))
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *text)
	}
	if metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, *metadata)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowEpoch(), id)

	query := fmt.Sprintf("UPDATE documents SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError("update", fmt.Errorf("failed to update document: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("update", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if affected == 0 {
		return wrapError("update", ErrNotFound)
	}
	return nil
}

// UpdateTx rewrites text and/or metadata of one document inside a
// caller-owned transaction.
func (s *DocStore) UpdateTx(ctx context.Context, tx *sql.Tx, id int64, text, metadata *string) error {
	if text == nil && metadata == nil {
		return wrapError("update", fmt.Errorf("%w: nothing to update", ErrValidation))
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *text)
	}
	if metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, *metadata)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowEpoch(), id)

	query := fmt.Sprintf("UPDATE documents SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError("update", fmt.Errorf("failed to update document: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("update", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if affected == 0 {
		return wrapError("update", ErrNotFound)
	}
	return nil
}

// TouchAccessTimes stamps last_access_time on the given rows in one batch.
// json_set edits the field in place, so concurrent metadata writers are
// never clobbered by a stale read-modify-write.
func (s *DocStore) TouchAccessTimes(ctx context.Context, ids []int64, at float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("touch_access", ErrStoreClosed)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("touch_access", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"UPDATE documents SET metadata = json_set(metadata, '$.last_access_time', ?) WHERE id = ?")
	if err != nil {
		return wrapError("touch_access", fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, at, id); err != nil {
			return wrapError("touch_access", fmt.Errorf("failed to touch id %d: %w", id, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapError("touch_access", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// UpdateMetadataBatch rewrites metadata for many rows through one prepared
// statement. updated_at is left untouched; access bookkeeping is not an edit.
func (s *DocStore) UpdateMetadataBatch(ctx context.Context, updates []MetadataUpdate) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("update_metadata_batch", ErrStoreClosed)
	}
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("update_metadata_batch", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "UPDATE documents SET metadata = ? WHERE id = ?")
	if err != nil {
		return wrapError("update_metadata_batch", fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Metadata, u.ID); err != nil {
			return wrapError("update_metadata_batch", fmt.Errorf("failed to update id %d: %w", u.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapError("update_metadata_batch", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Delete removes documents by id and returns the number of rows deleted
func (s *DocStore) Delete(ctx context.Context, ids []int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, wrapError("delete", ErrStoreClosed)
	}
	return deleteIDs(ctx, s.db, ids)
}

// DeleteTx removes documents inside a caller-owned transaction.
func (s *DocStore) DeleteTx(ctx context.Context, tx *sql.Tx, ids []int64) (int64, error) {
	return deleteIDs(ctx, tx, ids)
}

// execer is the common surface of *sql.DB and *sql.Tx used by deleteIDs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func deleteIDs(ctx context.Context, db execer, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	total := int64(0)
	chunkSize := 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}

		chunk := ids[i:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}

		query := fmt.Sprintf("DELETE FROM documents WHERE id IN (%s)", strings.Join(placeholders, ","))
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, wrapError("delete", fmt.Errorf("failed to delete chunk: %w", err))
		}
		affected, _ := res.RowsAffected()
		total += affected
	}
	return total, nil
}

// Count returns the number of documents matching the filters
func (s *DocStore) Count(ctx context.Context, filters Filters) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, wrapError("count", ErrStoreClosed)
	}

	where, args, err := buildFilterClause(filters, "")
	if err != nil {
		return 0, wrapError("count", err)
	}

	query := "SELECT COUNT(*) FROM documents"
	if where != "" {
		query += " WHERE " + where
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrapError("count", fmt.Errorf("failed to count documents: %w", err))
	}
	return n, nil
}

// CountByStatus groups record counts by their metadata status field.
// Rows without a status are counted as active.
func (s *DocStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("count_by_status", ErrStoreClosed)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(json_extract(metadata, '$.status'), 'active') AS status, COUNT(*)
		FROM documents
		GROUP BY status
	`)
	if err != nil {
		return nil, wrapError("count_by_status", fmt.Errorf("failed to query counts: %w", err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapError("count_by_status", fmt.Errorf("failed to scan count: %w", err))
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("count_by_status", fmt.Errorf("error iterating rows: %w", err))
	}
	return counts, nil
}

// WipeAll deletes every document and returns the number removed. The FTS
// mirror follows through the delete trigger.
func (s *DocStore) WipeAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, wrapError("wipe_all", ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	if err != nil {
		return 0, wrapError("wipe_all", fmt.Errorf("failed to wipe documents: %w", err))
	}
	n, _ := res.RowsAffected()

	// The AUTOINCREMENT sequence is deliberately left alone so ids issued
	// after a wipe never collide with ids issued before it.
	return n, nil
}
