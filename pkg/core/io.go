package core

import (
	"context"
	"fmt"
	"os"
)

// Backup writes a consistent copy of the database to destPath using
// VACUUM INTO. The destination must not already exist; SQLite refuses to
// overwrite and so do we.
func (s *DocStore) Backup(ctx context.Context, destPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("backup", ErrStoreClosed)
	}
	if destPath == "" {
		return wrapError("backup", fmt.Errorf("%w: destination path cannot be empty", ErrValidation))
	}
	if _, err := os.Stat(destPath); err == nil {
		return wrapError("backup", fmt.Errorf("%w: destination %s already exists", ErrValidation, destPath))
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return wrapError("backup", fmt.Errorf("vacuum into failed: %w", err))
	}
	s.logger.Info("database backed up", "dest", destPath)
	return nil
}
