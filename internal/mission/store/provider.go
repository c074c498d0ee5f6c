package store

import (
	"fmt"
	"strings"

	"github.com/sandboxd/sandboxd/internal/common/config"
)

// New creates a mission store from configuration. Unknown types fall back to
// the sqlite default.
func New(cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "json":
		store, err := NewFileStore(cfg.BaseDir, cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to open file mission store: %w", err)
		}
		return store, nil
	default:
		store, err := NewSQLiteStore(SQLiteOptions{
			BaseDir:        cfg.BaseDir,
			UserID:         cfg.UserID,
			SpillThreshold: cfg.ContentSpillThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite mission store: %w", err)
		}
		return store, nil
	}
}
