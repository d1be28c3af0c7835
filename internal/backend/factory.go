package backend

import (
	"fmt"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

// NewBackendFromConfig creates a Backend implementation based on the storage config type.
func NewBackendFromConfig(cfg config.StorageConfig) (daysync.Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBackend("memory", cfg.MaxBytes), nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for filesystem storage")
		}
		b, err := NewFileSystemBackend("filesystem", cfg.Dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite_path required for sqlite storage")
		}
		b, err := NewSQLiteBackend(cfg.SQLitePath, cfg.MaxBytes)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
