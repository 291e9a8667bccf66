package stores

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// BackendType selects a storage implementation.
type BackendType string

const (
	// BackendMemory keeps state in process memory only.
	BackendMemory BackendType = "memory"
	// BackendFile stores checksummed blobs under a directory.
	BackendFile BackendType = "file"
	// BackendSQLite stores state in a SQLite database.
	BackendSQLite BackendType = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Type   BackendType  `yaml:"type" validate:"omitempty,oneof=memory file sqlite"`
	File   FileConfig   `yaml:"file"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// Open builds the backend described by cfg. An empty type selects memory.
// Relative file roots and database paths are resolved against baseDir.
func Open(ctx context.Context, cfg Config, baseDir string, logger *telemetry.Logger) (state.Backend, error) {
	switch cfg.Type {
	case "", BackendMemory:
		return NewMemoryBackend(), nil

	case BackendFile:
		fc := cfg.File
		if fc.Root == "" {
			fc.Root = "state"
		}
		fc.Root = resolve(baseDir, fc.Root)
		return NewFileBackend(fc, logger)

	case BackendSQLite:
		sc := cfg.SQLite
		if sc.Path == "" {
			sc.Path = "state.db"
		}
		if sc.Path != ":memory:" {
			sc.Path = resolve(baseDir, sc.Path)
		}
		return OpenSQLiteBackend(ctx, sc, logger)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Type)
	}
}

func resolve(baseDir, p string) string {
	if baseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
