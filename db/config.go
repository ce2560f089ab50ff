package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pellmont/holdfast/internal/pathutil"
)

type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool

	Pool   PoolConfig
	SQLite SQLiteConfig
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type SQLiteConfig struct {
	BusyTimeoutMs int
	WAL           bool
	ForeignKeys   bool
}

func DefaultConfig() Config {
	return Config{
		Driver:      "sqlite",
		AutoMigrate: true,
		Pool: PoolConfig{
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMs: 5000,
			WAL:           true,
			ForeignKeys:   true,
		},
	}
}

// ResolveSQLiteDSN expands the configured DSN and makes sure its parent
// directory exists. An empty DSN resolves to ~/.holdfast/holdfast.db.
func ResolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", fmt.Errorf("cannot resolve home directory for default dsn")
		}
		dsn = filepath.Join(home, ".holdfast", "holdfast.db")
	}
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") {
		return dsn, nil
	}
	dsn = pathutil.ExpandHomePath(dsn)
	dir := filepath.Dir(dsn)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
	}
	return dsn, nil
}
