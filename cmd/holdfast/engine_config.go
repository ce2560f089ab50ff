package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pellmont/holdfast/cache"
	"github.com/pellmont/holdfast/db"
	"github.com/pellmont/holdfast/engine"
	"github.com/pellmont/holdfast/internal/pathutil"
	"github.com/spf13/viper"
)

func engineConfigFromViper() engine.Config {
	cfg := engine.DefaultConfig()

	if viper.IsSet("engine.enabled") {
		cfg.Enabled = viper.GetBool("engine.enabled")
	}
	if viper.IsSet("engine.max_tiers") {
		cfg.MaxTiers = viper.GetInt("engine.max_tiers")
	}
	if viper.IsSet("engine.hold_timeout") {
		cfg.HoldTimeout = viper.GetDuration("engine.hold_timeout")
	}
	if viper.IsSet("engine.held_limit") {
		cfg.HeldLimit = viper.GetInt("engine.held_limit")
	}
	if tiers := viper.GetStringSlice("engine.tiers"); len(tiers) > 0 {
		cfg.Tiers = tiers
	}
	cfg.RulesPath = pathutil.ExpandHomePath(viper.GetString("engine.rules_path"))
	cfg.Audit.JSONLPath = strings.TrimSpace(viper.GetString("engine.audit.jsonl_path"))
	cfg.Audit.RotateMaxBytes = viper.GetInt64("engine.audit.rotate_max_bytes")
	return cfg
}

type engineBundle struct {
	Engine *engine.Engine
	Store  *engine.SQLiteStore
	Cache  *cache.Index
	Queue  *engine.MemoryQueue
}

func (b *engineBundle) Close() {
	if b == nil {
		return
	}
	if b.Engine != nil {
		b.Engine.Close()
	}
	if b.Store != nil {
		_ = b.Store.Close()
	}
}

// engineFromViper wires the full engine: SQLite interaction store, gorm
// decision cache with its read-through index, JSONL audit sink, rules
// file and review queue.
func engineFromViper(ctx context.Context, log *slog.Logger) (*engineBundle, error) {
	if log == nil {
		log = slog.Default()
	}

	dbCfg := dbConfigFromViper()
	dsn, err := db.ResolveSQLiteDSN(dbCfg.DSN)
	if err != nil {
		return nil, err
	}

	store, err := engine.NewSQLiteStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open interaction store: %w", err)
	}

	dbCfg.DSN = dsn
	gdb, err := db.Open(ctx, dbCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbCfg.AutoMigrate {
		if err := db.AutoMigrate(gdb); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate db: %w", err)
		}
	}
	index := cache.NewIndex(cache.NewGormStore(gdb))

	cfg := engineConfigFromViper()

	var sink engine.AuditSink
	jsonlPath := cfg.Audit.JSONLPath
	if jsonlPath == "" {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			jsonlPath = filepath.Join(home, ".holdfast", "audit.jsonl")
		}
	}
	jsonlPath = pathutil.ExpandHomePath(jsonlPath)
	if jsonlPath != "" {
		s, err := engine.NewJSONLAuditSink(jsonlPath, cfg.Audit.RotateMaxBytes)
		if err != nil {
			log.Warn("audit_sink_error", "error", err.Error())
		} else {
			sink = s
		}
	}

	queue := engine.NewMemoryQueue()
	eng, err := engine.New(cfg, store,
		engine.WithLogger(log),
		engine.WithLearner(index),
		engine.WithReviewQueue(queue),
		engine.WithNotifier(engine.LogNotifier{Log: log}),
		engine.WithAuditSink(sink),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Info("engine_ready",
		"dsn", dsn,
		"max_tiers", cfg.MaxTiers,
		"hold_timeout", cfg.HoldTimeout.String(),
		"held_limit", cfg.HeldLimit,
		"audit_jsonl", jsonlPath,
	)
	return &engineBundle{Engine: eng, Store: store, Cache: index, Queue: queue}, nil
}
