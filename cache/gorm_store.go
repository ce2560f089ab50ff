package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pellmont/holdfast/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// RecordOutcome bumps the per-key counters and recomputes success_rate
// in a single upsert statement, so concurrent writers for the same key
// serialize on the row and the rate is never written torn.
func (s *GormStore) RecordOutcome(ctx context.Context, operation, scope string, success bool) (Entry, error) {
	if s == nil || s.DB == nil {
		return Entry{}, nil
	}
	operation = strings.TrimSpace(operation)
	scope = strings.TrimSpace(scope)
	if operation == "" || scope == "" {
		return Entry{}, nil
	}

	now := time.Now().Unix()
	row := models.DecisionCacheEntry{
		Operation:     operation,
		Scope:         scope,
		ObservedCount: 1,
		LastUsedAt:    now,
	}
	var successDelta int64
	if success {
		row.SuccessCount = 1
		row.SuccessRate = 1.0
		successDelta = 1
	} else {
		row.FailureCount = 1
		row.SuccessRate = 0.0
	}

	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "operation"},
				{Name: "scope"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"observed_count": gorm.Expr("observed_count + 1"),
				"success_count":  gorm.Expr("success_count + ?", successDelta),
				"failure_count":  gorm.Expr("failure_count + ?", 1-successDelta),
				"success_rate": gorm.Expr(
					"CAST(success_count + ? AS REAL) / (success_count + failure_count + 1)",
					successDelta,
				),
				"last_used_at": now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return Entry{}, err
	}
	return s.readBack(ctx, operation, scope)
}

func (s *GormStore) Lookup(ctx context.Context, operation, scope string) (Entry, bool, error) {
	if s == nil || s.DB == nil {
		return Entry{}, false, nil
	}
	operation = strings.TrimSpace(operation)
	scope = strings.TrimSpace(scope)
	if operation == "" || scope == "" {
		return Entry{}, false, nil
	}

	var row models.DecisionCacheEntry
	err := s.DB.WithContext(ctx).Model(&models.DecisionCacheEntry{}).
		Where("operation = ? AND scope = ?", operation, scope).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return modelToEntry(row), true, nil
}

// Stats returns the most recently used keys, for dashboards and the
// CLI.
func (s *GormStore) Stats(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var rows []models.DecisionCacheEntry
	err := s.DB.WithContext(ctx).Model(&models.DecisionCacheEntry{}).
		Order("last_used_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, modelToEntry(r))
	}
	return out, nil
}

func (s *GormStore) readBack(ctx context.Context, operation, scope string) (Entry, error) {
	e, ok, err := s.Lookup(ctx, operation, scope)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, gorm.ErrRecordNotFound
	}
	return e, nil
}

func modelToEntry(m models.DecisionCacheEntry) Entry {
	return Entry{
		Operation:     m.Operation,
		Scope:         m.Scope,
		ObservedCount: m.ObservedCount,
		SuccessCount:  m.SuccessCount,
		FailureCount:  m.FailureCount,
		SuccessRate:   m.SuccessRate,
		LastUsedAt:    time.Unix(m.LastUsedAt, 0).UTC(),
	}
}
