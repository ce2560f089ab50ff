package models

type DecisionCacheEntry struct {
	Operation     string  `gorm:"column:operation;type:text;primaryKey"`
	Scope         string  `gorm:"column:scope;type:text;primaryKey"`
	ObservedCount int64   `gorm:"column:observed_count;not null"`
	SuccessCount  int64   `gorm:"column:success_count;not null"`
	FailureCount  int64   `gorm:"column:failure_count;not null"`
	SuccessRate   float64 `gorm:"column:success_rate;not null"`
	LastUsedAt    int64   `gorm:"column:last_used_at;not null"`
}

func (DecisionCacheEntry) TableName() string { return "decision_cache_entries" }
