package repository

import (
	"context"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
)

// ReliabilityLog is one provider attempt event row.
type ReliabilityLog struct {
	ID             string    `gorm:"primaryKey;size:32"`
	TestID         string    `gorm:"index;size:64"`
	Provider       string    `gorm:"index;size:128"`
	EventType      string    `gorm:"size:16"`
	Stage          string    `gorm:"size:16"`
	ErrorCode      string    `gorm:"size:32"`
	ErrorMessage   string
	FailoverTo     string    `gorm:"size:128"`
	ResponseTimeMS int64
	Timestamp      time.Time `gorm:"index"`
}

// TableName returns the table name for the ReliabilityLog model.
func (ReliabilityLog) TableName() string {
	return "reliability_logs"
}

func (m *ReliabilityLog) toEntry() council.ReliabilityLog {
	return council.ReliabilityLog{
		ID:             m.ID,
		TestID:         m.TestID,
		Provider:       m.Provider,
		EventType:      m.EventType,
		Stage:          m.Stage,
		ErrorCode:      m.ErrorCode,
		ErrorMessage:   m.ErrorMessage,
		FailoverTo:     m.FailoverTo,
		ResponseTimeMS: m.ResponseTimeMS,
		Timestamp:      m.Timestamp,
	}
}

// PGReliabilityLogStore is the PostgreSQL implementation of
// council.ReliabilityLogStore.
type PGReliabilityLogStore struct {
	pool pool.Pool
}

// NewReliabilityLogStore creates a new reliability log store.
func NewReliabilityLogStore(pool pool.Pool) *PGReliabilityLogStore {
	return &PGReliabilityLogStore{pool: pool}
}

func (r *PGReliabilityLogStore) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Append stores one event.
func (r *PGReliabilityLogStore) Append(ctx context.Context, entry *council.ReliabilityLog) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return db.Create(&ReliabilityLog{
		ID:             entry.ID,
		TestID:         entry.TestID,
		Provider:       entry.Provider,
		EventType:      entry.EventType,
		Stage:          entry.Stage,
		ErrorCode:      entry.ErrorCode,
		ErrorMessage:   entry.ErrorMessage,
		FailoverTo:     entry.FailoverTo,
		ResponseTimeMS: entry.ResponseTimeMS,
		Timestamp:      entry.Timestamp,
	}).Error
}

// List returns events newest first.
func (r *PGReliabilityLogStore) List(ctx context.Context, filter council.ReliabilityFilter) ([]council.ReliabilityLog, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	q := db.Model(&ReliabilityLog{})
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.TestID != "" {
		q = q.Where("test_id = ?", filter.TestID)
	}

	var rows []ReliabilityLog
	if err := q.Order("timestamp DESC").Limit(limitOf(filter)).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]council.ReliabilityLog, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntry())
	}
	return out, nil
}

func limitOf(filter council.ReliabilityFilter) int {
	if filter.Limit <= 0 {
		return council.DefaultReliabilityLimit
	}
	return filter.Limit
}
