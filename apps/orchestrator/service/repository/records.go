package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/internal/comparator"
)

// ErrDatabaseUnavailable is returned when the database connection is not available.
var ErrDatabaseUnavailable = errors.New("database connection is not available")

// CouncilRecord is the row that backs a council.Record. Structured fields are
// stored as JSONB.
type CouncilRecord struct {
	RequestID    string          `gorm:"primaryKey;size:64"`
	MerchantID   string          `gorm:"index;size:128"`
	Status       string          `gorm:"index;size:32"`
	Report       json.RawMessage `gorm:"type:jsonb"`
	Opinions     json.RawMessage `gorm:"type:jsonb"`
	Verdict      json.RawMessage `gorm:"type:jsonb"`
	Provider     string          `gorm:"size:128"`
	IsMitigated  bool            `gorm:"not null;default:false"`
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName returns the table name for the CouncilRecord model.
func (CouncilRecord) TableName() string {
	return "council_records"
}

func newCouncilRecord(rec *council.Record) (*CouncilRecord, error) {
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	opinions, err := json.Marshal(rec.Opinions)
	if err != nil {
		return nil, fmt.Errorf("encode opinions: %w", err)
	}
	var verdict json.RawMessage
	if rec.Verdict != nil {
		if verdict, err = json.Marshal(rec.Verdict); err != nil {
			return nil, fmt.Errorf("encode verdict: %w", err)
		}
	}

	return &CouncilRecord{
		RequestID:    rec.RequestID,
		MerchantID:   rec.MerchantID,
		Status:       string(rec.Status),
		Report:       report,
		Opinions:     opinions,
		Verdict:      verdict,
		Provider:     rec.Provider,
		IsMitigated:  rec.IsMitigated,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (m *CouncilRecord) toRecord() (*council.Record, error) {
	rec := &council.Record{
		RequestID:    m.RequestID,
		MerchantID:   m.MerchantID,
		Status:       council.State(m.Status),
		Opinions:     []council.Opinion{},
		Provider:     m.Provider,
		IsMitigated:  m.IsMitigated,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if len(m.Report) > 0 && string(m.Report) != "null" {
		rec.Report = &comparator.ReplayReport{}
		if err := json.Unmarshal(m.Report, rec.Report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	if len(m.Opinions) > 0 && string(m.Opinions) != "null" {
		if err := json.Unmarshal(m.Opinions, &rec.Opinions); err != nil {
			return nil, fmt.Errorf("decode opinions: %w", err)
		}
	}
	if len(m.Verdict) > 0 && string(m.Verdict) != "null" {
		rec.Verdict = &council.Verdict{}
		if err := json.Unmarshal(m.Verdict, rec.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
	}
	return rec, nil
}

// PGRecordStore is the PostgreSQL implementation of council.RecordStore.
type PGRecordStore struct {
	pool pool.Pool
}

// NewRecordStore creates a new record store.
func NewRecordStore(pool pool.Pool) *PGRecordStore {
	return &PGRecordStore{pool: pool}
}

func (r *PGRecordStore) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Insert stores a new record.
func (r *PGRecordStore) Insert(ctx context.Context, rec *council.Record) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	row, err := newCouncilRecord(rec)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&CouncilRecord{}).Where("request_id = ?", rec.RequestID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return council.ErrRecordExists
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return council.ErrRecordExists
			}
			return err
		}
		return nil
	})
}

// UpdateByID applies update to the stored record under a row lock.
func (r *PGRecordStore) UpdateByID(ctx context.Context, id string, update *council.RecordUpdate) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var row CouncilRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "request_id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return council.ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		rec, err := row.toRecord()
		if err != nil {
			return err
		}
		if err = update.Apply(rec); err != nil {
			return err
		}
		next, err := newCouncilRecord(rec)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":        next.Status,
			"opinions":      next.Opinions,
			"verdict":       next.Verdict,
			"provider":      next.Provider,
			"is_mitigated":  next.IsMitigated,
			"error_message": next.ErrorMessage,
			"updated_at":    next.UpdatedAt,
		}
		return tx.Model(&CouncilRecord{}).Where("request_id = ?", id).Updates(updates).Error
	})
}

// GetByID retrieves a record by request id.
func (r *PGRecordStore) GetByID(ctx context.Context, id string) (*council.Record, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var row CouncilRecord
	err := db.First(&row, "request_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, council.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

// Migrate creates or updates the tables used by the orchestrator.
func Migrate(ctx context.Context, p pool.Pool) error {
	if p == nil {
		return ErrDatabaseUnavailable
	}
	return p.DB(ctx, false).AutoMigrate(&CouncilRecord{}, &ReliabilityLog{})
}
