package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
)

// MemoryRecordStore keeps records in process. Used when no database is
// configured and in tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*council.Record
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*council.Record)}
}

// Insert stores a copy of rec.
func (s *MemoryRecordStore) Insert(_ context.Context, rec *council.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.RequestID]; ok {
		return council.ErrRecordExists
	}
	s.records[rec.RequestID] = cloneRecord(rec)
	return nil
}

// UpdateByID applies update to the stored record.
func (s *MemoryRecordStore) UpdateByID(_ context.Context, id string, update *council.RecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return council.ErrRecordNotFound
	}
	next := cloneRecord(rec)
	if err := update.Apply(next); err != nil {
		return err
	}
	s.records[id] = next
	return nil
}

// GetByID returns a copy of the stored record.
func (s *MemoryRecordStore) GetByID(_ context.Context, id string) (*council.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, council.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func cloneRecord(rec *council.Record) *council.Record {
	out := *rec
	out.Opinions = make([]council.Opinion, len(rec.Opinions))
	for i, o := range rec.Opinions {
		o.DetectedIssues = append([]string(nil), o.DetectedIssues...)
		o.FalsePositives = append([]string(nil), o.FalsePositives...)
		out.Opinions[i] = o
	}
	if rec.Verdict != nil {
		v := *rec.Verdict
		out.Verdict = &v
	}
	return &out
}

// MemoryReliabilityLogStore keeps reliability events in process.
type MemoryReliabilityLogStore struct {
	mu      sync.RWMutex
	entries []council.ReliabilityLog
}

// NewMemoryReliabilityLogStore creates an empty store.
func NewMemoryReliabilityLogStore() *MemoryReliabilityLogStore {
	return &MemoryReliabilityLogStore{}
}

// Append stores one event.
func (s *MemoryReliabilityLogStore) Append(_ context.Context, entry *council.ReliabilityLog) error {
	e := *entry
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// List returns matching events newest first.
func (s *MemoryReliabilityLogStore) List(_ context.Context, filter council.ReliabilityFilter) ([]council.ReliabilityLog, error) {
	s.mu.RLock()
	out := make([]council.ReliabilityLog, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.Provider != "" && e.Provider != filter.Provider {
			continue
		}
		if filter.TestID != "" && e.TestID != filter.TestID {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := limitOf(filter); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
