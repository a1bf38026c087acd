package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/apps/orchestrator/service/repository"
	"github.com/antinvestor/parity/internal/comparator"
)

func newRecord(id string) *council.Record {
	return council.NewRecord(&comparator.ReplayReport{
		RequestID:         id,
		ReferenceResponse: map[string]any{"amount": 100},
		CandidateResponse: map[string]any{"amount": "100"},
	})
}

func TestMemoryRecordStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()

	require.NoError(t, store.Insert(ctx, newRecord("req-1")))
	assert.ErrorIs(t, store.Insert(ctx, newRecord("req-1")), council.ErrRecordExists)

	rec, err := store.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, council.StatePending, rec.Status)
	assert.Equal(t, comparator.DefaultMerchantID, rec.MerchantID)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, council.ErrRecordNotFound)
}

func TestMemoryRecordStore_UpdateByID(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()
	require.NoError(t, store.Insert(ctx, newRecord("req-1")))

	status := council.StateComplete
	provider := "qwen"
	err := store.UpdateByID(ctx, "req-1", &council.RecordUpdate{
		Status:   &status,
		Opinions: []council.Opinion{{Agent: council.AgentAnalyzer, Provider: "qwen", RiskScore: 0.4}},
		Verdict:  council.NewVerdict(0.4, 0.8),
		Provider: &provider,
	})
	require.NoError(t, err)

	rec, err := store.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, council.StateComplete, rec.Status)
	require.Len(t, rec.Opinions, 1)
	require.NotNil(t, rec.Verdict)
	assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
	assert.Equal(t, "qwen", rec.Provider)

	assert.ErrorIs(t, store.UpdateByID(ctx, "missing", &council.RecordUpdate{Status: &status}), council.ErrRecordNotFound)
}

func TestMemoryRecordStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()
	require.NoError(t, store.Insert(ctx, newRecord("req-1")))

	rec, err := store.GetByID(ctx, "req-1")
	require.NoError(t, err)
	rec.Status = council.StateFailed
	rec.Opinions = append(rec.Opinions, council.Opinion{Agent: council.AgentJudge})

	again, err := store.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, council.StatePending, again.Status)
	assert.Empty(t, again.Opinions)
}

func TestMemoryRecordStore_MitigationIsIrreversible(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()
	require.NoError(t, store.Insert(ctx, newRecord("req-1")))

	yes, no := true, false
	require.NoError(t, store.UpdateByID(ctx, "req-1", &council.RecordUpdate{IsMitigated: &yes}))
	require.NoError(t, store.UpdateByID(ctx, "req-1", &council.RecordUpdate{IsMitigated: &yes}))
	assert.ErrorIs(t, store.UpdateByID(ctx, "req-1", &council.RecordUpdate{IsMitigated: &no}), council.ErrMitigationIrreversible)

	rec, err := store.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, rec.IsMitigated)
}

func TestMemoryRecordStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()
	require.NoError(t, store.Insert(ctx, newRecord("req-1")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			yes := true
			assert.NoError(t, store.UpdateByID(ctx, "req-1", &council.RecordUpdate{IsMitigated: &yes}))
		}()
	}
	wg.Wait()

	rec, err := store.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, rec.IsMitigated)
}

func TestMemoryReliabilityLogStore_List(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryReliabilityLogStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []council.ReliabilityLog{
		{ID: "1", TestID: "req-1", Provider: "qwen", EventType: "failure", Timestamp: base},
		{ID: "2", TestID: "req-1", Provider: "qwen", EventType: "failover", FailoverTo: "phi3", Timestamp: base.Add(time.Second)},
		{ID: "3", TestID: "req-1", Provider: "phi3", EventType: "success", Timestamp: base.Add(2 * time.Second)},
		{ID: "4", TestID: "req-2", Provider: "phi3", EventType: "success", Timestamp: base.Add(3 * time.Second)},
	}
	for i := range entries {
		require.NoError(t, store.Append(ctx, &entries[i]))
	}

	all, err := store.List(ctx, council.ReliabilityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].ID)

	byProvider, err := store.List(ctx, council.ReliabilityFilter{Provider: "qwen"})
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, "2", byProvider[0].ID)

	byTest, err := store.List(ctx, council.ReliabilityFilter{TestID: "req-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byTest, 1)
	assert.Equal(t, "3", byTest[0].ID)
}

func TestMemoryReliabilityLogStore_StampsTimestamp(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryReliabilityLogStore()
	require.NoError(t, store.Append(ctx, &council.ReliabilityLog{ID: "1", Provider: "qwen"}))

	all, err := store.List(ctx, council.ReliabilityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Timestamp.IsZero())
}

func TestPGStores_WithoutPool(t *testing.T) {
	ctx := context.Background()

	records := repository.NewRecordStore(nil)
	assert.ErrorIs(t, records.Insert(ctx, newRecord("req-1")), repository.ErrDatabaseUnavailable)
	_, err := records.GetByID(ctx, "req-1")
	assert.ErrorIs(t, err, repository.ErrDatabaseUnavailable)

	logs := repository.NewReliabilityLogStore(nil)
	assert.ErrorIs(t, logs.Append(ctx, &council.ReliabilityLog{ID: "1"}), repository.ErrDatabaseUnavailable)

	assert.ErrorIs(t, repository.Migrate(ctx, nil), repository.ErrDatabaseUnavailable)
}
