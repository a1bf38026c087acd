package replay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/parity/apps/replayer/service/replay"
	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/rpc"
)

type fakeTrigger struct {
	mu      sync.Mutex
	reports []*comparator.ReplayReport
	err     error
}

func (f *fakeTrigger) Analyze(_ context.Context, report *comparator.ReplayReport) (*rpc.AnalyzeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	if f.err != nil {
		return nil, f.err
	}
	return &rpc.AnalyzeResponse{RequestID: report.RequestID, Status: "pending", Accepted: true}, nil
}

type countingObserver struct {
	reports int
}

func (c *countingObserver) ObserveReport(*comparator.ReplayReport) {
	c.reports++
}

func jsonServer(t *testing.T, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, ref, cand any, opts ...replay.Option) *replay.Service {
	t.Helper()
	cfg := comparator.DefaultConfig()
	cfg.RetryInterval = 0
	// local servers answer too fast for latency ratios to be stable
	cfg.RegressionRatio = 1e6
	return replay.NewService(
		comparator.NewComparator(cfg, nil),
		jsonServer(t, ref).URL,
		jsonServer(t, cand).URL,
		opts...,
	)
}

func TestReplay_TriggersOnDifference(t *testing.T) {
	trigger := &fakeTrigger{}
	observer := &countingObserver{}
	svc := newService(t,
		map[string]any{"status": "SUCCESS", "tax": 1.5},
		map[string]any{"status": "SUCCESS"},
		replay.WithTrigger(trigger),
		replay.WithObserver(observer),
	)

	res, err := svc.Replay(context.Background(), &replay.Request{Payload: map[string]any{"amount": 10}, MerchantID: "m-1"})
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	require.NotNil(t, res.Council)
	assert.True(t, res.Council.Accepted)
	assert.Equal(t, "m-1", res.Report.MerchantID)
	assert.True(t, res.Report.HasFlag(comparator.FlagMissingKey))
	assert.Len(t, trigger.reports, 1)
	assert.Equal(t, 1, observer.reports)
}

func TestReplay_IdenticalResponsesNotTriggered(t *testing.T) {
	trigger := &fakeTrigger{}
	svc := newService(t,
		map[string]any{"status": "SUCCESS", "price": 100},
		map[string]any{"status": "SUCCESS", "price": 100},
		replay.WithTrigger(trigger),
	)

	res, err := svc.Replay(context.Background(), &replay.Request{Payload: map[string]any{"amount": 10}})
	require.NoError(t, err)

	assert.False(t, res.Triggered)
	assert.Nil(t, res.Council)
	assert.True(t, res.Report.Difference.IsEmpty())
	assert.Equal(t, comparator.DefaultMerchantID, res.Report.MerchantID)
	assert.Empty(t, trigger.reports)
}

func TestReplay_TriggerFailureKeepsReport(t *testing.T) {
	trigger := &fakeTrigger{err: errors.New("orchestrator down")}
	svc := newService(t,
		map[string]any{"status": "SUCCESS"},
		map[string]any{"status": "FAILED"},
		replay.WithTrigger(trigger),
	)

	res, err := svc.Replay(context.Background(), &replay.Request{Payload: map[string]any{}})
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	assert.Nil(t, res.Council)
	assert.Equal(t, "orchestrator down", res.TriggerError)
	require.NotNil(t, res.Report)
}

func TestReplay_NoPayload(t *testing.T) {
	svc := newService(t, map[string]any{}, map[string]any{})

	_, err := svc.Replay(context.Background(), &replay.Request{})
	require.ErrorIs(t, err, replay.ErrNoPayload)
}

func TestShouldTrigger(t *testing.T) {
	tests := []struct {
		name   string
		report *comparator.ReplayReport
		want   bool
	}{
		{"nil", nil, false},
		{"incomplete", &comparator.ReplayReport{Flags: []comparator.Flag{comparator.FlagMissingKey}}, false},
		{
			"clean",
			&comparator.ReplayReport{ReferenceResponse: map[string]any{}, CandidateResponse: map[string]any{}},
			false,
		},
		{
			"flag only",
			&comparator.ReplayReport{
				ReferenceResponse: map[string]any{},
				CandidateResponse: map[string]any{},
				Flags:             []comparator.Flag{comparator.FlagPerformanceRegression},
			},
			true,
		},
		{
			"value change",
			&comparator.ReplayReport{
				ReferenceResponse: map[string]any{"a": 1},
				CandidateResponse: map[string]any{"a": 2},
				Difference: comparator.Difference{Entries: []comparator.DiffEntry{
					{Kind: comparator.KindValueChange, Path: "/a"},
				}},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, replay.ShouldTrigger(tt.report))
		})
	}
}
