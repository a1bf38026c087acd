package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/parity/internal/comparator"
)

func TestLabelForRisk_Boundaries(t *testing.T) {
	tests := []struct {
		risk     float64
		expected Label
	}{
		{0, LabelPass},
		{0.29999, LabelPass},
		{0.3, LabelNeedsReview},
		{0.69999, LabelNeedsReview},
		{0.7, LabelFail},
		{1, LabelFail},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, LabelForRisk(tt.risk), "risk %v", tt.risk)
	}
}

func TestJudgeFallback_WeightsOpinions(t *testing.T) {
	tests := []struct {
		name     string
		analyzer float64
		critic   float64
		expected Label
	}{
		{"just below pass", 0.29999, 0.29999, LabelPass},
		{"at pass threshold", 0.3, 0.3, LabelNeedsReview},
		{"just below fail", 0.69999, 0.69999, LabelNeedsReview},
		{"at fail threshold", 0.7, 0.7, LabelFail},
		{"mixed", 0.9, 0.1, LabelNeedsReview},
		{"critic dominated", 0.2, 1, LabelNeedsReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := judgeFallback(
				Opinion{RiskScore: tt.analyzer},
				Opinion{RiskScore: tt.critic},
				fallbackProvider("phi3"),
			)

			assert.Equal(t, 0.6*tt.analyzer+0.4*tt.critic, op.RiskScore)
			assert.Equal(t, "phi3:fallback", op.Provider)
			assert.InDelta(t, 0.75, op.Confidence, 1e-9)
			assert.Equal(t, tt.expected, LabelForRisk(op.RiskScore))
		})
	}
}

func TestFallbackProvider(t *testing.T) {
	assert.Equal(t, "rules:fallback", fallbackProvider(""))
	assert.Equal(t, "qwen:fallback", fallbackProvider("qwen"))
	assert.True(t, Opinion{Provider: fallbackProvider("")}.Degraded())
	assert.False(t, Opinion{Provider: "qwen"}.Degraded())
}

func TestAnalyzerFallback_Weights(t *testing.T) {
	tests := []struct {
		name     string
		kinds    []comparator.DiffKind
		expected float64
	}{
		{"added only", []comparator.DiffKind{comparator.KindAdded}, 0},
		{"value change", []comparator.DiffKind{comparator.KindValueChange, comparator.KindValueChange}, 0.2},
		{"type change", []comparator.DiffKind{comparator.KindTypeChange}, 0.4},
		{"removed", []comparator.DiffKind{comparator.KindRemoved}, 0.5},
		{"type and removed", []comparator.DiffKind{comparator.KindTypeChange, comparator.KindRemoved}, 0.9},
		{"sequence items", []comparator.DiffKind{comparator.KindItemRemoved, comparator.KindItemAdded}, 0.2},
		{"item and value change", []comparator.DiffKind{comparator.KindItemRemoved, comparator.KindValueChange}, 0.2},
		{"everything", []comparator.DiffKind{
			comparator.KindTypeChange, comparator.KindRemoved, comparator.KindValueChange,
		}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &comparator.ReplayReport{}
			for i, k := range tt.kinds {
				report.Difference.Entries = append(report.Difference.Entries,
					comparator.DiffEntry{Kind: k, Path: "/f" + string(rune('a'+i))})
			}

			op := analyzerFallback(report, fallbackProvider(""))
			assert.InDelta(t, tt.expected, op.RiskScore, 1e-9)
			assert.InDelta(t, 0.5, op.Confidence, 1e-9)
			assert.Len(t, op.DetectedIssues, len(tt.kinds))
		})
	}
}

func TestApplyFindingsFloor(t *testing.T) {
	withKind := func(k comparator.DiffKind) *comparator.ReplayReport {
		return &comparator.ReplayReport{Difference: comparator.Difference{
			Entries: []comparator.DiffEntry{{Kind: k, Path: "/x"}},
		}}
	}
	plain := &comparator.ReplayReport{}
	missing := withKind(comparator.KindRemoved)
	mismatch := withKind(comparator.KindTypeChange)
	itemRemoved := withKind(comparator.KindItemRemoved)
	flaggedOnly := &comparator.ReplayReport{Flags: []comparator.Flag{comparator.FlagMissingKey}}

	assert.InDelta(t, 0.1, applyFindingsFloor(plain, 0.1), 1e-9)
	assert.InDelta(t, 0.3, applyFindingsFloor(missing, 0.1), 1e-9)
	assert.InDelta(t, 0.3, applyFindingsFloor(mismatch, 0), 1e-9)
	assert.InDelta(t, 0.1, applyFindingsFloor(itemRemoved, 0.1), 1e-9)
	assert.InDelta(t, 0.1, applyFindingsFloor(flaggedOnly, 0.1), 1e-9)
	assert.InDelta(t, 0.8, applyFindingsFloor(missing, 0.8), 1e-9)
}

func TestRecordUpdate_Apply(t *testing.T) {
	rec := NewRecord(&comparator.ReplayReport{RequestID: "r"})
	require.Equal(t, StatePending, rec.Status)

	status := StateAnalyzing
	require.NoError(t, (&RecordUpdate{Status: &status}).Apply(rec))
	assert.Equal(t, StateAnalyzing, rec.Status)
	assert.Empty(t, rec.Opinions)

	yes, no := true, false
	require.NoError(t, (&RecordUpdate{IsMitigated: &yes}).Apply(rec))
	assert.ErrorIs(t, (&RecordUpdate{IsMitigated: &no}).Apply(rec), ErrMitigationIrreversible)
	assert.True(t, rec.IsMitigated)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateComplete, StateShortCircuitComplete, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StatePending, StateAnalyzing, StateAwaitingSkeptic, StateAwaitingJudge} {
		assert.False(t, s.Terminal(), s)
	}
}
