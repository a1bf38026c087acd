package council_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/apps/orchestrator/service/repository"
	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/llm"
)

// scriptedInvoker answers per stage, recognised by sampling temperature.
type scriptedInvoker struct {
	mu      sync.Mutex
	replies map[council.Agent]string
	failing map[llm.Provider]bool
	calls   []invocation
}

type invocation struct {
	Provider llm.Provider
	Agent    council.Agent
	Request  *llm.InvocationRequest
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		replies: make(map[council.Agent]string),
		failing: make(map[llm.Provider]bool),
	}
}

func agentFor(temperature float64) council.Agent {
	switch temperature {
	case council.AnalyzerTemperature:
		return council.AgentAnalyzer
	case council.CriticTemperature:
		return council.AgentCritic
	default:
		return council.AgentJudge
	}
}

func (s *scriptedInvoker) Invoke(_ context.Context, provider llm.Provider, req *llm.InvocationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := agentFor(req.Temperature)
	s.calls = append(s.calls, invocation{Provider: provider, Agent: agent, Request: req})
	if s.failing[provider] {
		return "", llm.NewInvocationError(provider, errors.New("status 503 service unavailable"))
	}
	return s.replies[agent], nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingRunObserver struct {
	mu        sync.Mutex
	runs      []string
	fallbacks []string
}

func (r *recordingRunObserver) ObserveRun(status, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, status+"/"+label)
}

func (r *recordingRunObserver) ObserveFallback(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, stage)
}

type harness struct {
	invoker  *scriptedInvoker
	registry *llm.Registry
	store    *repository.MemoryRecordStore
	logs     *repository.MemoryReliabilityLogStore
	observer *recordingRunObserver
	pipeline *council.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		invoker:  newScriptedInvoker(),
		registry: llm.NewRegistry("qwen", "phi3", "mistral"),
		store:    repository.NewMemoryRecordStore(),
		logs:     repository.NewMemoryReliabilityLogStore(),
		observer: &recordingRunObserver{},
	}
	failover := llm.NewFailover(h.registry, llm.FailoverPolicy{MaxRetries: 3}, council.NewReliabilityObserver(h.logs))

	var err error
	h.pipeline, err = council.NewPipeline(h.invoker, failover, h.store, council.WithRunObserver(h.observer))
	require.NoError(t, err)
	return h
}

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func buildReport(t *testing.T, id, reference, candidate string) *comparator.ReplayReport {
	t.Helper()

	ref, cand := decode(t, reference), decode(t, candidate)
	diff, err := comparator.Diff(ref, cand)
	require.NoError(t, err)

	return &comparator.ReplayReport{
		RequestID:         id,
		MerchantID:        "merchant-1",
		ReferenceResponse: ref,
		CandidateResponse: cand,
		Difference:        diff,
		Flags:             comparator.DeriveFlags(diff, nil, nil, comparator.DefaultRegressionRatio),
	}
}

const (
	scenarioReference = `{"status":"SUCCESS","price":100.0,"tax_total":10.0}`
	scenarioCandidate = `{"status":"success","price":"100"}`
)

func TestPipeline_ScenarioA_MissingKeyNeverPasses(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = `Here you go: {"analysis":"tax_total dropped","detected_issues":["tax_total missing"],"risk_score":0.2,"confidence":0.9}`
	h.invoker.replies[council.AgentCritic] = `{"critique":"status case is cosmetic","false_positives":["status case"],"genuine_concerns":["tax_total missing"],"risk_adjustment":-0.3,"confidence":0.7}`
	h.invoker.replies[council.AgentJudge] = `{"final_analysis":"looks fine","verdict":"PASS","final_risk_score":0.05,"confidence":0.9,"key_factors":["cosmetic"]}`

	report := buildReport(t, "scenario-a", scenarioReference, scenarioCandidate)
	require.Equal(t, []comparator.Flag{comparator.FlagMissingKey}, report.Flags)
	require.NotEmpty(t, report.Difference.Suppressed)

	rec, err := h.pipeline.Run(context.Background(), report)
	require.NoError(t, err)

	assert.Equal(t, council.StateComplete, rec.Status)
	require.NotNil(t, rec.Verdict)
	assert.NotEqual(t, council.LabelPass, rec.Verdict.Label)
	assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
	assert.InDelta(t, council.PassBelow, rec.Verdict.RiskScore, 1e-9)
	assert.Equal(t, "qwen", rec.Provider)

	require.Len(t, rec.Opinions, 3)
	assert.Equal(t, council.AgentAnalyzer, rec.Opinions[0].Agent)
	assert.Equal(t, council.AgentCritic, rec.Opinions[1].Agent)
	assert.Equal(t, council.AgentJudge, rec.Opinions[2].Agent)
	assert.InDelta(t, 0.0, rec.Opinions[1].RiskScore, 1e-9)
	assert.Equal(t, []string{"status case"}, rec.Opinions[1].FalsePositives)
	assert.Equal(t, 3, h.invoker.callCount())
	assert.Equal(t, []string{"complete/NEEDS_REVIEW"}, h.observer.runs)
}

func TestPipeline_ScenarioB_IdenticalShortCircuits(t *testing.T) {
	h := newHarness(t)
	body := `{"status":"SUCCESS","price":100.0}`

	rec, err := h.pipeline.Run(context.Background(), buildReport(t, "scenario-b", body, body))
	require.NoError(t, err)

	assert.Equal(t, council.StateShortCircuitComplete, rec.Status)
	require.NotNil(t, rec.Verdict)
	assert.Equal(t, council.LabelPass, rec.Verdict.Label)
	assert.Zero(t, rec.Verdict.RiskScore)
	require.Len(t, rec.Opinions, 1)
	assert.Equal(t, council.AgentAnalyzer, rec.Opinions[0].Agent)
	assert.Equal(t, council.ProviderSkip, rec.Opinions[0].Provider)
	assert.InDelta(t, 1.0, rec.Opinions[0].Confidence, 1e-9)
	assert.Equal(t, council.ProviderSkip, rec.Provider)
	assert.Zero(t, h.invoker.callCount())
}

func TestPipeline_ScenarioC_AllProvidersFailOnAnalyzer(t *testing.T) {
	h := newHarness(t)
	h.invoker.failing["qwen"] = true
	h.invoker.failing["phi3"] = true
	h.invoker.failing["mistral"] = true

	rec, err := h.pipeline.Run(context.Background(), buildReport(t, "scenario-c", scenarioReference, scenarioCandidate))
	require.NoError(t, err)

	assert.Equal(t, council.StateFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.Contains(t, rec.ErrorMessage, "analyzer")
	assert.Empty(t, rec.Opinions)
	assert.Nil(t, rec.Verdict)
	assert.Equal(t, 3, h.invoker.callCount())
	assert.Equal(t, []string{"failed/"}, h.observer.runs)

	logs, err := h.logs.List(context.Background(), council.ReliabilityFilter{TestID: "scenario-c"})
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestPipeline_FailureAtJudgePreservesOpinions(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = `{"analysis":"a","detected_issues":[],"risk_score":0.5}`
	h.invoker.replies[council.AgentCritic] = `{"critique":"c","risk_adjustment":0.0}`

	report := buildReport(t, "judge-fails", scenarioReference, scenarioCandidate)

	invoker := &judgeFailingInvoker{scriptedInvoker: h.invoker}
	failover := llm.NewFailover(h.registry, llm.FailoverPolicy{MaxRetries: 3})
	pipeline, err := council.NewPipeline(invoker, failover, h.store)
	require.NoError(t, err)

	rec, err := pipeline.Run(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, council.StateFailed, rec.Status)
	assert.Len(t, rec.Opinions, 2)
	assert.Contains(t, rec.ErrorMessage, "judge")
}

type judgeFailingInvoker struct {
	*scriptedInvoker
}

func (j *judgeFailingInvoker) Invoke(ctx context.Context, provider llm.Provider, req *llm.InvocationRequest) (string, error) {
	if agentFor(req.Temperature) == council.AgentJudge {
		return "", llm.NewInvocationError(provider, errors.New("status 429 too many requests"))
	}
	return j.scriptedInvoker.Invoke(ctx, provider, req)
}

func TestPipeline_AnalyzerFallback(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = "I think it is mostly fine."
	h.invoker.replies[council.AgentCritic] = `{"critique":"agree","risk_adjustment":0.1,"confidence":0.6}`
	h.invoker.replies[council.AgentJudge] = `{"verdict":"NEEDS_REVIEW","final_risk_score":0.5}`

	rec, err := h.pipeline.Run(context.Background(), buildReport(t, "analyzer-fallback", scenarioReference, scenarioCandidate))
	require.NoError(t, err)

	require.Len(t, rec.Opinions, 3)
	analyzer := rec.Opinions[0]
	assert.Equal(t, "qwen:fallback", analyzer.Provider)
	assert.True(t, analyzer.Degraded())
	// removed (0.5) + value change (0.2); the price type change was suppressed.
	assert.InDelta(t, 0.7, analyzer.RiskScore, 1e-9)
	assert.InDelta(t, 0.5, analyzer.Confidence, 1e-9)
	assert.Len(t, analyzer.DetectedIssues, len(rec.Report.Difference.Entries))

	assert.InDelta(t, 0.8, rec.Opinions[1].RiskScore, 1e-9)
	assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
	assert.InDelta(t, 0.5, rec.Verdict.RiskScore, 1e-9)
	assert.InDelta(t, 0.8, rec.Verdict.Confidence, 1e-9)
	assert.Equal(t, []string{"analyzer"}, h.observer.fallbacks)
}

func TestPipeline_AnalyzerFallbackCapsRisk(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = `{"risk_score": "high"}`
	h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":0.2}`
	h.invoker.replies[council.AgentJudge] = `{"verdict":"FAIL","final_risk_score":0.95}`

	report := buildReport(t, "capped",
		`{"id":1,"name":"a","extra":true}`,
		`{"id":"one","name":"b"}`)
	require.True(t, report.Difference.Has(comparator.KindTypeChange))
	require.True(t, report.Difference.Has(comparator.KindRemoved))
	require.True(t, report.Difference.Has(comparator.KindValueChange))

	rec, err := h.pipeline.Run(context.Background(), report)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rec.Opinions[0].RiskScore, 1e-9)
	assert.InDelta(t, 1.0, rec.Opinions[1].RiskScore, 1e-9)
	assert.Equal(t, council.LabelFail, rec.Verdict.Label)
}

func TestPipeline_CriticAdjustmentIsClamped(t *testing.T) {
	tests := []struct {
		name       string
		analyzer   float64
		adjustment float64
		expected   float64
	}{
		{"within bounds", 0.5, -0.1, 0.4},
		{"below lower bound", 0.5, -0.9, 0.2},
		{"above upper bound", 0.5, 0.9, 0.7},
		{"clamped at zero", 0.1, -0.3, 0.0},
		{"clamped at one", 0.95, 0.2, 1.0},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.invoker.replies[council.AgentAnalyzer] = fmt.Sprintf(`{"risk_score":%v}`, tt.analyzer)
			h.invoker.replies[council.AgentCritic] = fmt.Sprintf(`{"risk_adjustment":%v}`, tt.adjustment)
			h.invoker.replies[council.AgentJudge] = `{"verdict":"FAIL","final_risk_score":0.9}`

			rec, err := h.pipeline.Run(context.Background(),
				buildReport(t, fmt.Sprintf("clamp-%d", i), `{"a":1}`, `{"a":2}`))
			require.NoError(t, err)
			require.Len(t, rec.Opinions, 3)
			assert.InDelta(t, tt.expected, rec.Opinions[1].RiskScore, 1e-9)
			assert.InDelta(t, 0.75, rec.Opinions[1].Confidence, 1e-9)
		})
	}
}

func TestPipeline_CriticFallback(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = `{"analysis":"x","detected_issues":["one","two"],"risk_score":0.45,"confidence":0.9}`
	h.invoker.replies[council.AgentCritic] = `not json at all`
	h.invoker.replies[council.AgentJudge] = `{"verdict":"NEEDS_REVIEW","final_risk_score":0.45}`

	rec, err := h.pipeline.Run(context.Background(), buildReport(t, "critic-fallback", `{"a":1}`, `{"a":2}`))
	require.NoError(t, err)

	critic := rec.Opinions[1]
	assert.Equal(t, "qwen:fallback", critic.Provider)
	assert.Equal(t, []string{"one", "two"}, critic.DetectedIssues)
	assert.Empty(t, critic.FalsePositives)
	assert.InDelta(t, 0.45, critic.RiskScore, 1e-9)
	assert.InDelta(t, 0.6, critic.Confidence, 1e-9)
}

func TestPipeline_JudgeInvalidVerdictFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"unknown label", `{"verdict":"MAYBE","final_risk_score":0.1}`},
		{"missing risk", `{"verdict":"PASS"}`},
		{"prose", `PASS`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.invoker.replies[council.AgentAnalyzer] = `{"risk_score":0.5}`
			h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":-0.2}`
			h.invoker.replies[council.AgentJudge] = tt.reply

			rec, err := h.pipeline.Run(context.Background(),
				buildReport(t, fmt.Sprintf("judge-%d", i), `{"a":1}`, `{"a":2}`))
			require.NoError(t, err)

			judge := rec.Opinions[2]
			assert.Equal(t, "qwen:fallback", judge.Provider)
			assert.InDelta(t, 0.6*0.5+0.4*0.3, judge.RiskScore, 1e-9)
			assert.InDelta(t, 0.75, rec.Verdict.Confidence, 1e-9)
			assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
			assert.Equal(t, "qwen:fallback", rec.Provider)
		})
	}
}

func TestPipeline_LabelAlwaysFollowsRisk(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = `{"risk_score":0.9}`
	h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":0}`
	h.invoker.replies[council.AgentJudge] = `{"verdict":"PASS","final_risk_score":0.85}`

	rec, err := h.pipeline.Run(context.Background(), buildReport(t, "label-risk", `{"a":1}`, `{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, council.LabelFail, rec.Verdict.Label)
	assert.Equal(t, council.Recommendation(council.LabelFail), rec.Verdict.Recommendation)
}

func TestPipeline_FailoverMovesToNextProvider(t *testing.T) {
	h := newHarness(t)
	h.invoker.failing["qwen"] = true
	h.invoker.replies[council.AgentAnalyzer] = `{"risk_score":0.1}`
	h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":0}`
	h.invoker.replies[council.AgentJudge] = `{"verdict":"PASS","final_risk_score":0.1}`

	rec, err := h.pipeline.Run(context.Background(), buildReport(t, "failover", `{"a":1}`, `{"a":2}`))
	require.NoError(t, err)

	assert.Equal(t, council.StateComplete, rec.Status)
	assert.Equal(t, "phi3", rec.Opinions[0].Provider)
	assert.Equal(t, "phi3", rec.Provider)
	assert.Equal(t, council.LabelPass, rec.Verdict.Label)

	logs, err := h.logs.List(context.Background(), council.ReliabilityFilter{Provider: "qwen"})
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestPipeline_ForwardsSamplingSettings(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = `{"risk_score":0.1}`
	h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":0}`
	h.invoker.replies[council.AgentJudge] = `{"verdict":"PASS","final_risk_score":0.1}`

	_, err := h.pipeline.Run(context.Background(), buildReport(t, "sampling", `{"a":1}`, `{"a":2}`))
	require.NoError(t, err)

	require.Len(t, h.invoker.calls, 3)
	for _, c := range h.invoker.calls {
		assert.Equal(t, council.DefaultMaxTokens, c.Request.MaxTokens)
		require.Len(t, c.Request.Messages, 2)
		assert.Equal(t, llm.RoleSystem, c.Request.Messages[0].Role)
		assert.Equal(t, llm.RoleUser, c.Request.Messages[1].Role)
		assert.Contains(t, c.Request.Messages[1].Content, "sampling")
	}
}

func TestPipeline_RejectsMissingReport(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Run(context.Background(), nil)
	assert.ErrorIs(t, err, council.ErrNoReport)
}

func TestPipeline_IncompleteReportShortCircuits(t *testing.T) {
	h := newHarness(t)
	report := &comparator.ReplayReport{
		RequestID: "incomplete",
		Flags:     []comparator.Flag{comparator.FlagMissingKey},
	}

	rec, err := h.pipeline.Run(context.Background(), report)
	require.NoError(t, err)

	assert.Equal(t, council.StateShortCircuitComplete, rec.Status)
	assert.Equal(t, council.LabelPass, rec.Verdict.Label)
	require.Len(t, rec.Opinions, 1)
	assert.Equal(t, council.IncompleteNarrative, rec.Opinions[0].Narrative)
	assert.True(t, rec.Report.Incomplete())
	assert.Empty(t, rec.Report.Flags)
	assert.Zero(t, h.invoker.callCount())
}

func TestPipeline_HandSetFindingsAreRederived(t *testing.T) {
	passReply := `{"verdict":"PASS","final_risk_score":0.1,"confidence":0.9}`

	t.Run("removed key with flags cleared", func(t *testing.T) {
		h := newHarness(t)
		h.invoker.replies[council.AgentAnalyzer] = `{"risk_score":0.1}`
		h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":0}`
		h.invoker.replies[council.AgentJudge] = passReply

		report := &comparator.ReplayReport{
			RequestID:         "cleared-flags",
			ReferenceResponse: decode(t, `{"status":"SUCCESS","tax_total":10.0}`),
			CandidateResponse: decode(t, `{"status":"SUCCESS"}`),
			Difference: comparator.Difference{Entries: []comparator.DiffEntry{
				{Kind: comparator.KindRemoved, Path: "/tax_total", Reference: 10.0},
			}},
			Flags: []comparator.Flag{},
		}

		rec, err := h.pipeline.Run(context.Background(), report)
		require.NoError(t, err)

		assert.Equal(t, council.StateComplete, rec.Status)
		assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
		assert.Equal(t, []comparator.Flag{comparator.FlagMissingKey}, rec.Report.Flags)
	})

	t.Run("identical bodies with a stale flag", func(t *testing.T) {
		h := newHarness(t)
		body := `{"status":"SUCCESS"}`
		report := &comparator.ReplayReport{
			RequestID:         "stale-flag",
			ReferenceResponse: decode(t, body),
			CandidateResponse: decode(t, body),
			Difference:        comparator.Difference{Entries: []comparator.DiffEntry{}},
			Flags:             []comparator.Flag{comparator.FlagMissingKey},
		}

		rec, err := h.pipeline.Run(context.Background(), report)
		require.NoError(t, err)

		assert.Equal(t, council.StateShortCircuitComplete, rec.Status)
		assert.Empty(t, rec.Report.Flags)
	})

	t.Run("hidden removal in an empty difference", func(t *testing.T) {
		h := newHarness(t)
		h.invoker.replies[council.AgentAnalyzer] = `{"risk_score":0.1}`
		h.invoker.replies[council.AgentCritic] = `{"risk_adjustment":0}`
		h.invoker.replies[council.AgentJudge] = passReply

		report := &comparator.ReplayReport{
			RequestID:         "hidden-removal",
			ReferenceResponse: decode(t, `{"a":1,"b":2}`),
			CandidateResponse: decode(t, `{"a":1}`),
			Difference:        comparator.Difference{Entries: []comparator.DiffEntry{}},
		}

		rec, err := h.pipeline.Run(context.Background(), report)
		require.NoError(t, err)

		assert.Equal(t, council.StateComplete, rec.Status)
		assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
		assert.Equal(t, 3, h.invoker.callCount())
	})
}

func TestPipeline_RootTypeChangeNeverPasses(t *testing.T) {
	h := newHarness(t)
	h.invoker.replies[council.AgentAnalyzer] = "unparseable"
	h.invoker.replies[council.AgentCritic] = "unparseable"
	h.invoker.replies[council.AgentJudge] = `{"verdict":"PASS","final_risk_score":0.0}`

	rec, err := h.pipeline.Run(context.Background(),
		buildReport(t, "root-type", `{"status":"SUCCESS"}`, `"internal error"`))
	require.NoError(t, err)

	assert.Equal(t, []comparator.Flag{comparator.FlagTypeMismatch}, rec.Report.Flags)
	assert.InDelta(t, 0.4, rec.Opinions[0].RiskScore, 1e-9)
	assert.Equal(t, council.LabelNeedsReview, rec.Verdict.Label)
}

func TestPipeline_TerminalRecordIsNotRerun(t *testing.T) {
	h := newHarness(t)
	body := `{"a":1}`
	report := buildReport(t, "rerun", body, body)

	_, err := h.pipeline.Run(context.Background(), report)
	require.NoError(t, err)

	rec, err := h.pipeline.Run(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, council.StateShortCircuitComplete, rec.Status)
	assert.Len(t, h.observer.runs, 1)
}
