package council

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/llm"
)

// ErrNoReport is returned for submissions and jobs without a report.
var ErrNoReport = errors.New("report is required")

// ErrUncomparable is returned when the two response bodies cannot be diffed.
var ErrUncomparable = errors.New("responses could not be compared")

// IncompleteNarrative explains a short-circuit for a report where neither
// side responded.
const IncompleteNarrative = "Neither response was available; nothing to compare"

// Sampling settings per stage.
const (
	AnalyzerTemperature = 0.1
	CriticTemperature   = 0.4
	JudgeTemperature    = 0.2
	DefaultMaxTokens    = 512
)

// Confidence used when a reply omits it, and for rule-based opinions.
const (
	analyzerDefaultConfidence = 0.8
	criticDefaultConfidence   = 0.75
	judgeDefaultConfidence    = 0.8

	analyzerFallbackConfidence = 0.5
	criticFallbackConfidence   = 0.6
	judgeFallbackConfidence    = 0.75
)

// Critic adjustment bounds.
const (
	MinRiskAdjustment = -0.3
	MaxRiskAdjustment = 0.2
)

// Rule-based analyzer weights.
const (
	typeChangeRisk  = 0.4
	removedRisk     = 0.5
	valueChangeRisk = 0.2
)

// Judge fallback weights.
const (
	judgeAnalyzerWeight = 0.6
	judgeCriticWeight   = 0.4
)

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRunObserver reports terminal outcomes and fallbacks to o.
func WithRunObserver(o RunObserver) PipelineOption {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithRegressionRatio sets the latency ratio used when flags are re-derived.
func WithRegressionRatio(ratio float64) PipelineOption {
	return func(p *Pipeline) {
		if ratio > 0 {
			p.ratio = ratio
		}
	}
}

// WithMaxTokens overrides the per-call output budget.
func WithMaxTokens(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// Pipeline runs Analyzer, Critic and Judge over a report and persists each
// transition.
type Pipeline struct {
	invoker   llm.Invoker
	failover  *llm.Failover
	store     RecordStore
	prompts   *PromptBuilder
	parser    *ReplyParser
	observer  RunObserver
	maxTokens int
	ratio     float64
}

// NewPipeline creates a pipeline.
func NewPipeline(invoker llm.Invoker, failover *llm.Failover, store RecordStore, opts ...PipelineOption) (*Pipeline, error) {
	prompts, err := NewPromptBuilder()
	if err != nil {
		return nil, err
	}
	parser, err := NewReplyParser()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		invoker:   invoker,
		failover:  failover,
		store:     store,
		prompts:   prompts,
		parser:    parser,
		maxTokens: DefaultMaxTokens,
		ratio:     comparator.DefaultRegressionRatio,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RegressionRatio returns the latency ratio used to re-derive flags.
func (p *Pipeline) RegressionRatio() float64 {
	return p.ratio
}

// Run drives one report to a terminal state. The difference and flags are
// re-derived from the response bodies before anything reads them. Provider
// exhaustion is not an error here: the record ends up failed and is
// returned. Only store errors and uncomparable reports are returned.
func (p *Pipeline) Run(ctx context.Context, report *comparator.ReplayReport) (*Record, error) {
	if report == nil {
		return nil, ErrNoReport
	}
	if err := rederive(report, p.ratio); err != nil {
		return nil, err
	}

	rec, err := p.ensureRecord(ctx, report)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	id := rec.RequestID
	log := util.Log(ctx)
	log.Info("council run started", "request_id", id, "entries", len(report.Difference.Entries), "flags", report.Flags)

	if err = p.transition(ctx, id, StateAnalyzing, nil); err != nil {
		return nil, err
	}

	if report.Difference.IsEmpty() {
		return p.shortCircuit(ctx, id, report.Incomplete())
	}

	opinions := make([]Opinion, 0, 3)

	analyzer, err := p.analyze(ctx, id, report)
	if err != nil {
		return p.fail(ctx, id, AgentAnalyzer, opinions, err)
	}
	opinions = append(opinions, analyzer)
	if err = p.transition(ctx, id, StateAwaitingSkeptic, opinions); err != nil {
		return nil, err
	}

	critic, err := p.critique(ctx, id, report, analyzer)
	if err != nil {
		return p.fail(ctx, id, AgentCritic, opinions, err)
	}
	opinions = append(opinions, critic)
	if err = p.transition(ctx, id, StateAwaitingJudge, opinions); err != nil {
		return nil, err
	}

	judge, err := p.judge(ctx, id, report, analyzer, critic)
	if err != nil {
		return p.fail(ctx, id, AgentJudge, opinions, err)
	}
	opinions = append(opinions, judge)

	risk := applyFindingsFloor(report, judge.RiskScore)
	verdict := NewVerdict(risk, judge.Confidence)
	status := StateComplete
	if err = p.store.UpdateByID(ctx, id, &RecordUpdate{
		Status:   &status,
		Opinions: opinions,
		Verdict:  verdict,
		Provider: &judge.Provider,
	}); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	log.Info("council run complete",
		"request_id", id,
		"label", verdict.Label,
		"risk_score", verdict.RiskScore,
		"provider", judge.Provider,
	)
	p.observeRun(status, verdict.Label)
	return p.store.GetByID(ctx, id)
}

func (p *Pipeline) ensureRecord(ctx context.Context, report *comparator.ReplayReport) (*Record, error) {
	if report.RequestID == "" {
		report.RequestID = comparator.NewRequestID()
	}
	rec, err := p.store.GetByID(ctx, report.RequestID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("load record: %w", err)
	}

	rec = NewRecord(report)
	if err = p.store.Insert(ctx, rec); err != nil && !errors.Is(err, ErrRecordExists) {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return p.store.GetByID(ctx, report.RequestID)
}

func (p *Pipeline) transition(ctx context.Context, id string, state State, opinions []Opinion) error {
	if err := p.store.UpdateByID(ctx, id, &RecordUpdate{Status: &state, Opinions: opinions}); err != nil {
		return fmt.Errorf("update record status to %s: %w", state, err)
	}
	util.Log(ctx).Debug("council state changed", "request_id", id, "status", state)
	return nil
}

func (p *Pipeline) shortCircuit(ctx context.Context, id string, incomplete bool) (*Record, error) {
	narrative := "Responses are identical; no analysis required"
	if incomplete {
		narrative = IncompleteNarrative
	}
	opinion := Opinion{
		Agent:          AgentAnalyzer,
		Provider:       ProviderSkip,
		RiskScore:      0,
		Confidence:     1,
		DetectedIssues: []string{},
		FalsePositives: []string{},
		Narrative:      narrative,
		CreatedAt:      time.Now().UTC(),
	}
	verdict := NewVerdict(0, 1)
	status := StateShortCircuitComplete
	provider := ProviderSkip

	if err := p.store.UpdateByID(ctx, id, &RecordUpdate{
		Status:   &status,
		Opinions: []Opinion{opinion},
		Verdict:  verdict,
		Provider: &provider,
	}); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	util.Log(ctx).Info("council run short-circuited", "request_id", id, "incomplete", incomplete)
	p.observeRun(status, verdict.Label)
	return p.store.GetByID(ctx, id)
}

func (p *Pipeline) fail(ctx context.Context, id string, stage Agent, opinions []Opinion, cause error) (*Record, error) {
	util.Log(ctx).WithError(cause).Error("council run failed",
		"request_id", id,
		"stage", stage,
		"opinions", len(opinions),
	)

	status := StateFailed
	msg := fmt.Sprintf("%s stage: %v", stage, cause)
	if err := p.store.UpdateByID(ctx, id, &RecordUpdate{
		Status:       &status,
		Opinions:     opinions,
		ErrorMessage: &msg,
	}); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	p.observeRun(status, "")
	return p.store.GetByID(ctx, id)
}

// consult renders the stage prompt and runs it through failover. A prompt
// that cannot be rendered yields errNoPrompt so the stage can fall back
// without any call.
func (p *Pipeline) consult(
	ctx context.Context,
	id string,
	agent Agent,
	data any,
	temperature float64,
) (string, llm.Provider, error) {
	msgs, err := p.prompts.Messages(agent, data)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errNoPrompt, err)
	}

	req := &llm.InvocationRequest{
		Messages:    msgs,
		MaxTokens:   p.maxTokens,
		Temperature: temperature,
	}
	scope := llm.Scope{RequestID: id, Stage: string(agent)}
	return llm.WithFailover(ctx, p.failover, scope, func(ctx context.Context, provider llm.Provider) (string, error) {
		return p.invoker.Invoke(ctx, provider, req)
	})
}

var errNoPrompt = errors.New("prompt unavailable")

func (p *Pipeline) analyze(ctx context.Context, id string, report *comparator.ReplayReport) (Opinion, error) {
	reply, served, err := p.consult(ctx, id, AgentAnalyzer, AnalyzerInput{Report: report}, AnalyzerTemperature)
	if err != nil && !errors.Is(err, errNoPrompt) {
		return Opinion{}, err
	}

	var parsed analyzerReply
	if err == nil {
		err = p.parser.Parse(AgentAnalyzer, reply, &parsed)
	}
	if err != nil {
		p.logFallback(ctx, id, AgentAnalyzer, served, err)
		return analyzerFallback(report, fallbackProvider(served)), nil
	}

	return Opinion{
		Agent:          AgentAnalyzer,
		Provider:       string(served),
		RiskScore:      clamp(parsed.RiskScore, 0, 1),
		Confidence:     confidenceOr(parsed.Confidence, analyzerDefaultConfidence),
		DetectedIssues: nonNil(parsed.DetectedIssues),
		FalsePositives: []string{},
		Narrative:      parsed.Analysis,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (p *Pipeline) critique(ctx context.Context, id string, report *comparator.ReplayReport, analyzer Opinion) (Opinion, error) {
	input := CriticInput{Report: report, Analyzer: analyzer}
	reply, served, err := p.consult(ctx, id, AgentCritic, input, CriticTemperature)
	if err != nil && !errors.Is(err, errNoPrompt) {
		return Opinion{}, err
	}

	var parsed criticReply
	if err == nil {
		err = p.parser.Parse(AgentCritic, reply, &parsed)
	}
	if err != nil {
		p.logFallback(ctx, id, AgentCritic, served, err)
		return criticFallback(analyzer, fallbackProvider(served)), nil
	}

	adjustment := clamp(parsed.RiskAdjustment, MinRiskAdjustment, MaxRiskAdjustment)
	return Opinion{
		Agent:          AgentCritic,
		Provider:       string(served),
		RiskScore:      clamp(analyzer.RiskScore+adjustment, 0, 1),
		Confidence:     confidenceOr(parsed.Confidence, criticDefaultConfidence),
		DetectedIssues: nonNil(parsed.GenuineConcerns),
		FalsePositives: nonNil(parsed.FalsePositives),
		Narrative:      parsed.Critique,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (p *Pipeline) judge(
	ctx context.Context,
	id string,
	report *comparator.ReplayReport,
	analyzer, critic Opinion,
) (Opinion, error) {
	input := JudgeInput{Report: report, Analyzer: analyzer, Critic: critic}
	reply, served, err := p.consult(ctx, id, AgentJudge, input, JudgeTemperature)
	if err != nil && !errors.Is(err, errNoPrompt) {
		return Opinion{}, err
	}

	var parsed judgeReply
	if err == nil {
		err = p.parser.Parse(AgentJudge, reply, &parsed)
	}
	if err == nil && !parsed.Verdict.Valid() {
		err = fmt.Errorf("invalid verdict %q", parsed.Verdict)
	}
	if err != nil {
		p.logFallback(ctx, id, AgentJudge, served, err)
		return judgeFallback(analyzer, critic, fallbackProvider(served)), nil
	}

	return Opinion{
		Agent:          AgentJudge,
		Provider:       string(served),
		RiskScore:      clamp(parsed.FinalRiskScore, 0, 1),
		Confidence:     confidenceOr(parsed.Confidence, judgeDefaultConfidence),
		DetectedIssues: nonNil(parsed.KeyFactors),
		FalsePositives: []string{},
		Narrative:      parsed.FinalAnalysis,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (p *Pipeline) logFallback(ctx context.Context, id string, agent Agent, served llm.Provider, err error) {
	util.Log(ctx).WithError(err).Warn("stage reply unusable, using rule-based opinion",
		"request_id", id,
		"stage", agent,
		"provider", served,
	)
	if p.observer != nil {
		p.observer.ObserveFallback(string(agent))
	}
}

func (p *Pipeline) observeRun(status State, label Label) {
	if p.observer != nil {
		p.observer.ObserveRun(string(status), string(label))
	}
}

func analyzerFallback(report *comparator.ReplayReport, provider string) Opinion {
	diff := report.Difference

	risk := 0.0
	if diff.Has(comparator.KindTypeChange) {
		risk += typeChangeRisk
	}
	if diff.Has(comparator.KindRemoved) {
		risk += removedRisk
	}
	if diff.Has(comparator.KindValueChange) || diff.Has(comparator.KindItemRemoved) || diff.Has(comparator.KindItemAdded) {
		risk += valueChangeRisk
	}

	issues := make([]string, 0, len(diff.Entries))
	for _, e := range diff.Entries {
		issues = append(issues, fmt.Sprintf("%s at %s", e.Kind, e.Path))
	}

	return Opinion{
		Agent:          AgentAnalyzer,
		Provider:       provider,
		RiskScore:      math.Min(risk, 1),
		Confidence:     analyzerFallbackConfidence,
		DetectedIssues: issues,
		FalsePositives: []string{},
		Narrative: fmt.Sprintf("Rule-based analysis: %d type changes, %d removed fields, %d value changes, "+
			"%d added fields, %d sequence items changed",
			diff.Count(comparator.KindTypeChange),
			diff.Count(comparator.KindRemoved),
			diff.Count(comparator.KindValueChange),
			diff.Count(comparator.KindAdded),
			diff.Count(comparator.KindItemRemoved)+diff.Count(comparator.KindItemAdded),
		),
		CreatedAt: time.Now().UTC(),
	}
}

func criticFallback(analyzer Opinion, provider string) Opinion {
	return Opinion{
		Agent:          AgentCritic,
		Provider:       provider,
		RiskScore:      analyzer.RiskScore,
		Confidence:     criticFallbackConfidence,
		DetectedIssues: append([]string{}, analyzer.DetectedIssues...),
		FalsePositives: []string{},
		Narrative:      "Rule-based critique: analyzer findings accepted unchanged",
		CreatedAt:      time.Now().UTC(),
	}
}

func judgeFallback(analyzer, critic Opinion, provider string) Opinion {
	risk := judgeAnalyzerWeight*analyzer.RiskScore + judgeCriticWeight*critic.RiskScore
	return Opinion{
		Agent:          AgentJudge,
		Provider:       provider,
		RiskScore:      clamp(risk, 0, 1),
		Confidence:     judgeFallbackConfidence,
		DetectedIssues: append([]string{}, critic.DetectedIssues...),
		FalsePositives: append([]string{}, critic.FalsePositives...),
		Narrative: fmt.Sprintf("Rule-based verdict: weighted analyzer %.2f and critic %.2f",
			analyzer.RiskScore, critic.RiskScore),
		CreatedAt: time.Now().UTC(),
	}
}

// applyFindingsFloor keeps structural findings out of PASS. It reads the
// difference itself so that it does not depend on how flags were set.
func applyFindingsFloor(report *comparator.ReplayReport, risk float64) float64 {
	diff := report.Difference
	if diff.Has(comparator.KindRemoved) || diff.Has(comparator.KindTypeChange) {
		return math.Max(risk, PassBelow)
	}
	return risk
}

// rederive recomputes the difference and flags of report from its bodies.
func rederive(report *comparator.ReplayReport, ratio float64) error {
	if err := report.Rederive(ratio); err != nil {
		return fmt.Errorf("%w: %w", ErrUncomparable, err)
	}
	return nil
}

func fallbackProvider(served llm.Provider) string {
	if served == "" {
		return rulesFallbackOwner + fallbackSuffix
	}
	return string(served) + fallbackSuffix
}

func confidenceOr(c *float64, def float64) float64 {
	if c == nil {
		return def
	}
	return clamp(*c, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
