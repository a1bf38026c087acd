package council

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/llm"
)

// PromptBuilder renders the per-stage prompts.
type PromptBuilder struct {
	templates map[Agent]*template.Template
}

// NewPromptBuilder parses every stage template.
func NewPromptBuilder() (*PromptBuilder, error) {
	pb := &PromptBuilder{templates: make(map[Agent]*template.Template)}

	sources := map[Agent]string{
		AgentAnalyzer: analyzerTemplate,
		AgentCritic:   criticTemplate,
		AgentJudge:    judgeTemplate,
	}
	for agent, src := range sources {
		t, err := template.New(string(agent)).Funcs(templateFuncs).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", agent, err)
		}
		pb.templates[agent] = t
	}
	return pb, nil
}

// Messages renders the system and user blocks for agent.
func (pb *PromptBuilder) Messages(agent Agent, data any) ([]llm.Message, error) {
	t, ok := pb.templates[agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agent)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return []llm.Message{
		llm.SystemMessage(systemPrompts[agent]),
		llm.UserMessage(buf.String()),
	}, nil
}

//nolint:gochecknoglobals // Template functions are inherently global
var templateFuncs = template.FuncMap{
	"json": func(v any) string {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	},
	"join": strings.Join,
	"score": func(f float64) string {
		return fmt.Sprintf("%.2f", f)
	},
}

// AnalyzerInput feeds the analyzer prompt.
type AnalyzerInput struct {
	Report *comparator.ReplayReport
}

// CriticInput feeds the critic prompt.
type CriticInput struct {
	Report   *comparator.ReplayReport
	Analyzer Opinion
}

// JudgeInput feeds the judge prompt.
type JudgeInput struct {
	Report   *comparator.ReplayReport
	Analyzer Opinion
	Critic   Opinion
}

//nolint:gochecknoglobals // Prompt text is static
var systemPrompts = map[Agent]string{
	AgentAnalyzer: `You are the Primary Analyzer of an API parity council.

You receive a structured diff between a legacy (reference) and a headless (candidate)
implementation of the same API, together with both raw responses.

Identify every difference that can affect business logic, decide whether each is a
breaking change, an acceptable transformation or a likely bug in the candidate, and
estimate a risk score. Be thorough and pessimistic; the Critic reviews your findings.

Reply with a single JSON object:
{
  "analysis": "detailed analysis",
  "detected_issues": ["issue", "..."],
  "risk_score": 0.0,
  "confidence": 0.0
}
risk_score and confidence are numbers between 0 and 1.`,

	AgentCritic: `You are the Skeptic Critic of an API parity council.

Challenge the Primary Analyzer. Find differences that look risky but are safe
(semantic equivalence such as 100 vs "100", cosmetic case changes, backwards compatible
schema evolution) and confirm the issues that remain genuinely risky. You may also raise
the risk for issues the analyzer missed.

Reply with a single JSON object:
{
  "critique": "skeptical analysis",
  "false_positives": ["finding that is actually safe"],
  "genuine_concerns": ["finding that remains risky"],
  "risk_adjustment": 0.0,
  "confidence": 0.0
}
risk_adjustment is added to the analyzer risk and must lie between -0.3 and 0.2.`,

	AgentJudge: `You are the Consensus Judge of an API parity council and make the final
deployment decision.

Weigh the Primary Analyzer and the Skeptic Critic. Consider business impact against
technical risk, the likelihood of false positives, merchant impact and rollback cost.
  PASS          safe to deploy (risk below 0.3)
  NEEDS_REVIEW  needs human oversight (risk from 0.3 up to 0.7)
  FAIL          do not deploy (risk 0.7 or above)

Reply with a single JSON object:
{
  "final_analysis": "weighted reasoning",
  "verdict": "PASS|NEEDS_REVIEW|FAIL",
  "final_risk_score": 0.0,
  "confidence": 0.0,
  "key_factors": ["decision factor"]
}`,
}

const analyzerTemplate = `Analyze the following parity test.

REQUEST ID: {{.Report.RequestID}}
MERCHANT ID: {{.Report.MerchantID}}
FLAGS: {{json .Report.Flags}}

DIFF:
{{json .Report.Difference.Entries}}

LEGACY RESPONSE:
{{json .Report.ReferenceResponse}}

HEADLESS RESPONSE:
{{json .Report.CandidateResponse}}

Reply with the JSON object described in your instructions.`

const criticTemplate = `Review this primary analysis for false positives.

REQUEST ID: {{.Report.RequestID}}

PRIMARY ANALYZER FOUND:
- Risk score: {{score .Analyzer.RiskScore}}
- Issues: {{join .Analyzer.DetectedIssues "; "}}
- Analysis: {{.Analyzer.Narrative}}

DIFF:
{{json .Report.Difference.Entries}}

ALREADY SUPPRESSED AS NUMERICALLY EQUIVALENT:
{{json .Report.Difference.Suppressed}}

LEGACY RESPONSE:
{{json .Report.ReferenceResponse}}

HEADLESS RESPONSE:
{{json .Report.CandidateResponse}}

Which findings are false positives and which are genuine concerns?`

const judgeTemplate = `Make the final deployment decision.

REQUEST ID: {{.Report.RequestID}}
MERCHANT ID: {{.Report.MerchantID}}
FLAGS: {{json .Report.Flags}}

PRIMARY ANALYZER ({{.Analyzer.Provider}}):
- Risk score: {{score .Analyzer.RiskScore}}
- Issues: {{join .Analyzer.DetectedIssues "; "}}
- Analysis: {{.Analyzer.Narrative}}

SKEPTIC CRITIC ({{.Critic.Provider}}):
- Adjusted risk score: {{score .Critic.RiskScore}}
- False positives: {{join .Critic.FalsePositives "; "}}
- Genuine concerns: {{join .Critic.DetectedIssues "; "}}
- Critique: {{.Critic.Narrative}}

DIFF:
{{json .Report.Difference.Entries}}

What is your final verdict?`
