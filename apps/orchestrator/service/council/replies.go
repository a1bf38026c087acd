package council

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnstructuredReply is returned when a model reply holds no JSON object.
var ErrUnstructuredReply = errors.New("reply contains no JSON object")

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

const analyzerSchema = `{
  "type": "object",
  "required": ["risk_score"],
  "properties": {
    "analysis": {"type": "string"},
    "detected_issues": {"type": "array", "items": {"type": "string"}},
    "risk_score": {"type": "number", "minimum": 0, "maximum": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const criticSchema = `{
  "type": "object",
  "required": ["risk_adjustment"],
  "properties": {
    "critique": {"type": "string"},
    "false_positives": {"type": "array", "items": {"type": "string"}},
    "genuine_concerns": {"type": "array", "items": {"type": "string"}},
    "risk_adjustment": {"type": "number"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const judgeSchema = `{
  "type": "object",
  "required": ["verdict", "final_risk_score"],
  "properties": {
    "final_analysis": {"type": "string"},
    "verdict": {"enum": ["PASS", "NEEDS_REVIEW", "FAIL"]},
    "final_risk_score": {"type": "number", "minimum": 0, "maximum": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "key_factors": {"type": "array", "items": {"type": "string"}}
  }
}`

type analyzerReply struct {
	Analysis       string   `json:"analysis"`
	DetectedIssues []string `json:"detected_issues"`
	RiskScore      float64  `json:"risk_score"`
	Confidence     *float64 `json:"confidence"`
}

type criticReply struct {
	Critique        string   `json:"critique"`
	FalsePositives  []string `json:"false_positives"`
	GenuineConcerns []string `json:"genuine_concerns"`
	RiskAdjustment  float64  `json:"risk_adjustment"`
	Confidence      *float64 `json:"confidence"`
}

type judgeReply struct {
	FinalAnalysis  string   `json:"final_analysis"`
	Verdict        Label    `json:"verdict"`
	FinalRiskScore float64  `json:"final_risk_score"`
	Confidence     *float64 `json:"confidence"`
	KeyFactors     []string `json:"key_factors"`
}

// ReplyParser validates model replies against the per-stage schemas.
type ReplyParser struct {
	schemas map[Agent]*jsonschema.Schema
}

// NewReplyParser compiles the stage schemas.
func NewReplyParser() (*ReplyParser, error) {
	sources := map[Agent]string{
		AgentAnalyzer: analyzerSchema,
		AgentCritic:   criticSchema,
		AgentJudge:    judgeSchema,
	}

	compiler := jsonschema.NewCompiler()
	for agent, src := range sources {
		if err := compiler.AddResource(schemaURL(agent), strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", agent, err)
		}
	}

	p := &ReplyParser{schemas: make(map[Agent]*jsonschema.Schema, len(sources))}
	for agent := range sources {
		schema, err := compiler.Compile(schemaURL(agent))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", agent, err)
		}
		p.schemas[agent] = schema
	}
	return p, nil
}

func schemaURL(agent Agent) string {
	return "mem://council/" + string(agent) + ".json"
}

// Parse extracts the outermost JSON object from reply, validates it against
// the stage schema and decodes it into out.
func (p *ReplyParser) Parse(agent Agent, reply string, out any) error {
	raw := jsonObject.FindString(reply)
	if raw == "" {
		return ErrUnstructuredReply
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	schema, ok := p.schemas[agent]
	if !ok {
		return fmt.Errorf("no schema for agent %s", agent)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validate reply: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
