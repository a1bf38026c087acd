// Package council runs the three-stage consensus pipeline (Analyzer, Critic,
// Judge) over replay reports and owns the records it produces.
package council

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/antinvestor/parity/internal/comparator"
)

// Record store errors.
var (
	ErrRecordNotFound         = errors.New("record not found")
	ErrRecordExists           = errors.New("record already exists")
	ErrMitigationIrreversible = errors.New("mitigation cannot be reverted")
)

// Agent names a council member.
type Agent string

// Agent constants, in pipeline order.
const (
	AgentAnalyzer Agent = "analyzer"
	AgentCritic   Agent = "critic"
	AgentJudge    Agent = "judge"
)

// Provider tags that are not registry ids.
const (
	ProviderSkip       = "skip"
	fallbackSuffix     = ":fallback"
	rulesFallbackOwner = "rules"
)

// Opinion is one council member's judgment of one report. It is never
// modified after the stage that produced it returns.
type Opinion struct {
	Agent          Agent     `json:"agent"`
	Provider       string    `json:"provider"`
	RiskScore      float64   `json:"risk_score"`
	Confidence     float64   `json:"confidence"`
	DetectedIssues []string  `json:"detected_issues"`
	FalsePositives []string  `json:"false_positives"`
	Narrative      string    `json:"narrative"`
	CreatedAt      time.Time `json:"created_at"`
}

// Degraded reports whether the opinion came from a rule-based fallback.
func (o Opinion) Degraded() bool {
	return strings.HasSuffix(o.Provider, fallbackSuffix)
}

// Label is the categorical verdict.
type Label string

// Label constants.
const (
	LabelPass        Label = "PASS"
	LabelNeedsReview Label = "NEEDS_REVIEW"
	LabelFail        Label = "FAIL"
)

// Verdict thresholds.
const (
	PassBelow = 0.3
	FailFrom  = 0.7
)

// Valid reports whether l is one of the three labels.
func (l Label) Valid() bool {
	switch l {
	case LabelPass, LabelNeedsReview, LabelFail:
		return true
	default:
		return false
	}
}

// LabelForRisk maps a risk score onto a label: PASS below 0.3, FAIL from 0.7.
func LabelForRisk(risk float64) Label {
	switch {
	case risk < PassBelow:
		return LabelPass
	case risk < FailFrom:
		return LabelNeedsReview
	default:
		return LabelFail
	}
}

// Recommendation returns the deployment advice for a label.
func Recommendation(l Label) string {
	switch l {
	case LabelPass:
		return "Safe to deploy - low risk detected"
	case LabelFail:
		return "Do not deploy - high risk detected"
	default:
		return "Manual review recommended - moderate risk"
	}
}

// Verdict is the pipeline's final outcome.
type Verdict struct {
	Label          Label   `json:"label"`
	RiskScore      float64 `json:"risk_score"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// NewVerdict derives the label and recommendation from risk.
func NewVerdict(risk, confidence float64) *Verdict {
	label := LabelForRisk(risk)
	return &Verdict{
		Label:          label,
		RiskScore:      risk,
		Confidence:     confidence,
		Recommendation: Recommendation(label),
	}
}

// State is the pipeline state stored as a record's status.
type State string

// State constants.
const (
	StatePending              State = "pending"
	StateAnalyzing            State = "analyzing"
	StateAwaitingSkeptic      State = "awaiting_skeptic"
	StateAwaitingJudge        State = "awaiting_judge"
	StateComplete             State = "complete"
	StateShortCircuitComplete State = "short_circuit_complete"
	StateFailed               State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateShortCircuitComplete || s == StateFailed
}

// Record is the durable state of one council run.
type Record struct {
	RequestID    string                   `json:"request_id"`
	MerchantID   string                   `json:"merchant_id"`
	Status       State                    `json:"status"`
	Report       *comparator.ReplayReport `json:"report"`
	Opinions     []Opinion                `json:"opinions"`
	Verdict      *Verdict                 `json:"verdict,omitempty"`
	Provider     string                   `json:"provider,omitempty"`
	IsMitigated  bool                     `json:"is_mitigated"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// NewRecord creates a pending record for report.
func NewRecord(report *comparator.ReplayReport) *Record {
	merchant := report.MerchantID
	if merchant == "" {
		merchant = comparator.DefaultMerchantID
	}
	now := time.Now().UTC()
	return &Record{
		RequestID:  report.RequestID,
		MerchantID: merchant,
		Status:     StatePending,
		Report:     report,
		Opinions:   []Opinion{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RecordUpdate carries the fields to change. Nil fields are left alone.
type RecordUpdate struct {
	Status       *State
	Opinions     []Opinion
	Verdict      *Verdict
	Provider     *string
	IsMitigated  *bool
	ErrorMessage *string
}

// Apply writes the update onto rec. It refuses to clear IsMitigated.
func (u *RecordUpdate) Apply(rec *Record) error {
	if u.IsMitigated != nil && !*u.IsMitigated && rec.IsMitigated {
		return ErrMitigationIrreversible
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Opinions != nil {
		rec.Opinions = append([]Opinion(nil), u.Opinions...)
	}
	if u.Verdict != nil {
		v := *u.Verdict
		rec.Verdict = &v
	}
	if u.Provider != nil {
		rec.Provider = *u.Provider
	}
	if u.IsMitigated != nil {
		rec.IsMitigated = *u.IsMitigated
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordStore persists council records by request id.
type RecordStore interface {
	Insert(ctx context.Context, rec *Record) error
	UpdateByID(ctx context.Context, id string, update *RecordUpdate) error
	GetByID(ctx context.Context, id string) (*Record, error)
}

// ReliabilityLog is one provider attempt event as stored.
type ReliabilityLog struct {
	ID             string    `json:"id"`
	TestID         string    `json:"test_id"`
	Provider       string    `json:"provider"`
	EventType      string    `json:"event_type"`
	Stage          string    `json:"stage"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	FailoverTo     string    `json:"failover_to,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReliabilityFilter narrows a reliability listing. Zero fields match all.
type ReliabilityFilter struct {
	Provider string
	TestID   string
	Limit    int
}

// DefaultReliabilityLimit caps listings that set no limit.
const DefaultReliabilityLimit = 100

// ReliabilityLogStore persists provider attempt events.
type ReliabilityLogStore interface {
	Append(ctx context.Context, entry *ReliabilityLog) error
	List(ctx context.Context, filter ReliabilityFilter) ([]ReliabilityLog, error)
}

// RunObserver receives pipeline outcomes, typically for metrics.
type RunObserver interface {
	ObserveRun(status, label string)
	ObserveFallback(stage string)
}
