// Package replay runs shadow comparisons and forwards the reports worth a
// second look to the council.
package replay

import (
	"context"
	"errors"

	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/rpc"
)

// ErrNoPayload is returned for replays without a payload.
var ErrNoPayload = errors.New("payload is required")

// Comparer runs one comparison.
type Comparer interface {
	Compare(ctx context.Context, req *comparator.Request) (*comparator.ReplayReport, error)
}

// Trigger submits a report to the council.
type Trigger interface {
	Analyze(ctx context.Context, report *comparator.ReplayReport) (*rpc.AnalyzeResponse, error)
}

// ReportObserver records comparison outcomes.
type ReportObserver interface {
	ObserveReport(report *comparator.ReplayReport)
}

// Request is one replay.
type Request struct {
	Payload    any
	MerchantID string
	Retries    int
}

// Result is the outcome of a replay. Council is nil when no submission was
// made; TriggerError is set when the submission failed.
type Result struct {
	Report       *comparator.ReplayReport `json:"report"`
	Triggered    bool                     `json:"triggered"`
	Council      *rpc.AnalyzeResponse     `json:"council,omitempty"`
	TriggerError string                   `json:"trigger_error,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithTrigger enables council submissions through t.
func WithTrigger(t Trigger) Option {
	return func(s *Service) {
		s.trigger = t
	}
}

// WithObserver records every report on o.
func WithObserver(o ReportObserver) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// WithDefaultRetries sets the candidate attempts used when a request names none.
func WithDefaultRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.defaultRetries = n
		}
	}
}

// Service replays payloads against a fixed pair of endpoints.
type Service struct {
	comparer       Comparer
	referenceURL   string
	candidateURL   string
	defaultRetries int
	trigger        Trigger
	observer       ReportObserver
}

// NewService creates a replay service.
func NewService(comparer Comparer, referenceURL, candidateURL string, opts ...Option) *Service {
	s := &Service{
		comparer:       comparer,
		referenceURL:   referenceURL,
		candidateURL:   candidateURL,
		defaultRetries: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldTrigger reports whether report deserves council analysis: it must
// carry at least one response and either a difference or a flag.
func ShouldTrigger(report *comparator.ReplayReport) bool {
	if report == nil || report.Incomplete() {
		return false
	}
	return !report.Difference.IsEmpty() || len(report.Flags) > 0
}

// Replay compares the payload on both endpoints and, when enabled, submits
// the report. A failed submission does not fail the replay.
func (s *Service) Replay(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Payload == nil {
		return nil, ErrNoPayload
	}
	retries := req.Retries
	if retries <= 0 {
		retries = s.defaultRetries
	}

	report, err := s.comparer.Compare(ctx, &comparator.Request{
		Payload:      req.Payload,
		MerchantID:   req.MerchantID,
		ReferenceURL: s.referenceURL,
		CandidateURL: s.candidateURL,
		Retries:      retries,
	})
	if err != nil {
		return nil, err
	}
	if s.observer != nil {
		s.observer.ObserveReport(report)
	}

	result := &Result{Report: report}
	if s.trigger == nil || !ShouldTrigger(report) {
		return result, nil
	}

	result.Triggered = true
	res, err := s.trigger.Analyze(ctx, report)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not trigger council analysis",
			"request_id", report.RequestID,
			"merchant_id", report.MerchantID,
		)
		result.TriggerError = err.Error()
		return result, nil
	}
	result.Council = res
	return result, nil
}
