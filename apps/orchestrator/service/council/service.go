package council

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/inflight"
)

// AnalysisJob is the queue payload that carries one report to the pipeline.
type AnalysisJob struct {
	Report     *comparator.ReplayReport `json:"report"`
	ClaimOwner string                   `json:"claim_owner"`
}

// Dispatcher hands a job to whatever runs the pipeline asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *AnalysisJob) error
}

// Submission is the outcome of Submit. Accepted is false when an existing
// terminal record was returned instead of starting a run.
type Submission struct {
	Record   *Record
	Accepted bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClaimTTL overrides how long an in-flight claim lives.
func WithClaimTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.claimTTL = ttl
		}
	}
}

// Service accepts reports, serves records and applies mitigation. It is
// shared by the REST and RPC surfaces.
type Service struct {
	store      RecordStore
	claims     inflight.Claims
	dispatcher Dispatcher
	pipeline   *Pipeline
	claimTTL   time.Duration
	ratio      float64
}

// NewService creates a submission service.
func NewService(
	store RecordStore,
	claims inflight.Claims,
	dispatcher Dispatcher,
	pipeline *Pipeline,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		store:      store,
		claims:     claims,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		claimTTL:   inflight.DefaultClaimTTL,
		ratio:      comparator.DefaultRegressionRatio,
	}
	if pipeline != nil {
		s.ratio = pipeline.RegressionRatio()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit registers report for analysis. Any difference or flags the caller
// supplied are replaced by ones derived from the response bodies. A request
// id that already has a terminal record returns that record unchanged; one
// with a run in flight returns inflight.ErrAlreadyInFlight. A non-terminal
// record without a live claim is dispatched again.
func (s *Service) Submit(ctx context.Context, report *comparator.ReplayReport) (*Submission, error) {
	if report == nil {
		return nil, ErrNoReport
	}
	if err := rederive(report, s.ratio); err != nil {
		return nil, err
	}
	if report.RequestID == "" {
		report.RequestID = comparator.NewRequestID()
	}
	id := report.RequestID
	log := util.Log(ctx)

	existing, err := s.store.GetByID(ctx, id)
	switch {
	case err == nil:
		if existing.Status.Terminal() {
			return &Submission{Record: existing}, nil
		}
		busy, claimErr := s.claims.InFlight(ctx, id)
		if claimErr != nil {
			return nil, fmt.Errorf("check in-flight claim: %w", claimErr)
		}
		if busy {
			return nil, inflight.ErrAlreadyInFlight
		}
		log.Warn("re-dispatching stale record", "request_id", id, "status", existing.Status)
	case errors.Is(err, ErrRecordNotFound):
		existing = nil
	default:
		return nil, fmt.Errorf("load record: %w", err)
	}

	owner := xid.New().String()
	if err = s.claims.Claim(ctx, id, owner, s.claimTTL); err != nil {
		return nil, err
	}

	rec := existing
	if rec == nil {
		rec = NewRecord(report)
		if err = s.store.Insert(ctx, rec); err != nil {
			s.release(ctx, id, owner)
			if errors.Is(err, ErrRecordExists) {
				stored, getErr := s.store.GetByID(ctx, id)
				if getErr != nil {
					return nil, fmt.Errorf("load record: %w", getErr)
				}
				return &Submission{Record: stored}, nil
			}
			return nil, fmt.Errorf("insert record: %w", err)
		}
	}

	if err = s.dispatcher.Dispatch(ctx, &AnalysisJob{Report: report, ClaimOwner: owner}); err != nil {
		s.release(ctx, id, owner)
		return nil, fmt.Errorf("dispatch analysis: %w", err)
	}

	log.Info("report accepted for analysis", "request_id", id, "merchant_id", rec.MerchantID)
	return &Submission{Record: rec, Accepted: true}, nil
}

// Process runs the pipeline for a dispatched job and releases its claim. The
// run is detached from ctx cancellation.
func (s *Service) Process(ctx context.Context, job *AnalysisJob) (*Record, error) {
	if job == nil || job.Report == nil {
		return nil, ErrNoReport
	}
	ctx = context.WithoutCancel(ctx)
	defer s.release(ctx, job.Report.RequestID, job.ClaimOwner)

	return s.pipeline.Run(ctx, job.Report)
}

// Status returns the record for id.
func (s *Service) Status(ctx context.Context, id string) (*Record, error) {
	return s.store.GetByID(ctx, id)
}

// Mitigate marks the record as mitigated. Repeated calls are no-ops.
func (s *Service) Mitigate(ctx context.Context, id string) (*Record, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsMitigated {
		return rec, nil
	}

	mitigated := true
	if err = s.store.UpdateByID(ctx, id, &RecordUpdate{IsMitigated: &mitigated}); err != nil {
		return nil, fmt.Errorf("mitigate record: %w", err)
	}
	util.Log(ctx).Info("record mitigated", "request_id", id)
	return s.store.GetByID(ctx, id)
}

func (s *Service) release(ctx context.Context, id, owner string) {
	if owner == "" {
		return
	}
	err := s.claims.Release(ctx, id, owner)
	if err != nil && !errors.Is(err, inflight.ErrClaimNotHeld) {
		util.Log(ctx).WithError(err).Warn("could not release claim", "request_id", id)
	}
}
