package rpc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/antinvestor/parity/internal/comparator"
)

// Council service and procedure names.
const (
	CouncilServiceName = "parity.v1.CouncilService"

	AnalyzeProcedure   = "/" + CouncilServiceName + "/Analyze"
	GetStatusProcedure = "/" + CouncilServiceName + "/GetStatus"
)

// AnalyzeRequest submits a replay report to the council.
type AnalyzeRequest struct {
	Report *comparator.ReplayReport `json:"report"`
}

// AnalyzeResponse acknowledges a submission. Accepted is false when the
// request id already had a finished record, which is returned unchanged.
type AnalyzeResponse struct {
	RequestID string      `json:"request_id"`
	Status    string      `json:"status"`
	Accepted  bool        `json:"accepted"`
	Record    *RecordView `json:"record,omitempty"`
}

// StatusRequest asks for the current state of a record.
type StatusRequest struct {
	RequestID string `json:"request_id"`
}

// OpinionView is the wire form of one stage opinion.
type OpinionView struct {
	Agent          string   `json:"agent"`
	Provider       string   `json:"provider"`
	RiskScore      float64  `json:"risk_score"`
	Confidence     float64  `json:"confidence"`
	DetectedIssues []string `json:"detected_issues"`
	FalsePositives []string `json:"false_positives"`
	Narrative      string   `json:"narrative"`
}

// VerdictView is the wire form of a verdict.
type VerdictView struct {
	Label          string  `json:"label"`
	RiskScore      float64 `json:"risk_score"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// RecordView is the wire form of a council record.
type RecordView struct {
	RequestID    string        `json:"request_id"`
	MerchantID   string        `json:"merchant_id"`
	Status       string        `json:"status"`
	Flags        []string      `json:"flags"`
	Incomplete   bool          `json:"incomplete"`
	Opinions     []OpinionView `json:"opinions"`
	Verdict      *VerdictView  `json:"verdict,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	IsMitigated  bool          `json:"is_mitigated"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CouncilServiceHandler is implemented by the orchestrator.
type CouncilServiceHandler interface {
	Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResponse, error)
	GetStatus(ctx context.Context, req *StatusRequest) (*RecordView, error)
}

// NewCouncilServiceHandler builds the HTTP handler serving both procedures
// and returns the path prefix to mount it on.
func NewCouncilServiceHandler(svc CouncilServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{WithJSON()}, opts...)

	analyze := connect.NewUnaryHandler(
		AnalyzeProcedure,
		func(ctx context.Context, req *connect.Request[AnalyzeRequest]) (*connect.Response[AnalyzeResponse], error) {
			res, err := svc.Analyze(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	)
	status := connect.NewUnaryHandler(
		GetStatusProcedure,
		func(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[RecordView], error) {
			res, err := svc.GetStatus(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	)

	prefix := "/" + CouncilServiceName + "/"
	return prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case AnalyzeProcedure:
			analyze.ServeHTTP(w, r)
		case GetStatusProcedure:
			status.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// CouncilClient calls the orchestrator council service.
type CouncilClient struct {
	analyze *connect.Client[AnalyzeRequest, AnalyzeResponse]
	status  *connect.Client[StatusRequest, RecordView]
}

// NewCouncilClient creates a client for the service at baseURL.
func NewCouncilClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *CouncilClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{WithJSON()}, opts...)
	return &CouncilClient{
		analyze: connect.NewClient[AnalyzeRequest, AnalyzeResponse](httpClient, baseURL+AnalyzeProcedure, opts...),
		status:  connect.NewClient[StatusRequest, RecordView](httpClient, baseURL+GetStatusProcedure, opts...),
	}
}

// Analyze submits a report.
func (c *CouncilClient) Analyze(ctx context.Context, report *comparator.ReplayReport) (*AnalyzeResponse, error) {
	res, err := c.analyze.CallUnary(ctx, connect.NewRequest(&AnalyzeRequest{Report: report}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// GetStatus fetches a record view.
func (c *CouncilClient) GetStatus(ctx context.Context, requestID string) (*RecordView, error) {
	res, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{RequestID: requestID}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
