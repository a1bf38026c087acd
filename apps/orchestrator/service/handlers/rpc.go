package handlers

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/internal/inflight"
	"github.com/antinvestor/parity/internal/rpc"
)

// ErrMissingReport is returned for Analyze calls without a report.
var ErrMissingReport = errors.New("report is required")

// RPCHandler implements rpc.CouncilServiceHandler over the same submission
// service as the REST API.
type RPCHandler struct {
	council Council
}

// NewRPCHandler creates the RPC handler.
func NewRPCHandler(svc Council) *RPCHandler {
	return &RPCHandler{council: svc}
}

// Analyze implements rpc.CouncilServiceHandler.
func (h *RPCHandler) Analyze(ctx context.Context, req *rpc.AnalyzeRequest) (*rpc.AnalyzeResponse, error) {
	if req == nil || req.Report == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, ErrMissingReport)
	}

	sub, err := h.council.Submit(ctx, req.Report)
	if err != nil {
		return nil, toConnectError(ctx, err)
	}
	return &rpc.AnalyzeResponse{
		RequestID: sub.Record.RequestID,
		Status:    string(sub.Record.Status),
		Accepted:  sub.Accepted,
		Record:    RecordView(sub.Record),
	}, nil
}

// GetStatus implements rpc.CouncilServiceHandler.
func (h *RPCHandler) GetStatus(ctx context.Context, req *rpc.StatusRequest) (*rpc.RecordView, error) {
	if req == nil || req.RequestID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("request_id is required"))
	}

	rec, err := h.council.Status(ctx, req.RequestID)
	if err != nil {
		return nil, toConnectError(ctx, err)
	}
	return RecordView(rec), nil
}

func toConnectError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, council.ErrNoReport), errors.Is(err, council.ErrUncomparable):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, inflight.ErrAlreadyInFlight):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, council.ErrRecordNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	default:
		util.Log(ctx).WithError(err).Error("council rpc failed")
		return connect.NewError(connect.CodeInternal, errors.New("internal error"))
	}
}
