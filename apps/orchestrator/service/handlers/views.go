package handlers

import (
	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/internal/rpc"
)

// RecordView converts a record into its wire form.
func RecordView(rec *council.Record) *rpc.RecordView {
	if rec == nil {
		return nil
	}

	view := &rpc.RecordView{
		RequestID:    rec.RequestID,
		MerchantID:   rec.MerchantID,
		Status:       string(rec.Status),
		Flags:        []string{},
		Opinions:     make([]rpc.OpinionView, 0, len(rec.Opinions)),
		Provider:     rec.Provider,
		IsMitigated:  rec.IsMitigated,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Report != nil {
		view.Incomplete = rec.Report.Incomplete()
		for _, f := range rec.Report.Flags {
			view.Flags = append(view.Flags, string(f))
		}
	}
	for _, o := range rec.Opinions {
		view.Opinions = append(view.Opinions, rpc.OpinionView{
			Agent:          string(o.Agent),
			Provider:       o.Provider,
			RiskScore:      o.RiskScore,
			Confidence:     o.Confidence,
			DetectedIssues: o.DetectedIssues,
			FalsePositives: o.FalsePositives,
			Narrative:      o.Narrative,
		})
	}
	if rec.Verdict != nil {
		view.Verdict = &rpc.VerdictView{
			Label:          string(rec.Verdict.Label),
			RiskScore:      rec.Verdict.RiskScore,
			Confidence:     rec.Verdict.Confidence,
			Recommendation: rec.Verdict.Recommendation,
		}
	}
	return view
}
