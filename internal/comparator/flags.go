package comparator

import "time"

// DefaultRegressionRatio is the candidate/reference latency ratio above which
// a performance regression is flagged.
const DefaultRegressionRatio = 1.5

// DeriveFlags computes the report flags from a suppressed difference and the
// measured latencies. The result is deterministic and ordered.
func DeriveFlags(diff Difference, reference, candidate *time.Duration, ratio float64) []Flag {
	flags := []Flag{}
	if diff.Has(KindTypeChange) {
		flags = append(flags, FlagTypeMismatch)
	}
	if diff.Has(KindRemoved) {
		flags = append(flags, FlagMissingKey)
	}
	if isRegression(reference, candidate, ratio) {
		flags = append(flags, FlagPerformanceRegression)
	}
	return flags
}

func isRegression(reference, candidate *time.Duration, ratio float64) bool {
	if reference == nil || candidate == nil {
		return false
	}
	if ratio <= 0 {
		ratio = DefaultRegressionRatio
	}
	return float64(*candidate) > ratio*float64(*reference)
}

// Rederive recomputes Difference from the two response bodies and Flags from
// that difference and the latencies, discarding whatever the report carried.
// An incomplete report gets an empty difference and no flags.
func (r *ReplayReport) Rederive(ratio float64) error {
	if r.Incomplete() {
		r.Difference = Difference{Entries: []DiffEntry{}}
		r.Flags = []Flag{}
		return nil
	}

	diff, err := Diff(r.ReferenceResponse, r.CandidateResponse)
	if err != nil {
		return err
	}
	r.Difference = diff
	r.Flags = DeriveFlags(diff, r.LatencyReference, r.LatencyCandidate, ratio)
	return nil
}
