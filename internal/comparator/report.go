// Package comparator replays a payload against a reference and a candidate
// implementation of the same API and classifies the differences between the
// two response bodies.
package comparator

import (
	"time"

	"github.com/rs/xid"
)

// Flag is a tag derived from a Difference and the observed latencies.
type Flag string

// Flag constants.
const (
	FlagTypeMismatch          Flag = "type_mismatch"
	FlagMissingKey            Flag = "missing_key"
	FlagPerformanceRegression Flag = "performance_regression"
)

// DiffKind classifies a single difference entry.
type DiffKind string

// DiffKind constants.
const (
	KindTypeChange  DiffKind = "type_change"
	KindValueChange DiffKind = "value_change"
	KindRemoved     DiffKind = "removed"
	KindAdded       DiffKind = "added"
	KindItemRemoved DiffKind = "item_removed"
	KindItemAdded   DiffKind = "item_added"
)

// DiffEntry is one leaf-level difference between reference and candidate.
// Path is a JSON pointer into the reference document (or the candidate
// document for added entries). Sequence elements are addressed by reference
// index; unpaired candidate elements are numbered after the last one.
type DiffEntry struct {
	Kind      DiffKind `json:"kind"`
	Path      string   `json:"path"`
	Reference any      `json:"reference,omitempty"`
	Candidate any      `json:"candidate,omitempty"`
}

// Difference is the structural diff between two response bodies after
// semantic-equivalence suppression. Suppressed holds the entries that were
// removed as representational noise; they never count as differences.
type Difference struct {
	Entries    []DiffEntry `json:"entries"`
	Suppressed []DiffEntry `json:"suppressed,omitempty"`
}

// IsEmpty reports whether no retained entries exist.
func (d Difference) IsEmpty() bool {
	return len(d.Entries) == 0
}

// Count returns the number of retained entries of the given kind.
func (d Difference) Count(kind DiffKind) int {
	n := 0
	for _, e := range d.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Has reports whether at least one retained entry of the given kind exists.
func (d Difference) Has(kind DiffKind) bool {
	return d.Count(kind) > 0
}

// ByKind returns the retained entries of the given kind in diff order.
func (d Difference) ByKind(kind DiffKind) []DiffEntry {
	var out []DiffEntry
	for _, e := range d.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ReplayReport is the outcome of one comparison run.
type ReplayReport struct {
	RequestID         string         `json:"request_id"`
	MerchantID        string         `json:"merchant_id"`
	ReferenceResponse any            `json:"reference_response"`
	CandidateResponse any            `json:"candidate_response"`
	LatencyReference  *time.Duration `json:"latency_reference_ns,omitempty"`
	LatencyCandidate  *time.Duration `json:"latency_candidate_ns,omitempty"`
	RetryCount        int            `json:"retry_count"`
	Difference        Difference     `json:"difference"`
	Flags             []Flag         `json:"flags"`
	CreatedAt         time.Time      `json:"created_at"`
}

// NewRequestID returns a fresh opaque request identifier.
func NewRequestID() string {
	return xid.New().String()
}

// HasFlag reports whether the report carries flag f.
func (r *ReplayReport) HasFlag(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// Incomplete reports whether neither side produced a usable response. An
// incomplete report has an empty Difference that must not be read as
// "identical".
func (r *ReplayReport) Incomplete() bool {
	return r.ReferenceResponse == nil && r.CandidateResponse == nil
}
