package council

import (
	"context"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/antinvestor/parity/internal/llm"
)

// NewReliabilityObserver returns an attempt observer that appends every
// failover event to store. Append failures are logged and dropped.
func NewReliabilityObserver(store ReliabilityLogStore) llm.AttemptObserver {
	return llm.AttemptObserverFunc(func(ctx context.Context, e llm.AttemptEvent) {
		entry := &ReliabilityLog{
			ID:             xid.New().String(),
			TestID:         e.Scope.RequestID,
			Provider:       string(e.Provider),
			EventType:      string(e.Type),
			Stage:          e.Scope.Stage,
			ErrorCode:      string(e.ErrorCode),
			ErrorMessage:   e.ErrorMessage,
			FailoverTo:     string(e.FailoverTo),
			ResponseTimeMS: e.ResponseTime.Milliseconds(),
			Timestamp:      e.Timestamp,
		}
		if err := store.Append(context.WithoutCancel(ctx), entry); err != nil {
			util.Log(ctx).WithError(err).Warn("could not store reliability event",
				"request_id", e.Scope.RequestID,
				"provider", e.Provider,
				"event", e.Type,
			)
		}
	})
}
