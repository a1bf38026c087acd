// Package queue carries analysis jobs between the submission API and the
// pipeline over the frame queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
)

// ErrInvalidJob is returned for deliveries that carry no report.
var ErrInvalidJob = errors.New("analysis job has no report")

// Publisher publishes a raw payload to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload []byte) error
}

// ManagerPublisher publishes through the frame queue manager.
type ManagerPublisher struct {
	manager queue.Manager
}

// NewManagerPublisher wraps a queue manager.
func NewManagerPublisher(manager queue.Manager) *ManagerPublisher {
	return &ManagerPublisher{manager: manager}
}

// Publish implements Publisher.
func (m *ManagerPublisher) Publish(ctx context.Context, queueName string, payload []byte) error {
	publisher, err := m.manager.GetPublisher(queueName)
	if err != nil {
		return fmt.Errorf("get publisher %s: %w", queueName, err)
	}
	return publisher.Publish(ctx, payload)
}

// Dispatcher publishes analysis jobs. It implements council.Dispatcher.
type Dispatcher struct {
	publisher Publisher
	queueName string
}

// NewDispatcher creates a dispatcher for the named queue.
func NewDispatcher(publisher Publisher, queueName string) *Dispatcher {
	return &Dispatcher{publisher: publisher, queueName: queueName}
}

// Dispatch publishes job.
func (d *Dispatcher) Dispatch(ctx context.Context, job *council.AnalysisJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal analysis job: %w", err)
	}
	if err = d.publisher.Publish(ctx, d.queueName, data); err != nil {
		return fmt.Errorf("publish analysis job: %w", err)
	}

	util.Log(ctx).Debug("published analysis job",
		"request_id", job.Report.RequestID,
		"queue", d.queueName,
	)
	return nil
}

// Processor runs a delivered job.
type Processor interface {
	Process(ctx context.Context, job *council.AnalysisJob) (*council.Record, error)
}

// AnalysisHandler consumes analysis jobs.
type AnalysisHandler struct {
	processor Processor
}

// NewAnalysisHandler creates the subscriber handler.
func NewAnalysisHandler(processor Processor) *AnalysisHandler {
	return &AnalysisHandler{processor: processor}
}

// Handle processes one delivery. Malformed payloads are logged and dropped
// so they are not redelivered.
func (h *AnalysisHandler) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	log := util.Log(ctx)

	var job council.AnalysisJob
	if err := json.Unmarshal(payload, &job); err != nil {
		log.WithError(err).Error("dropping undecodable analysis job")
		return nil
	}
	if job.Report == nil {
		log.WithError(ErrInvalidJob).Error("dropping analysis job")
		return nil
	}

	rec, err := h.processor.Process(ctx, &job)
	if errors.Is(err, council.ErrNoReport) || errors.Is(err, council.ErrUncomparable) {
		log.WithError(err).Warn("dropping analysis job", "request_id", job.Report.RequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("process analysis job %s: %w", job.Report.RequestID, err)
	}

	log.Info("analysis job processed",
		"request_id", rec.RequestID,
		"status", rec.Status,
		"provider", rec.Provider,
	)
	return nil
}
