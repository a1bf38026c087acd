package comparator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"
)

// DefaultMerchantID is used when a request carries no merchant tag.
const DefaultMerchantID = "default_merchant"

// MerchantHeader carries the merchant tag to both compared endpoints.
const MerchantHeader = "X-Merchant-ID"

// ErrUnexpectedStatus is returned for non-2xx endpoint responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Config controls outbound calls and flag derivation.
type Config struct {
	// RequestTimeout bounds each individual endpoint call.
	RequestTimeout time.Duration

	// RetryInterval is the pause between failed candidate attempts.
	RetryInterval time.Duration

	// RegressionRatio is the latency ratio that flags a regression.
	RegressionRatio float64

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// DefaultConfig returns the standard comparator settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  3 * time.Second,
		RetryInterval:   250 * time.Millisecond,
		RegressionRatio: DefaultRegressionRatio,
		MaxBodyBytes:    4 << 20,
	}
}

// Request describes one comparison run.
type Request struct {
	Payload      any
	MerchantID   string
	ReferenceURL string
	CandidateURL string
	Retries      int
}

// Comparator sends a payload to two endpoints and diffs their responses.
type Comparator struct {
	httpClient *http.Client
	cfg        Config
}

// NewComparator creates a comparator. A nil client uses a dedicated
// http.Client without a global timeout; per-call timeouts come from cfg.
func NewComparator(cfg Config, httpClient *http.Client) *Comparator {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	defaults := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RegressionRatio <= 0 {
		cfg.RegressionRatio = defaults.RegressionRatio
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	return &Comparator{httpClient: httpClient, cfg: cfg}
}

type callResult struct {
	body     any
	latency  *time.Duration
	attempts int
}

// Compare runs one replay. Endpoint failures never abort the run: a failing
// side is recorded as an absent response. The returned error is reserved for
// payloads that cannot be encoded.
func (c *Comparator) Compare(ctx context.Context, req *Request) (*ReplayReport, error) {
	log := util.Log(ctx)

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	merchantID := req.MerchantID
	if merchantID == "" {
		merchantID = DefaultMerchantID
	}
	retries := req.Retries
	if retries < 1 {
		retries = 1
	}

	report := &ReplayReport{
		RequestID:  NewRequestID(),
		MerchantID: merchantID,
		CreatedAt:  time.Now().UTC(),
	}

	var reference, candidate callResult
	var g errgroup.Group
	g.Go(func() error {
		reference = c.callReference(ctx, req.ReferenceURL, payload, merchantID)
		return nil
	})
	g.Go(func() error {
		candidate = c.callCandidate(ctx, req.CandidateURL, payload, merchantID, retries)
		return nil
	})
	_ = g.Wait()

	report.ReferenceResponse = reference.body
	report.LatencyReference = reference.latency
	report.CandidateResponse = candidate.body
	report.LatencyCandidate = candidate.latency
	report.RetryCount = candidate.attempts

	if err = report.Rederive(c.cfg.RegressionRatio); err != nil {
		return nil, fmt.Errorf("diff responses: %w", err)
	}
	if report.Incomplete() {
		log.Warn("both endpoints unavailable, comparison incomplete",
			"request_id", report.RequestID,
			"reference_url", req.ReferenceURL,
			"candidate_url", req.CandidateURL,
		)
		return report, nil
	}
	diff := report.Difference

	log.Info("replay compared",
		"request_id", report.RequestID,
		"merchant_id", merchantID,
		"differences", len(diff.Entries),
		"suppressed", len(diff.Suppressed),
		"flags", report.Flags,
		"retries_used", report.RetryCount,
	)
	return report, nil
}

func (c *Comparator) callReference(ctx context.Context, url string, payload []byte, merchantID string) callResult {
	start := time.Now()
	body, err := c.send(ctx, url, payload, merchantID)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("reference call failed", "url", url)
		return callResult{attempts: 1}
	}
	latency := time.Since(start)
	return callResult{body: body, latency: &latency, attempts: 1}
}

// callCandidate retries until the first success. The reported latency is the
// mean over successful attempts.
func (c *Comparator) callCandidate(
	ctx context.Context,
	url string,
	payload []byte,
	merchantID string,
	retries int,
) callResult {
	var (
		attempts  int
		successes []time.Duration
	)

	operation := func() (any, error) {
		attempts++
		start := time.Now()
		body, err := c.send(ctx, url, payload, merchantID)
		if err != nil {
			return nil, err
		}
		successes = append(successes, time.Since(start))
		return body, nil
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryInterval)),
		backoff.WithMaxTries(uint(retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			util.Log(ctx).WithError(err).Debug("candidate attempt failed",
				"url", url,
				"attempt", attempts,
				"next_in", next,
			)
		}),
	)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("candidate unavailable after retries",
			"url", url,
			"attempts", attempts,
		)
		return callResult{attempts: attempts}
	}

	mean := meanDuration(successes)
	return callResult{body: body, latency: &mean, attempts: attempts}
}

func (c *Comparator) send(ctx context.Context, url string, payload []byte, merchantID string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(MerchantHeader, merchantID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer util.CloseAndLogOnError(ctx, resp.Body, "failed to close response body")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, resp.StatusCode, url)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("decode response: empty body")
	}
	return body, nil
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}
