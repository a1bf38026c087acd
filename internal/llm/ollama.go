package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/util"
)

// DefaultOllamaURL is the standard local Ollama endpoint.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient implements ProviderClient for a locally run Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// NewOllamaClient creates a client for the Ollama chat API.
func NewOllamaClient(baseURL string, cfg ClientConfig) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.timeout()},
		config:     cfg,
	}
}

// Kind implements ProviderClient.
func (c *OllamaClient) Kind() Kind {
	return KindOllama
}

// IsAvailable implements ProviderClient.
func (c *OllamaClient) IsAvailable() bool {
	return c.baseURL != ""
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}

// Complete implements ProviderClient.
func (c *OllamaClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxOutputTokens
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: maxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer util.CloseAndLogOnError(ctx, httpResp.Body, "failed to close ollama response")

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed ollamaChatResponse
	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			msg = parsed.Error
		}
		return nil, statusError(httpResp.StatusCode, msg)
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &CompletionResponse{
		Content: parsed.Message.Content,
		Usage: Usage{
			InputTokens:  parsed.PromptEvalCount,
			OutputTokens: parsed.EvalCount,
			TotalTokens:  parsed.PromptEvalCount + parsed.EvalCount,
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
