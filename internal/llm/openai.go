package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// HuggingFaceRouterURL is the OpenAI-compatible HuggingFace inference router.
const HuggingFaceRouterURL = "https://router.huggingface.co/v1/"

// OpenAICompatibleClient implements ProviderClient for any endpoint speaking
// the OpenAI chat completions protocol (HuggingFace router, OpenAI, vLLM).
type OpenAICompatibleClient struct {
	kind   Kind
	apiKey string
	client openai.Client
	config ClientConfig
}

// NewOpenAICompatibleClient creates a client. SDK-level retries are disabled;
// retrying belongs to the failover wrapper.
func NewOpenAICompatibleClient(kind Kind, apiKey, baseURL string, cfg ClientConfig) *OpenAICompatibleClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout()}),
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompatibleClient{
		kind:   kind,
		apiKey: apiKey,
		client: openai.NewClient(opts...),
		config: cfg,
	}
}

// NewHuggingFaceClient creates a client for the HuggingFace router.
func NewHuggingFaceClient(token, baseURL string, cfg ClientConfig) *OpenAICompatibleClient {
	if baseURL == "" {
		baseURL = HuggingFaceRouterURL
	}
	return NewOpenAICompatibleClient(KindHuggingFace, token, baseURL, cfg)
}

// Kind implements ProviderClient.
func (c *OpenAICompatibleClient) Kind() Kind {
	return c.kind
}

// IsAvailable implements ProviderClient.
func (c *OpenAICompatibleClient) IsAvailable() bool {
	return c.apiKey != ""
}

// Complete implements ProviderClient.
func (c *OpenAICompatibleClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxOutputTokens
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, statusError(apiErr.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("send request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return &CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		RequestID: resp.ID,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
