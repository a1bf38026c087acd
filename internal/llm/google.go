package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/util"
)

const googleAPIBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleClient implements ProviderClient for Gemini generateContent.
type GoogleClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// NewGoogleClient creates a new Gemini client.
func NewGoogleClient(apiKey, baseURL string, cfg ClientConfig) *GoogleClient {
	if baseURL == "" {
		baseURL = googleAPIBaseURL
	}
	return &GoogleClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.timeout()},
		config:     cfg,
	}
}

// Kind implements ProviderClient.
func (c *GoogleClient) Kind() Kind {
	return KindGoogle
}

// IsAvailable implements ProviderClient.
func (c *GoogleClient) IsAvailable() bool {
	return c.apiKey != ""
}

type googleRequest struct {
	Contents          []googleContent        `json:"contents"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
	SystemInstruction *googleContent         `json:"systemInstruction,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type googleError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements ProviderClient.
func (c *GoogleClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxOutputTokens
	}

	googleReq := googleRequest{
		GenerationConfig: googleGenerationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     req.Temperature,
		},
	}
	for _, m := range req.Messages {
		part := googlePart{Text: m.Content}
		switch m.Role {
		case RoleSystem:
			if googleReq.SystemInstruction == nil {
				googleReq.SystemInstruction = &googleContent{}
			}
			googleReq.SystemInstruction.Parts = append(googleReq.SystemInstruction.Parts, part)
		case RoleAssistant:
			googleReq.Contents = append(googleReq.Contents, googleContent{Role: "model", Parts: []googlePart{part}})
		default:
			googleReq.Contents = append(googleReq.Contents, googleContent{Role: "user", Parts: []googlePart{part}})
		}
	}

	body, err := json.Marshal(googleReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(req.Model), url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer util.CloseAndLogOnError(ctx, httpResp.Body, "failed to close google response")

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp googleError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, statusError(httpResp.StatusCode, msg)
	}

	var parsed googleResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var content string
	if len(parsed.Candidates) > 0 && len(parsed.Candidates[0].Content.Parts) > 0 {
		content = parsed.Candidates[0].Content.Parts[0].Text
	}

	return &CompletionResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
