package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/util"
)

// DefaultProviderSpecs lists the default council backends in priority order.
const DefaultProviderSpecs = "qwen=huggingface:Qwen/Qwen2.5-7B-Instruct," +
	"phi3=huggingface:microsoft/Phi-3-medium-4k-instruct," +
	"mistral=huggingface:mistralai/Mistral-7B-Instruct-v0.3"

// ErrNoBackends is returned when no configured provider is usable.
var ErrNoBackends = errors.New("no usable model backends configured")

// ProviderSpec is one parsed "id=kind:model" entry.
type ProviderSpec struct {
	Provider Provider
	Kind     Kind
	Model    string
}

// Credentials carries per-kind endpoints and secrets.
type Credentials struct {
	HuggingFaceToken   string
	HuggingFaceBaseURL string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	GoogleAPIKey       string
	GoogleBaseURL      string
	OllamaBaseURL      string
}

// ParseProviderSpecs parses a comma separated list of "id=kind:model"
// entries. The model part may itself contain colons.
func ParseProviderSpecs(raw string) ([]ProviderSpec, error) {
	var specs []ProviderSpec
	seen := map[Provider]struct{}{}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("provider spec %q: missing '='", entry)
		}
		kind, model, ok := strings.Cut(rest, ":")
		if !ok || strings.TrimSpace(model) == "" {
			return nil, fmt.Errorf("provider spec %q: expected kind:model", entry)
		}

		spec := ProviderSpec{
			Provider: Provider(strings.TrimSpace(id)),
			Kind:     Kind(strings.ToLower(strings.TrimSpace(kind))),
			Model:    strings.TrimSpace(model),
		}
		if spec.Provider == "" {
			return nil, fmt.Errorf("provider spec %q: empty id", entry)
		}
		switch spec.Kind {
		case KindHuggingFace, KindOpenAI, KindAnthropic, KindGoogle, KindOllama:
		default:
			return nil, fmt.Errorf("provider spec %q: unsupported kind %q", entry, spec.Kind)
		}
		if _, dup := seen[spec.Provider]; dup {
			return nil, fmt.Errorf("provider spec %q: duplicate id", entry)
		}
		seen[spec.Provider] = struct{}{}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, ErrNoBackends
	}
	return specs, nil
}

// NewClientForKind constructs the transport for one backend kind.
func NewClientForKind(kind Kind, creds Credentials, cfg ClientConfig) (ProviderClient, error) {
	switch kind {
	case KindHuggingFace:
		return NewHuggingFaceClient(creds.HuggingFaceToken, creds.HuggingFaceBaseURL, cfg), nil
	case KindOpenAI:
		return NewOpenAICompatibleClient(KindOpenAI, creds.OpenAIAPIKey, creds.OpenAIBaseURL, cfg), nil
	case KindAnthropic:
		return NewAnthropicClient(creds.AnthropicAPIKey, creds.AnthropicBaseURL, cfg), nil
	case KindGoogle:
		return NewGoogleClient(creds.GoogleAPIKey, creds.GoogleBaseURL, cfg), nil
	case KindOllama:
		return NewOllamaClient(creds.OllamaBaseURL, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
}

// BuildBackends creates one backend per spec, skipping specs whose transport
// is not configured. Order is preserved.
func BuildBackends(ctx context.Context, specs []ProviderSpec, creds Credentials, cfg ClientConfig) ([]Backend, error) {
	log := util.Log(ctx)

	backends := make([]Backend, 0, len(specs))
	for _, spec := range specs {
		client, err := NewClientForKind(spec.Kind, creds, cfg)
		if err != nil {
			return nil, err
		}
		if !client.IsAvailable() {
			log.Warn("skipping provider without credentials",
				"provider", spec.Provider,
				"kind", spec.Kind,
			)
			continue
		}
		backends = append(backends, Backend{Provider: spec.Provider, Model: spec.Model, Client: client})
	}

	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return backends, nil
}

// ProvidersOf returns the provider ids of backends in order.
func ProvidersOf(backends []Backend) []Provider {
	out := make([]Provider, len(backends))
	for i, b := range backends {
		out[i] = b.Provider
	}
	return out
}
