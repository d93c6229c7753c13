package completion

import (
	"context"
	"net/http"
	"time"

	anthropicprovider "elucide/internal/completion/providers/anthropic"
	backendprovider "elucide/internal/completion/providers/backend"
	mockprovider "elucide/internal/completion/providers/mock"
	openaiprovider "elucide/internal/completion/providers/openai"

	"elucide/internal/completion/core"
)

const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	GroqBaseURL     = "https://api.groq.com/openai/v1"
)

type (
	// Streamer is the public streaming contract.
	Streamer = core.Streamer

	// Request and Event payload aliases define the public stream protocol.
	Request     = core.Request
	Event       = core.Event
	EventType   = core.EventType
	DonePayload = core.DonePayload
	Message     = core.Message
	Role        = core.Role
	StopReason  = core.StopReason
	Usage       = core.Usage
	RetryPolicy = core.RetryPolicy

	// Provider-specific configuration and implementations.
	AnthropicConfig   = anthropicprovider.Config
	AnthropicProvider = anthropicprovider.Provider
	OpenAIConfig      = openaiprovider.Config
	OpenAIProvider    = openaiprovider.Provider
	BackendConfig     = backendprovider.Config
	BackendProvider   = backendprovider.Provider

	// MockProvider emits scripted events for tests.
	MockProvider = mockprovider.Provider
)

const (
	EventStart     = core.EventStart
	EventTextDelta = core.EventTextDelta
	EventUsage     = core.EventUsage
	EventDone      = core.EventDone
	EventError     = core.EventError

	RoleSystem    = core.RoleSystem
	RoleUser      = core.RoleUser
	RoleAssistant = core.RoleAssistant

	StopReasonStop    = core.StopReasonStop
	StopReasonLength  = core.StopReasonLength
	StopReasonError   = core.StopReasonError
	StopReasonAborted = core.StopReasonAborted
)

var (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrMissingAPIKey  = core.ErrMissingAPIKey
	ErrUnknownModel   = core.ErrUnknownModel
)

// MockReply is what the offline mock provider streams back.
const MockReply = "This is a canned reply from the offline mock provider."

// Options selects which providers are available to the router.
type Options struct {
	// Override routes every model through one provider, e.g. "backend".
	Override   string
	Catalog    Catalog
	Retry      RetryPolicy
	HTTPClient *http.Client

	Backend   BackendConfig
	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	DeepSeek  OpenAIConfig
	Groq      OpenAIConfig
}

// New builds a router over every provider that has enough configuration to run.
func New(opts Options) *Router {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}

	providers := map[string]core.Streamer{
		ProviderMock: &mockprovider.Provider{Reply: MockReply, Delay: 20 * time.Millisecond},
	}
	if opts.Backend.BaseURL != "" {
		cfg := opts.Backend
		cfg.Retry = core.MergeRetryPolicy(opts.Retry, cfg.Retry)
		providers[ProviderBackend] = backendprovider.New(cfg)
	}
	if opts.Anthropic.APIKey != "" {
		cfg := opts.Anthropic
		cfg.Retry = core.MergeRetryPolicy(opts.Retry, cfg.Retry)
		if cfg.HTTPClient == nil {
			cfg.HTTPClient = opts.HTTPClient
		}
		providers[ProviderAnthropic] = anthropicprovider.New(cfg)
	}
	for name, cfg := range map[string]OpenAIConfig{
		ProviderOpenAI:   opts.OpenAI,
		ProviderDeepSeek: withBaseURL(opts.DeepSeek, DeepSeekBaseURL),
		ProviderGroq:     withBaseURL(opts.Groq, GroqBaseURL),
	} {
		if cfg.APIKey == "" {
			continue
		}
		cfg.Retry = core.MergeRetryPolicy(opts.Retry, cfg.Retry)
		if cfg.HTTPClient == nil {
			cfg.HTTPClient = opts.HTTPClient
		}
		providers[name] = openaiprovider.New(cfg)
	}

	return NewRouter(catalog, providers, opts.Override)
}

func withBaseURL(cfg OpenAIConfig, fallback string) OpenAIConfig {
	if cfg.BaseURL == "" {
		cfg.BaseURL = fallback
	}
	return cfg
}

// Collect drains a stream into its full text.
func Collect(ctx context.Context, events <-chan Event, onDelta func(string)) (string, *DonePayload, error) {
	return core.Collect(ctx, events, onDelta)
}
