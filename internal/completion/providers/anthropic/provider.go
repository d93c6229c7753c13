package anthropicprovider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"elucide/internal/completion/core"
)

// defaultMaxTokens is used when callers do not provide an explicit token budget.
const defaultMaxTokens = 1024

// Config configures the Anthropic provider.
type Config struct {
	APIKey     string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
	Retry      core.RetryPolicy
}

// Provider streams chat completions through the official anthropic-sdk-go client.
type Provider struct {
	apiKey string
	retry  core.RetryPolicy
	client anthropic.Client
}

// New constructs a provider with sane defaults.
func New(cfg Config) *Provider {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if version := strings.TrimSpace(cfg.Version); version != "" {
		opts = append(opts, option.WithHeader("anthropic-version", version))
	}

	return &Provider{
		apiKey: apiKey,
		retry:  core.NormalizeRetryPolicy(cfg.Retry),
		client: anthropic.NewClient(opts...),
	}
}

// Stream executes a single Messages API streaming request.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if p == nil {
		return nil, fmt.Errorf("anthropic provider is nil")
	}
	if p.apiKey == "" {
		return nil, core.ErrMissingAPIKey
	}
	params, err := toParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan core.Event, 1)
	retry := core.MergeRetryPolicy(p.retry, req.Retry)

	go func() {
		defer close(events)
		state := &streamState{reason: core.StopReasonStop}
		if err := p.streamWithRetry(ctx, params, retry, events, state); err != nil {
			if core.IsCanceled(err) {
				core.SendTerminalEvent(events, core.AbortedEvent(err))
				return
			}
			core.SendTerminalEvent(events, core.Event{
				Type: core.EventError,
				Done: &core.DonePayload{Reason: core.StopReasonError, Usage: state.usage},
				Err:  fmt.Errorf("anthropic stream: %w", err),
			})
		}
	}()

	return events, nil
}

type streamState struct {
	usage          core.Usage
	reason         core.StopReason
	emittedVisible bool
	startEmitted   bool
	emittedDone    bool
}

// streamWithRetry retries failed streams only while no text has reached the caller.
func (p *Provider) streamWithRetry(
	ctx context.Context,
	params anthropic.MessageNewParams,
	retry core.RetryPolicy,
	events chan<- core.Event,
	state *streamState,
) error {
	for attempt := 0; ; attempt++ {
		err := p.streamOnce(ctx, params, events, state)
		if err == nil {
			return nil
		}
		if core.IsCanceled(err) {
			return err
		}
		if !core.IsRetryableError(err) || state.emittedVisible || attempt >= retry.MaxRetries {
			return err
		}
		if err := core.SleepContext(ctx, core.ComputeBackoffDelay(retry, attempt)); err != nil {
			return err
		}
	}
}

func (p *Provider) streamOnce(
	ctx context.Context,
	params anthropic.MessageNewParams,
	events chan<- core.Event,
	state *streamState,
) error {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() {
		_ = stream.Close()
	}()

	if !state.startEmitted {
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventStart}); err != nil {
			return err
		}
		state.startEmitted = true
	}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handleEvent(ctx, stream.Current(), events, state); err != nil {
			return err
		}
		if state.emittedDone {
			return nil
		}
	}

	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		wrapped := fmt.Errorf("anthropic sdk stream: %w", err)
		if isRetryableProviderError(err) {
			return core.MarkRetryable(wrapped)
		}
		return wrapped
	}
	if state.emittedDone {
		return nil
	}
	return core.MarkRetryable(errors.New("anthropic stream ended without message_stop"))
}

func handleEvent(
	ctx context.Context,
	event anthropic.MessageStreamEventUnion,
	events chan<- core.Event,
	state *streamState,
) error {
	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		state.usage.InputTokens = int(variant.Message.Usage.InputTokens)
		state.usage.OutputTokens = int(variant.Message.Usage.OutputTokens)
		return core.SendEvent(ctx, events, core.Event{Type: core.EventUsage, Usage: state.usage.Clone()})

	case anthropic.ContentBlockDeltaEvent:
		delta, ok := variant.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			return nil
		}
		state.emittedVisible = true
		return core.SendEvent(ctx, events, core.Event{Type: core.EventTextDelta, TextDelta: delta.Text})

	case anthropic.MessageDeltaEvent:
		if variant.Delta.StopReason != "" {
			state.reason = mapStopReason(string(variant.Delta.StopReason))
		}
		state.usage.InputTokens = int(variant.Usage.InputTokens)
		state.usage.OutputTokens = int(variant.Usage.OutputTokens)
		return core.SendEvent(ctx, events, core.Event{Type: core.EventUsage, Usage: state.usage.Clone()})

	case anthropic.MessageStopEvent:
		state.emittedDone = true
		return core.SendEvent(ctx, events, core.Event{
			Type: core.EventDone,
			Done: &core.DonePayload{Reason: state.reason, Usage: state.usage},
		})
	}
	return nil
}

func mapStopReason(reason string) core.StopReason {
	switch reason {
	case "max_tokens":
		return core.StopReasonLength
	case "refusal":
		return core.StopReasonError
	default:
		return core.StopReasonStop
	}
}

// toParams converts a canonical request into SDK params. System-role history
// entries are folded into the top-level system prompt.
func toParams(req *core.Request) (anthropic.MessageNewParams, error) {
	if err := req.Validate(); err != nil {
		return anthropic.MessageNewParams{}, err
	}

	system := []string{}
	if s := strings.TrimSpace(req.System); s != "" {
		system = append(system, s)
	}
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for i, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		switch msg.Role {
		case core.RoleSystem:
			if s := strings.TrimSpace(msg.Content); s != "" {
				system = append(system, s)
			}
		case core.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(block))
		case core.RoleAssistant:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("%w: message %d has unsupported role %q", core.ErrInvalidRequest, i, msg.Role)
		}
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: no user or assistant messages", core.ErrInvalidRequest)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params, nil
}

// isRetryableProviderError identifies transient transport/API failures worth retrying.
func isRetryableProviderError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
