// Package openaiprovider streams completions from OpenAI-compatible APIs
// (OpenAI, DeepSeek, Groq) through sashabaranov/go-openai.
package openaiprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"elucide/internal/completion/core"
)

// Config configures an OpenAI-compatible provider.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Retry      core.RetryPolicy
}

// Provider wraps a go-openai client.
type Provider struct {
	apiKey string
	retry  core.RetryPolicy
	client *openai.Client
}

// New constructs a provider. An empty BaseURL targets api.openai.com.
func New(cfg Config) *Provider {
	apiKey := strings.TrimSpace(cfg.APIKey)
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	// HTTPClient is an interface in go-openai; a nil *http.Client must not
	// reach it.
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	clientCfg.HTTPClient = httpClient
	return &Provider{
		apiKey: apiKey,
		retry:  core.NormalizeRetryPolicy(cfg.Retry),
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Stream opens a chat completion stream. Connection failures are retried
// before any text is emitted; once text flows, failures are terminal.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if p == nil {
		return nil, fmt.Errorf("openai provider is nil")
	}
	if p.apiKey == "" {
		return nil, core.ErrMissingAPIKey
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	events := make(chan core.Event, 1)
	retry := core.MergeRetryPolicy(p.retry, req.Retry)
	chatReq := toChatRequest(req)

	go func() {
		defer close(events)
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventStart}); err != nil {
			core.SendTerminalEvent(events, core.AbortedEvent(err))
			return
		}

		var stream *openai.ChatCompletionStream
		err := core.Retry(ctx, retry, func(ctx context.Context) error {
			s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				if isRetryable(err) {
					return core.MarkRetryable(err)
				}
				return err
			}
			stream = s
			return nil
		})
		if err != nil {
			fail(ctx, events, err)
			return
		}
		defer stream.Close()

		reason := core.StopReasonStop
		for {
			if err := ctx.Err(); err != nil {
				core.SendTerminalEvent(events, core.AbortedEvent(err))
				return
			}
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail(ctx, events, err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason == openai.FinishReasonLength {
				reason = core.StopReasonLength
			}
			if choice.Delta.Content == "" {
				continue
			}
			if err := core.SendEvent(ctx, events, core.Event{Type: core.EventTextDelta, TextDelta: choice.Delta.Content}); err != nil {
				core.SendTerminalEvent(events, core.AbortedEvent(err))
				return
			}
		}
		core.SendTerminalEvent(events, core.Event{Type: core.EventDone, Done: &core.DonePayload{Reason: reason}})
	}()

	return events, nil
}

func fail(ctx context.Context, events chan<- core.Event, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil || core.IsCanceled(err) {
		core.SendTerminalEvent(events, core.AbortedEvent(err))
		return
	}
	core.SendTerminalEvent(events, core.Event{
		Type: core.EventError,
		Done: &core.DonePayload{Reason: core.StopReasonError},
		Err:  fmt.Errorf("openai stream: %w", err),
	})
}

func toChatRequest(req *core.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, msg := range req.Messages {
		if msg.Role == core.RoleAssistant && strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}

	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
