// Package backendprovider streams completions from the chat backend's
// plain-text stream endpoint.
package backendprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"elucide/internal/completion/core"
)

// StreamPath is the backend route that relays model output as raw text.
const StreamPath = "/api/v1/chat/stream"

const readBufferSize = 4096

// Config configures the backend stream provider.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retry      core.RetryPolicy
}

// Provider posts conversation history and relays the response body as deltas.
type Provider struct {
	baseURL string
	token   string
	client  *http.Client
	retry   core.RetryPolicy
}

// New constructs a backend stream provider.
func New(cfg Config) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: a stream lives as long as the model keeps talking.
		client = &http.Client{}
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
		retry:   core.NormalizeRetryPolicy(cfg.Retry),
	}
}

type streamRequest struct {
	ThreadID string         `json:"thread_id"`
	Model    string         `json:"model"`
	Messages []core.Message `json:"messages"`
}

// Stream posts the request and emits each body read as one text delta. The
// final chunk is known only when the body reaches end of input.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if p == nil {
		return nil, fmt.Errorf("backend provider is nil")
	}
	if p.baseURL == "" {
		return nil, fmt.Errorf("%w: backend base url is required", core.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	messages := req.Messages
	if s := strings.TrimSpace(req.System); s != "" {
		messages = append([]core.Message{{Role: core.RoleSystem, Content: s}}, messages...)
	}
	body, err := json.Marshal(streamRequest{ThreadID: req.ThreadID, Model: req.Model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	events := make(chan core.Event, 1)
	retry := core.MergeRetryPolicy(p.retry, req.Retry)

	go func() {
		defer close(events)
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventStart}); err != nil {
			core.SendTerminalEvent(events, core.AbortedEvent(err))
			return
		}

		var resp *http.Response
		err := core.Retry(ctx, retry, func(ctx context.Context) error {
			r, err := p.open(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			p.fail(ctx, events, err)
			return
		}
		defer resp.Body.Close()

		if err := relay(ctx, resp.Body, events); err != nil {
			p.fail(ctx, events, err)
			return
		}
		core.SendTerminalEvent(events, core.Event{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonStop}})
	}()

	return events, nil
}

func (p *Provider) open(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+StreamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if core.IsCanceled(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, core.MarkRetryable(fmt.Errorf("post %s: %w", StreamPath, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		err := fmt.Errorf("post %s: status %d: %s", StreamPath, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, core.MarkRetryable(err)
		}
		return nil, err
	}
	return resp, nil
}

// relay copies body reads to the channel as text deltas. Multi-byte runes
// split across reads are held back until complete.
func relay(ctx context.Context, body io.Reader, events chan<- core.Event) error {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completePrefix(data)
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				if err := core.SendEvent(ctx, events, core.Event{Type: core.EventTextDelta, TextDelta: string(data[:cut])}); err != nil {
					return err
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			if len(carry) > 0 {
				return core.SendEvent(ctx, events, core.Event{Type: core.EventTextDelta, TextDelta: string(carry)})
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
}

// completePrefix returns the length of data up to the last complete rune.
func completePrefix(data []byte) int {
	end := len(data)
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		start := len(data) - i
		if !utf8.RuneStart(data[start]) {
			continue
		}
		if !utf8.FullRune(data[start:]) {
			end = start
		}
		break
	}
	return end
}

func (p *Provider) fail(ctx context.Context, events chan<- core.Event, err error) {
	if ctx.Err() != nil || core.IsCanceled(err) {
		core.SendTerminalEvent(events, core.AbortedEvent(err))
		return
	}
	core.SendTerminalEvent(events, core.Event{
		Type: core.EventError,
		Done: &core.DonePayload{Reason: core.StopReasonError},
		Err:  fmt.Errorf("backend stream: %w", err),
	})
}
