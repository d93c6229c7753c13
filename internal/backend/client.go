// Package backend is the HTTP client for the chat backend REST API, which
// owns durable threads, folders and messages.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"elucide/internal/completion/core"
	"elucide/internal/logging"
	"elucide/internal/model"
)

const (
	apiPrefix       = "/api/v1/chat"
	defaultTimeout  = 30 * time.Second
	maxErrorBodyLen = 4096
)

var (
	// ErrMissingBaseURL indicates the client was built without a backend address.
	ErrMissingBaseURL = errors.New("backend base url is required")
	// ErrMissingUserID indicates a user-scoped call without a configured user.
	ErrMissingUserID = errors.New("backend user id is required")
)

// APIError is a non-2xx backend response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Config configures the client.
type Config struct {
	BaseURL    string
	Token      string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Retry applies to idempotent reads only; writes are retried by the
	// pending-message sweep.
	Retry  core.RetryPolicy
	Logger *zap.Logger
}

// Client talks to the chat backend.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	retry   core.RetryPolicy
	log     *zap.Logger
}

// New constructs a client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := logging.OrNop(cfg.Logger)
	log.Debug("backend_client_configured",
		zap.String("base_url", baseURL),
		zap.String("user", cfg.UserID),
		zap.String("token", logging.RedactToken(cfg.Token)),
	)
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		userID:  strings.TrimSpace(cfg.UserID),
		http:    httpClient,
		retry:   core.NormalizeRetryPolicy(cfg.Retry),
		log:     log,
	}, nil
}

// UserID returns the user the client acts for.
func (c *Client) UserID() string {
	return c.userID
}

// FetchMessages lists a thread's confirmed messages in backend order.
func (c *Client) FetchMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var out []model.Message
	err := c.get(ctx, apiPrefix+"/threads/"+url.PathEscape(threadID)+"/messages", &out)
	if err != nil {
		return nil, fmt.Errorf("fetch messages for thread %s: %w", threadID, err)
	}
	return out, nil
}

// CreateMessage persists a message and returns the canonical record.
func (c *Client) CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}
	var out model.Message
	if err := c.send(ctx, http.MethodPost, apiPrefix+"/messages", msg, &out); err != nil {
		return model.Message{}, fmt.Errorf("create message in thread %s: %w", msg.ThreadID, err)
	}
	return out, nil
}

// FetchThreads lists the configured user's threads.
func (c *Client) FetchThreads(ctx context.Context) ([]model.Thread, error) {
	if c.userID == "" {
		return nil, ErrMissingUserID
	}
	var out []model.Thread
	if err := c.get(ctx, apiPrefix+"/threads?user_id="+url.QueryEscape(c.userID), &out); err != nil {
		return nil, fmt.Errorf("fetch threads: %w", err)
	}
	return out, nil
}

// CreateThread creates an empty thread for the configured user.
func (c *Client) CreateThread(ctx context.Context) (model.Thread, error) {
	if c.userID == "" {
		return model.Thread{}, ErrMissingUserID
	}
	var out model.Thread
	body := map[string]string{"user_id": c.userID}
	if err := c.send(ctx, http.MethodPost, apiPrefix+"/threads", body, &out); err != nil {
		return model.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return out, nil
}

// UpdateThread applies patch and returns the canonical thread.
func (c *Client) UpdateThread(ctx context.Context, threadID string, patch model.ThreadPatch) (model.Thread, error) {
	var out model.Thread
	if err := c.send(ctx, http.MethodPatch, apiPrefix+"/threads/"+url.PathEscape(threadID), patch, &out); err != nil {
		return model.Thread{}, fmt.Errorf("update thread %s: %w", threadID, err)
	}
	return out, nil
}

// DeleteThread removes a thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.send(ctx, http.MethodDelete, apiPrefix+"/threads/"+url.PathEscape(threadID), nil, nil); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// FetchFolders lists the configured user's folders.
func (c *Client) FetchFolders(ctx context.Context) ([]model.Folder, error) {
	if c.userID == "" {
		return nil, ErrMissingUserID
	}
	var out []model.Folder
	if err := c.get(ctx, apiPrefix+"/folders?user_id="+url.QueryEscape(c.userID), &out); err != nil {
		return nil, fmt.Errorf("fetch folders: %w", err)
	}
	return out, nil
}

// CreateFolder creates a folder, optionally nested under parentID.
func (c *Client) CreateFolder(ctx context.Context, name string, parentID *string) (model.Folder, error) {
	if c.userID == "" {
		return model.Folder{}, ErrMissingUserID
	}
	body := struct {
		UserID   string  `json:"user_id"`
		Name     string  `json:"name"`
		ParentID *string `json:"parent_id,omitempty"`
	}{UserID: c.userID, Name: name, ParentID: parentID}
	var out model.Folder
	if err := c.send(ctx, http.MethodPost, apiPrefix+"/folders", body, &out); err != nil {
		return model.Folder{}, fmt.Errorf("create folder: %w", err)
	}
	return out, nil
}

// UpdateFolder applies patch and returns the canonical folder.
func (c *Client) UpdateFolder(ctx context.Context, folderID string, patch model.FolderPatch) (model.Folder, error) {
	var out model.Folder
	if err := c.send(ctx, http.MethodPatch, apiPrefix+"/folders/"+url.PathEscape(folderID), patch, &out); err != nil {
		return model.Folder{}, fmt.Errorf("update folder %s: %w", folderID, err)
	}
	return out, nil
}

// DeleteFolder removes a folder.
func (c *Client) DeleteFolder(ctx context.Context, folderID string) error {
	if err := c.send(ctx, http.MethodDelete, apiPrefix+"/folders/"+url.PathEscape(folderID), nil, nil); err != nil {
		return fmt.Errorf("delete folder %s: %w", folderID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return core.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.send(ctx, http.MethodGet, path, nil, out)
	})
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("backend_request_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return core.MarkRetryable(err)
	}
	defer resp.Body.Close()

	c.log.Debug("backend_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		if apiErr.Temporary() {
			return core.MarkRetryable(apiErr)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// readErrorMessage extracts {"message": ...} or {"detail": ...} from an error
// body, falling back to the raw text.
func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyLen))
	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		for _, s := range []string{payload.Message, payload.Detail, payload.Error} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
