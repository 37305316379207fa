// Package api is the HTTP and websocket transport between a cipherchat
// client and its server. It moves opaque ciphertext only; nothing here
// encrypts or decrypts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds every non-streaming request
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4096
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrServerFailure    = errors.New("server reported failure")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match on ErrUnexpectedStatus, ErrNotFound and ErrUnauthorized.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnexpectedStatus:
		return true
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// Client talks to one cipherchat server on behalf of one account.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	mu    sync.RWMutex
	token string
	csrf  string
}

// New creates a client for baseURL (e.g., "https://chat.example.com").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zerolog.Nop(),
	}
}

// SetLogger sets a logger for request diagnostics
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(h *http.Client) {
	c.httpClient = h
}

// SetCredentials sets the bearer token and CSRF token sent with requests.
func (c *Client) SetCredentials(token, csrf string) {
	c.mu.Lock()
	c.token = token
	c.csrf = csrf
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	token, csrf := c.token, c.csrf
	c.mu.RUnlock()

	if token != "" {
		req.Header.Set(protocol.AuthHeader, "Bearer "+token)
	}
	if method != http.MethodGet && csrf != "" {
		req.Header.Set(protocol.CSRFHeader, csrf)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out. It returns
// the response status code. A 204 leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) (int, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request")

	if resp.StatusCode >= 300 {
		return resp.StatusCode, readStatusError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

// openStream posts body and returns the response body for incremental reads.
// The caller must close it. The stream is bound to ctx rather than the
// client timeout.
func (c *Client) openStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return resp.Body, nil
}

func readStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body protocol.Response
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Message != "":
			msg = body.Message
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// checkSuccess converts a {success:false} body into ErrServerFailure.
func checkSuccess(success bool, msg string) error {
	if success {
		return nil
	}
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("%w: %s", ErrServerFailure, msg)
}
