// Package opencode provides an HTTP client for the OpenCode server.
// Prompts are delivered over REST; live events arrive on a shared SSE stream.
package opencode

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/logger"
)

// EventHandler is called for each SDK event from the SSE stream.
type EventHandler func(event *SDKEventEnvelope)

// Client manages HTTP communication with an OpenCode server.
type Client struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	logger     *logger.Logger

	eventHandler EventHandler

	// SSE connection tracking - prevents duplicate concurrent streams.
	sseCancel context.CancelFunc
	sseActive bool

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new OpenCode HTTP client rooted at a workspace directory.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "opencode-client")),
	}
}

// SetEventHandler sets the handler for SDK events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

func (c *Client) buildAuthHeader() string {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	return "Basic " + credentials
}

func (c *Client) buildURL(path string) string {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		return url + "&directory=" + c.directory
	}
	return url + "?directory=" + c.directory
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// WaitForHealth waits for the OpenCode server to report healthy.
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(20 * time.Second)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		bodyBytes, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(bodyBytes))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(bodyBytes, &health); err != nil {
			lastErr = fmt.Errorf("parse health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if health.Healthy {
			c.logger.Info("OpenCode server healthy", zap.String("version", health.Version))
			return nil
		}
		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// CreateSession creates a new OpenCode session.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt sends a prompt and blocks until the final message is produced.
// Prompts can take minutes, so a dedicated long-timeout client is used.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec, agent string) (*PromptResponse, error) {
	reqBody := PromptRequest{
		Model: model,
		Agent: agent,
		Parts: []TextPartInput{{Type: "text", Text: prompt}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/session/%s/message", sessionID), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	promptClient := &http.Client{Timeout: 60 * time.Minute}
	resp, err := promptClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return nil, fmt.Errorf("prompt returned empty response")
	}

	var parsed PromptResponse
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Info.ID != "" {
		return &parsed, nil
	}

	// Error responses come back as { name, data }.
	var errResp SessionError
	if err := json.Unmarshal([]byte(trimmed), &errResp); err == nil && errResp.Name != "" {
		return nil, fmt.Errorf("prompt error: %s: %s", errResp.Name, errResp.Message())
	}
	return nil, fmt.Errorf("unrecognized prompt response: %s", trimmed)
}

// Abort stops the session's current operation. Errors are swallowed: the
// session may already be complete.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// SessionStatus reports tools the server still considers running.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionStatusResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/session/%s/status", sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("session status request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("session status failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var status SessionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("parse session status: %w", err)
	}
	return &status, nil
}

// StartEventStream connects to the shared SSE stream and dispatches events
// for the given session to the registered handler. Only one connection is
// kept per client to avoid duplicate event processing.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		return nil
	}
	c.sseActive = true
	c.mu.Unlock()

	sseCtx, sseCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.sseCancel = sseCancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		sseCancel()
		return err
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.buildURL("/event"), nil)
	if err != nil {
		return fail(fmt.Errorf("create event stream request: %w", err))
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// No timeout on the SSE connection itself.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("connect event stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body)))
	}

	go c.processEventStream(sseCtx, sessionID, resp.Body)
	return nil
}

func (c *Client) processEventStream(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || dataBuffer.Len() == 0 {
			continue
		}

		data := strings.TrimSpace(dataBuffer.String())
		dataBuffer.Reset()
		if data == "" {
			continue
		}

		event, err := ParseSDKEvent([]byte(data))
		if err != nil {
			c.logger.Warn("failed to parse SDK event", zap.Error(err))
			continue
		}
		if !c.eventMatchesSession(event, sessionID) {
			continue
		}

		c.mu.RLock()
		handler := c.eventHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("event stream error", zap.Error(err))
	}
}

// eventMatchesSession filters the shared stream down to one session; events
// without a session id pass through.
func (c *Client) eventMatchesSession(event *SDKEventEnvelope, sessionID string) bool {
	if len(event.Properties) == 0 {
		return true
	}

	switch event.Type {
	case SDKEventMessagePartUpdated:
		props, err := ParsePartUpdated(event.Properties)
		if err != nil {
			return true
		}
		return props.Part.SessionID == "" || props.Part.SessionID == sessionID
	default:
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return true
		}
		return props.SessionID == "" || props.SessionID == sessionID
	}
}

// Close terminates any active SSE connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false
}
