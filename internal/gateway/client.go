// Package gateway implements the HTTP client for the remote session host.
// The runner delegates session-type jobs to it: spawn a session, poll for
// completion, read token accounting.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/jobrunner/internal/executor"
)

// DefaultURL is the loopback agent host address.
const DefaultURL = "http://127.0.0.1:18789"

const requestTimeout = 30 * time.Second

// Client talks to the session gateway over HTTP with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a gateway client. tokenPath may be empty; the token file is
// read once at construction.
func New(baseURL, tokenPath string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	token := ""
	if tokenPath != "" {
		data, err := os.ReadFile(tokenPath)
		if err != nil {
			slog.Warn("gateway token not readable", "path", tokenPath, "error", err)
		} else {
			token = strings.TrimSpace(string(data))
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type spawnRequest struct {
	Prompt            string `json:"prompt"`
	Label             string `json:"label,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
}

type spawnResponse struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// SpawnSession starts a remote session for the given prompt.
func (c *Client) SpawnSession(ctx context.Context, prompt string, opts executor.SpawnOptions) (executor.SpawnResult, error) {
	body := spawnRequest{
		Prompt:            prompt,
		Label:             opts.Label,
		Thinking:          opts.Thinking,
		RunTimeoutSeconds: opts.RunTimeoutSeconds,
	}
	var resp spawnResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", body, &resp); err != nil {
		return executor.SpawnResult{}, err
	}
	if resp.SessionKey == "" {
		return executor.SpawnResult{}, fmt.Errorf("gateway returned empty session key")
	}
	return executor.SpawnResult{SessionKey: resp.SessionKey, RunID: resp.RunID}, nil
}

type sessionStatus struct {
	LatestRole string  `json:"latestRole"`
	StopReason *string `json:"stopReason"`
}

// IsSessionComplete reports whether the session's latest message is an
// assistant message with a non-null stop reason.
func (c *Client) IsSessionComplete(ctx context.Context, sessionKey string) (bool, error) {
	var st sessionStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+sessionKey+"/status", nil, &st); err != nil {
		return false, err
	}
	return st.LatestRole == "assistant" && st.StopReason != nil, nil
}

type sessionInfoResponse struct {
	TotalTokens    int    `json:"totalTokens"`
	Model          string `json:"model"`
	TranscriptPath string `json:"transcriptPath,omitempty"`
}

// GetSessionInfo returns token accounting for a session, or nil when the
// gateway has no record of it.
func (c *Client) GetSessionInfo(ctx context.Context, sessionKey string) (*executor.SessionInfo, error) {
	var info sessionInfoResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+sessionKey+"/info", nil, &info)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &executor.SessionInfo{
		TotalTokens:    info.TotalTokens,
		Model:          info.Model,
		TranscriptPath: info.TranscriptPath,
	}, nil
}

// statusError carries the HTTP status for non-2xx gateway responses.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method == http.MethodPost {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}
