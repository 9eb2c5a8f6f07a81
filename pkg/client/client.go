// Package client is the HTTP client for the sessiond control API. The CLI
// and agent children use it; the daemon record supplies the port and the
// token file supplies the credential.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a running daemon over loopback HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	Port    int
	Token   string
	Timeout time.Duration
}

// New creates a control API client. Spawn calls can block for the whole
// self-report window, so the default timeout leaves room beyond it.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// SpawnRequest mirrors the spawn endpoint payload.
type SpawnRequest struct {
	Directory  string `json:"directory"`
	SessionID  string `json:"session_id,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// SpawnReply mirrors the spawn endpoint response.
type SpawnReply struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	Synthetic bool   `json:"synthetic"`
}

// SessionInfo mirrors one list endpoint entry.
type SessionInfo struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id,omitempty"`
	Origin    string    `json:"origin"`
	StartedAt time.Time `json:"started_at"`
	Directory string    `json:"directory,omitempty"`
	StartedBy string    `json:"started_by,omitempty"`
}

// StatusReply mirrors the status endpoint response.
type StatusReply struct {
	Record   json.RawMessage `json:"record,omitempty"`
	Sessions int             `json:"sessions"`
}

// APIError carries a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// IsReachable reports whether a daemon answers on the health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Spawn starts a new agent session.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SpawnReply, error) {
	var reply SpawnReply
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Stop terminates a session by reported or synthetic id.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	body := map[string]string{"session_id": sessionID}
	return c.do(ctx, http.MethodPost, "/api/sessions/stop", body, nil)
}

// List returns all tracked sessions.
func (c *Client) List(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Report delivers an agent self-report to the daemon.
func (c *Client) Report(ctx context.Context, sessionID string, pid int, startedBy, directory string) error {
	body := map[string]any{
		"session_id": sessionID,
		"pid":        pid,
		"started_by": startedBy,
		"directory":  directory,
	}
	return c.do(ctx, http.MethodPost, "/api/sessions/report", body, nil)
}

// Status fetches the daemon record and session count.
func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	var reply StatusReply
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Shutdown asks the daemon to terminate.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/shutdown", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(raw)
		var er struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &er) == nil {
			if er.Message != "" {
				msg = er.Message
			} else if er.Error != "" {
				msg = er.Error
			}
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
