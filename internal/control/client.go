package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kandev/happy/internal/model"
)

// Client calls another process's loopback control surface: the session
// supervisor announcing itself to the daemon (§4.6 step 5), or the CLI's
// `doctor`/spawn/stop commands driving an already-running daemon.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(port int, token string) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifySessionStarted is the session supervisor's self-registration
// webhook call.
func (c *Client) NotifySessionStarted(ctx context.Context, sessionID string, metadata map[string]any) error {
	return c.post(ctx, "/session-started", sessionStartedRequest{SessionID: sessionID, Metadata: metadata}, nil)
}

func (c *Client) List(ctx context.Context) ([]model.ProcessRecord, error) {
	var out []model.ProcessRecord
	err := c.do(ctx, http.MethodGet, "/list", nil, &out)
	return out, err
}

func (c *Client) SpawnSession(ctx context.Context, directory, sessionID string) (model.ProcessRecord, error) {
	var out model.ProcessRecord
	err := c.post(ctx, "/spawn-session", spawnSessionRequest{Directory: directory, SessionID: sessionID}, &out)
	return out, err
}

func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/stop-session", stopSessionRequest{SessionID: sessionID}, nil)
}

func (c *Client) StopDaemon(ctx context.Context) error {
	return c.post(ctx, "/stop", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = *bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control: %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
