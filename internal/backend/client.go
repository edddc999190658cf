// Package backend is the REST half of the backend sync protocol (§6.4):
// session/machine creation and vendor connect flows. The two real-time
// links live in internal/syncclient; this package is plain request/
// response. Grounded on the teacher's internal/agentctl/client/client.go
// HTTP helper style (readResponseBody, status-range check, truncateBody
// for error messages).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/herr"
	"github.com/kandev/happy/internal/obslog"
)

// Client is the REST client for the backend's session/machine/connect
// endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *obslog.Logger
}

func NewClient(baseURL, token string, logger *obslog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(zap.String("component", "backend-client")),
	}
}

// CreateSessionRequest mirrors POST /v1/sessions's body (§6.4).
type CreateSessionRequest struct {
	Tag               string `json:"tag"`
	Metadata          string `json:"metadata"`
	AgentState        string `json:"agentState,omitempty"`
	DataEncryptionKey string `json:"dataEncryptionKey,omitempty"`
}

// SessionPayload is the `session` object both the request and response
// carry, with encrypted fields left as opaque base64 strings.
type SessionPayload struct {
	ID                 string `json:"id"`
	Tag                string `json:"tag"`
	Seq                int    `json:"seq"`
	Metadata           string `json:"metadata"`
	MetadataVersion    int    `json:"metadataVersion"`
	AgentState         string `json:"agentState"`
	AgentStateVersion  int    `json:"agentStateVersion"`
}

// CreateSession issues POST /v1/sessions. A connection-level failure
// (refused, DNS, timeout) is reported as herr.Offline so the caller can
// degrade to offline mode per §6.5/E2; a 404 is herr.EndpointMissing and
// any other non-2xx is herr.AuthFailure.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionPayload, error) {
	var resp struct {
		Session SessionPayload `json:"session"`
	}
	if err := c.post(ctx, "/v1/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// CreateMachineRequest mirrors POST /v1/machines's body (§6.4).
type CreateMachineRequest struct {
	ID                string `json:"id"`
	Metadata          string `json:"metadata"`
	DaemonState       string `json:"daemonState,omitempty"`
	DataEncryptionKey string `json:"dataEncryptionKey,omitempty"`
}

type MachinePayload struct {
	ID                   string `json:"id"`
	Metadata             string `json:"metadata"`
	MetadataVersion      int    `json:"metadataVersion"`
	DaemonState          string `json:"daemonState"`
	DaemonStateVersion   int    `json:"daemonStateVersion"`
}

// CreateMachine issues POST /v1/machines. Per §6.4/§9's resolved Open
// Question, a 404 means the endpoint isn't deployed: return
// herr.EndpointMissing so the caller synthesizes a minimal local
// Machine instead of failing startup. Any other non-2xx is fatal
// (herr.AuthFailure) with the response body folded into the error.
func (c *Client) CreateMachine(ctx context.Context, req CreateMachineRequest) (*MachinePayload, error) {
	var resp struct {
		Machine MachinePayload `json:"machine"`
	}
	if err := c.post(ctx, "/v1/machines", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Machine, nil
}

// RegisterConnect issues POST /v1/connect/{vendor}/register.
func (c *Client) RegisterConnect(ctx context.Context, vendor string, payload any) error {
	return c.post(ctx, fmt.Sprintf("/v1/connect/%s/register", vendor), payload, nil)
}

// ConnectToken issues GET /v1/connect/{vendor}/token.
func (c *Client) ConnectToken(ctx context.Context, vendor string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.get(ctx, fmt.Sprintf("/v1/connect/%s/token", vendor), &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return herr.New("backend."+path, herr.CategoryOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return herr.New("backend."+path, herr.CategoryOffline, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return herr.New("backend."+path, herr.CategoryEndpointMissing, fmt.Errorf("404: %s", truncateBody(respBody)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return herr.New("backend."+path, herr.CategoryAuthFailure, fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: parse response for %s (body: %s): %w", path, truncateBody(respBody), err)
	}
	return nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
