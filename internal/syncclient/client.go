// Package syncclient implements the encrypted real-time links to the
// backend: one scoped to a session, one scoped to the machine. Both share
// the engine in this file, grounded on the teacher's
// internal/agentctl/client package (pending-request map keyed by request
// id, a write mutex serializing the single shared connection, reconnect
// handling) generalized from a single local-container client to a
// reconnecting remote client with two auth-scope variants.
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/happy/internal/coordination"
	"github.com/kandev/happy/internal/envelope"
	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/pkg/wireproto"
)

// Scope identifies which auth payload and RPC namespace a Client uses.
type Scope string

const (
	ScopeSession Scope = "session-scoped"
	ScopeMachine Scope = "machine-scoped"
)

// Auth carries the credentials presented during the connection handshake
// plus the legacy shared secretbox key every payload on this link is
// sealed/opened with (§1(d)/§4.1's "legacy" EncryptedEnvelope variant).
type Auth struct {
	Token      string
	ClientType Scope
	ScopeID    string // sessionId or machineId
	LegacyKey  envelope.SecretboxKey
}

// RPCHandler answers one inbound rpc-request. Returning an error causes the
// caller to receive an encrypted {error} reply per §4.3.
type RPCHandler func(ctx context.Context, params json.RawMessage) (any, error)

const (
	eventRPCRequest  = "rpc-request"
	eventRPCResponse = "rpc-response"
	eventRPCRegister = "rpc-register"
)

// rpcRequestPayload matches §4.3's `{ method, params_encrypted }` shape:
// the method name is routing metadata and stays plaintext, the params
// never do.
type rpcRequestPayload struct {
	Method          string          `json:"method"`
	ParamsEncrypted json.RawMessage `json:"params_encrypted,omitempty"`
}

type rpcResponsePayload struct {
	ResultEncrypted json.RawMessage `json:"result_encrypted"`
}

// rpcResult is the plaintext sealed inside ResultEncrypted — "Handler
// errors become encrypted {error} replies" per §4.3.
type rpcResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client is the shared websocket engine: connect, auth, dispatch, reconnect.
type Client struct {
	url    string
	auth   Auth
	router *wireproto.Router
	logger *obslog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *wireproto.Envelope

	rpcMu       sync.Mutex
	rpcHandlers map[string]RPCHandler

	onReconnect func(ctx context.Context)

	connectedCh chan struct{}
	closeCh     chan struct{}
	closeOnce   sync.Once
}

// New builds a Client. Call Run to connect and service the link. router
// already carries the caller's own event handlers (new-message,
// update-session, ...); New adds the generic rpc-request dispatcher to it.
func New(url string, auth Auth, router *wireproto.Router, logger *obslog.Logger) *Client {
	c := &Client{
		url:         url,
		auth:        auth,
		router:      router,
		logger:      logger.With(),
		pending:     make(map[string]chan *wireproto.Envelope),
		rpcHandlers: make(map[string]RPCHandler),
		connectedCh: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}
	router.On(eventRPCRequest, c.handleRPCRequest)
	return c
}

// sealJSON marshals v and seals it into an EncryptedEnvelope, itself
// marshaled to JSON so it can be embedded as an ordinary payload field.
func (c *Client) sealJSON(v any) (json.RawMessage, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("syncclient: marshal plaintext: %w", err)
	}
	env, err := envelope.SealLegacy(c.auth.LegacyKey, plain)
	if err != nil {
		return nil, fmt.Errorf("syncclient: seal payload: %w", err)
	}
	sealed, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("syncclient: marshal envelope: %w", err)
	}
	return sealed, nil
}

// openJSON reverses sealJSON: raw carries a marshaled EncryptedEnvelope,
// out receives the decrypted plaintext unmarshaled into it.
func (c *Client) openJSON(raw json.RawMessage, out any) error {
	var env model.EncryptedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("syncclient: decode envelope: %w", err)
	}
	plain, err := envelope.OpenLegacy(c.auth.LegacyKey, &env)
	if err != nil {
		return fmt.Errorf("syncclient: open envelope: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(plain, out)
}

// EmitEncrypted seals payload before sending it as a fire-and-forget event.
func (c *Client) EmitEncrypted(event string, payload any) error {
	sealed, err := c.sealJSON(payload)
	if err != nil {
		return err
	}
	return c.Emit(event, sealed)
}

// EmitWithAckEncrypted seals payload before sending and blocks for the
// correlated reply, matching EmitWithAck's semantics.
func (c *Client) EmitWithAckEncrypted(ctx context.Context, reqID, event string, payload any) (*wireproto.Envelope, error) {
	sealed, err := c.sealJSON(payload)
	if err != nil {
		return nil, err
	}
	return c.EmitWithAck(ctx, reqID, event, sealed)
}

// OnReconnect installs a callback invoked synchronously after every
// successful (re)connect + auth, including the first — the hook the
// session supervisor and the daemon use to call RegisterRPC per §4.3/§4.4's
// "on every successful reconnect" requirement.
func (c *Client) OnReconnect(fn func(ctx context.Context)) { c.onReconnect = fn }

// RegisterHandler adds method to the local dispatch table and announces it
// to the server. Namespacing (machineId:method / per-session method names)
// is the caller's responsibility so two sessions' tables never collide.
func (c *Client) RegisterHandler(method string, fn RPCHandler) {
	c.rpcMu.Lock()
	c.rpcHandlers[method] = fn
	c.rpcMu.Unlock()
	_ = c.Emit(eventRPCRegister, map[string]string{"method": method})
}

// reregisterAll re-announces every locally registered method — called once
// per reconnect so the backend's per-connection RPC routing table is never
// stale after a drop.
func (c *Client) reregisterAll() {
	c.rpcMu.Lock()
	methods := make([]string, 0, len(c.rpcHandlers))
	for m := range c.rpcHandlers {
		methods = append(methods, m)
	}
	c.rpcMu.Unlock()

	for _, m := range methods {
		if err := c.Emit(eventRPCRegister, map[string]string{"method": m}); err != nil {
			c.logger.Warn("syncclient: re-register failed", zap.String("method", m), zap.Error(err))
		}
	}
}

func (c *Client) handleRPCRequest(env *wireproto.Envelope) error {
	var req rpcRequestPayload
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("syncclient: decode rpc-request: %w", err)
	}

	c.rpcMu.Lock()
	handler, ok := c.rpcHandlers[req.Method]
	c.rpcMu.Unlock()

	if !ok {
		return c.replyRPC(env.ReqID, nil, "Method not found")
	}

	var params json.RawMessage
	if len(req.ParamsEncrypted) > 0 {
		if err := c.openJSON(req.ParamsEncrypted, &params); err != nil {
			c.logger.Warn("syncclient: decrypt rpc params failed", zap.String("method", req.Method), zap.Error(err))
			return c.replyRPC(env.ReqID, nil, "bad params")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := handler(ctx, params)
	if err != nil {
		return c.replyRPC(env.ReqID, nil, err.Error())
	}
	return c.replyRPC(env.ReqID, result, "")
}

func (c *Client) replyRPC(reqID string, result any, errMsg string) error {
	var resultRaw json.RawMessage
	if errMsg == "" && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			errMsg = err.Error()
		} else {
			resultRaw = data
		}
	}
	sealed, err := c.sealJSON(rpcResult{Result: resultRaw, Error: errMsg})
	if err != nil {
		return fmt.Errorf("syncclient: seal rpc reply: %w", err)
	}
	env, err := wireproto.NewRequestEnvelope(reqID, eventRPCResponse, rpcResponsePayload{ResultEncrypted: sealed})
	if err != nil {
		return err
	}
	return c.write(env)
}

// Run connects, services the link until it drops or ctx is cancelled, and
// reconnects under the shared backoff policy (coordination.Retry). It stops
// reconnecting once ctx is done or Close has been called; no error from the
// link itself, including a rejected auth, is treated as permanent.
func (c *Client) Run(ctx context.Context) error {
	return coordination.Retry(ctx, func() error {
		if err := c.connectAndServe(ctx); err != nil {
			select {
			case <-ctx.Done():
				return coordination.Permanent(ctx.Err())
			case <-c.closeCh:
				return coordination.Permanent(err)
			default:
			}
			c.logger.Warn("sync link dropped, reconnecting", zap.Error(err))
			return err
		}
		return nil
	})
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("syncclient: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.sendAuth(); err != nil {
		conn.Close()
		return err
	}

	select {
	case c.connectedCh <- struct{}{}:
	default:
	}

	if c.onReconnect != nil {
		c.onReconnect(ctx)
	}
	c.reregisterAll()

	defer func() {
		conn.Close()
		c.cleanupPending()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("syncclient: read: %w", err)
		}

		var env wireproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("syncclient: malformed envelope, dropping", zap.Error(err))
			continue
		}
		if !env.SupportedVersion() {
			c.logger.Warn("syncclient: unsupported envelope version, dropping", zap.Int("version", env.V))
			continue
		}

		if env.ReqID != "" && c.resolvePending(&env) {
			continue
		}

		if err := c.router.Dispatch(&env); err != nil {
			c.logger.Warn("syncclient: dispatch error", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

func (c *Client) sendAuth() error {
	payload := map[string]string{
		"token":      c.auth.Token,
		"clientType": string(c.auth.ClientType),
		"scopeId":    c.auth.ScopeID,
	}
	env, err := wireproto.NewEnvelope("auth", payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Client) write(env *wireproto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("syncclient: marshal envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncclient: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload any) error {
	env, err := wireproto.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

// EmitWithAck sends event and blocks for the correlated reply or ctx cancellation.
func (c *Client) EmitWithAck(ctx context.Context, reqID, event string, payload any) (*wireproto.Envelope, error) {
	env, err := wireproto.NewRequestEnvelope(reqID, event, payload)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *wireproto.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("syncclient: disconnected while waiting for reply to %q", event)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush sends a ping carrying an ack and resolves on the reply or a 10s
// hard timeout, whichever comes first, matching §4.3's flush() contract.
func (c *Client) Flush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.EmitWithAck(flushCtx, fmt.Sprintf("flush-%d", time.Now().UnixNano()), "ping", nil)
	return err
}

func (c *Client) resolvePending(env *wireproto.Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ReqID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (c *Client) cleanupPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// WaitConnected blocks until the first successful connect or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connectedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the link for good.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}
