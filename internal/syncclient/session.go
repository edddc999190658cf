package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/happy/internal/coordination"
	"github.com/kandev/happy/internal/envelope"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/pkg/wireproto"
)

// SessionEvents names the events carried over the session-scoped link.
const (
	EventSessionMetadataUpdate   = "session.metadataUpdate"
	EventSessionAgentStateUpdate = "session.agentStateUpdate"
	EventSessionMessage          = "session.message"
	EventSessionModeChange       = "session.modeChange"
	EventSessionKeepAlive        = "session.keepAlive"
	EventSessionRPCRegister      = "session.rpc.register"
	EventSessionRPCCall          = "session.rpc.call"
)

// SessionClient is the session-scoped real-time link: metadata/agent-state
// sync with optimistic concurrency, inbound message queueing, RPC
// registration, and keep-alive. Every content payload on this link
// (messages, metadata, agent state) is sealed with the legacy
// EncryptedEnvelope variant (§1(d)/§4.1/§4.3); routing fields and control
// traffic (keep-alive, RPC registration) are sent unencrypted.
type SessionClient struct {
	*Client
	sessionID string

	// writeLock serializes updateMetadata/updateAgentState per §4.3 so two
	// concurrent writers never race on expectedVersion.
	writeLock *coordination.AsyncLock

	onMessage    func(payload []byte)
	onModeSwitch func(mode string)
}

// NewSessionClient builds the session-scoped link for sessionID, sealing
// outbound payloads and opening inbound ones with legacyKey.
func NewSessionClient(url, token, sessionID string, legacyKey envelope.SecretboxKey, logger *obslog.Logger) *SessionClient {
	router := wireproto.NewRouter()
	sc := &SessionClient{sessionID: sessionID, writeLock: coordination.NewAsyncLock()}
	router.On(EventSessionMessage, func(env *wireproto.Envelope) error {
		var plain json.RawMessage
		if err := sc.openJSON(env.Payload, &plain); err != nil {
			return fmt.Errorf("syncclient: decrypt inbound message: %w", err)
		}
		if sc.onMessage != nil {
			sc.onMessage(plain)
		}
		return nil
	})
	router.On(EventSessionModeChange, func(env *wireproto.Envelope) error {
		var payload struct {
			Mode string `json:"mode"`
		}
		if err := sc.openJSON(env.Payload, &payload); err != nil {
			return fmt.Errorf("syncclient: decrypt mode change: %w", err)
		}
		if sc.onModeSwitch != nil {
			sc.onModeSwitch(payload.Mode)
		}
		return nil
	})

	sc.Client = New(url, Auth{Token: token, ClientType: ScopeSession, ScopeID: sessionID, LegacyKey: legacyKey}, router, logger)
	return sc
}

// OnMessage registers the callback invoked for each inbound operator message.
func (c *SessionClient) OnMessage(fn func(payload []byte)) { c.onMessage = fn }

// OnModeSwitch registers the callback invoked when the operator toggles
// between local and remote mode.
func (c *SessionClient) OnModeSwitch(fn func(mode string)) { c.onModeSwitch = fn }

// versionedAck is the three-shape reply §4.3 describes for updateMetadata/
// updateAgentState: accepted, or a conflict carrying the server's current
// version and (sealed) value to adopt before retrying.
type versionedAck struct {
	Accepted       bool            `json:"accepted"`
	CurrentVersion int             `json:"currentVersion,omitempty"`
	ValueEncrypted json.RawMessage `json:"valueEncrypted,omitempty"`
}

// UpdateMetadata writes session metadata with optimistic concurrency,
// serialized through the session's async lock. On a version-mismatch
// reply it adopts the server's current value/version and retries under
// backoff, per §4.3; any other rejection is swallowed as transient.
func (c *SessionClient) UpdateMetadata(ctx context.Context, metadata any, expectedVersion int) error {
	return c.updateVersioned(ctx, EventSessionMetadataUpdate, "metadata", metadata, expectedVersion)
}

// UpdateAgentState mirrors UpdateMetadata for the agent-state projection.
func (c *SessionClient) UpdateAgentState(ctx context.Context, state any, expectedVersion int) error {
	return c.updateVersioned(ctx, EventSessionAgentStateUpdate, "state", state, expectedVersion)
}

func (c *SessionClient) updateVersioned(ctx context.Context, event, field string, value any, expectedVersion int) error {
	if err := c.writeLock.Lock(ctx); err != nil {
		return fmt.Errorf("syncclient: acquire write lock: %w", err)
	}
	defer c.writeLock.Unlock()

	version := expectedVersion
	return coordination.Retry(ctx, func() error {
		sealed, err := c.sealJSON(value)
		if err != nil {
			return coordination.Permanent(err)
		}
		payload := map[string]any{
			"sessionId":       c.sessionID,
			field + "Encrypted": sealed,
			"expectedVersion": version,
		}
		resp, err := c.EmitWithAck(ctx, uuid.NewString(), event, payload)
		if err != nil {
			return coordination.Permanent(fmt.Errorf("syncclient: update %s: %w", field, err))
		}

		var ack versionedAck
		if err := resp.Decode(&ack); err != nil {
			return coordination.Permanent(err)
		}
		if ack.Accepted {
			return nil
		}
		if ack.CurrentVersion <= version {
			// error shape: swallow, treat as transient, don't retry infinitely.
			c.logger.Debug("syncclient: " + field + " update rejected, swallowing")
			return nil
		}

		// version-mismatch: adopt the server's value/version and retry.
		version = ack.CurrentVersion
		if len(ack.ValueEncrypted) > 0 {
			var adopted any
			if err := c.openJSON(ack.ValueEncrypted, &adopted); err == nil {
				value = adopted
			}
		}
		return fmt.Errorf("syncclient: %s version conflict, retrying against adopted version %d", field, version)
	})
}

// SendMessage forwards an outbound agent event (message, exec, patch, ...)
// to the operator, sealed as §4.3's sendAgentMessage.
func (c *SessionClient) SendMessage(payload any) error {
	return c.EmitEncrypted(EventSessionMessage, payload)
}

// KeepAlive pings the link; called on the heartbeat interval. Carries no
// session content, so it is sent unencrypted like the rest of the link's
// control traffic (auth, rpc-register, flush).
func (c *SessionClient) KeepAlive() error {
	return c.Emit(EventSessionKeepAlive, map[string]int64{"ts": time.Now().Unix()})
}

// RegisterRPC re-registers this session's RPC methods — called on every
// (re)connect since the backend's RPC routing table is per-connection.
func (c *SessionClient) RegisterRPC(ctx context.Context, methods []string) error {
	_, err := c.EmitWithAck(ctx, uuid.NewString(), EventSessionRPCRegister, map[string]any{
		"sessionId": c.sessionID,
		"methods":   methods,
	})
	return err
}
