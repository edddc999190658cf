package syncclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/happy/internal/envelope"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/pkg/wireproto"
)

// MachineEvents names the events carried over the machine-scoped link.
const (
	EventMachineSpawnRequest = "machine.spawnRequest"
	EventMachineSessionList  = "machine.sessionList"
	EventMachineHeartbeat    = "machine.heartbeat"
	EventMachineRPCRegister  = "machine.rpc.register"
)

// SpawnRequest is the payload of an inbound request to start a new session.
type SpawnRequest struct {
	Tag            string `json:"tag"`
	Cwd            string `json:"cwd"`
	Flavor         string `json:"flavor"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// MachineClient is the machine-scoped real-time link: spawn-request
// delivery, session-list reporting, and heartbeat. Structurally similar to
// SessionClient (§4.4): spawn requests and session lists are sealed with the
// legacy variant, heartbeat and RPC registration are sent unencrypted.
type MachineClient struct {
	*Client
	machineID string

	onSpawnRequest func(req SpawnRequest)
}

// NewMachineClient builds the machine-scoped link for machineID.
func NewMachineClient(url, token, machineID string, legacyKey envelope.SecretboxKey, logger *obslog.Logger) *MachineClient {
	router := wireproto.NewRouter()
	mc := &MachineClient{machineID: machineID}
	router.On(EventMachineSpawnRequest, func(env *wireproto.Envelope) error {
		var req SpawnRequest
		if err := mc.openJSON(env.Payload, &req); err != nil {
			return fmt.Errorf("syncclient: decrypt spawn request: %w", err)
		}
		if mc.onSpawnRequest != nil {
			mc.onSpawnRequest(req)
		}
		return nil
	})

	mc.Client = New(url, Auth{Token: token, ClientType: ScopeMachine, ScopeID: machineID, LegacyKey: legacyKey}, router, logger)
	return mc
}

// OnSpawnRequest registers the callback invoked for each inbound spawn request.
func (c *MachineClient) OnSpawnRequest(fn func(req SpawnRequest)) { c.onSpawnRequest = fn }

// ReportSessionList pushes the current set of tracked sessions to the backend.
func (c *MachineClient) ReportSessionList(ctx context.Context, sessions any) error {
	_, err := c.EmitWithAckEncrypted(ctx, uuid.NewString(), EventMachineSessionList, map[string]any{
		"machineId": c.machineID,
		"sessions":  sessions,
	})
	if err != nil {
		return fmt.Errorf("syncclient: report session list: %w", err)
	}
	return nil
}

// Heartbeat pings the link; called on the 60s heartbeat interval.
func (c *MachineClient) Heartbeat() error {
	return c.Emit(EventMachineHeartbeat, map[string]int64{"ts": time.Now().Unix()})
}

// RegisterRPC re-registers this machine's RPC methods on (re)connect.
func (c *MachineClient) RegisterRPC(ctx context.Context, methods []string) error {
	_, err := c.EmitWithAck(ctx, uuid.NewString(), EventMachineRPCRegister, map[string]any{
		"machineId": c.machineID,
		"methods":   methods,
	})
	return err
}
