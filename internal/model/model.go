// Package model holds the plain data structures shared by the daemon,
// the session supervisor, and the backend sync clients.
package model

import (
	"encoding/json"
	"time"
)

// AgentFlavor identifies which coding-agent implementation a session drives.
type AgentFlavor string

const (
	FlavorClaudeCode AgentFlavor = "claude-code"
	FlavorCodex      AgentFlavor = "codex"
)

// PermissionMode controls how much autonomy the agent is granted for a
// turn; it maps onto an agent-driver approval-policy/sandbox pair (§4.6's
// mapping table, internal/agentdriver.ModeParams).
type PermissionMode string

const (
	PermissionDefault  PermissionMode = "default"
	PermissionReadOnly PermissionMode = "read-only"
	PermissionSafeYolo PermissionMode = "safe-yolo"
	PermissionYolo     PermissionMode = "yolo"
)

// SessionMode distinguishes a session attached to the operator's own
// terminal from one being driven remotely through the sync protocol.
type SessionMode string

const (
	ModeLocal  SessionMode = "local"
	ModeRemote SessionMode = "remote"
)

// Credentials is the content of credentials.json: the backend auth token
// and the local keypair used to open the encrypted sync links.
type Credentials struct {
	Token      string `json:"token"`
	SecretKey  string `json:"secretKey"`  // base64, nacl box private key
	PublicKey  string `json:"publicKey"`  // base64, nacl box public key
	DataKeyB64 string `json:"dataKey"`    // base64, legacy-era shared secretbox key
}

// Machine is the registration record for this workstation, persisted
// locally and mirrored to the backend's machine-scoped sync link. Field
// set matches §3's entity definition verbatim: id/metadata/metadataVersion
// are the last-writer-wins patch pair, daemonState/daemonStateVersion the
// same for daemon-owned state, encryptionKey/encryptionVariant the
// per-entity content-key fields (nothing populates them; the machine sync
// link seals payloads with the credentials' legacy key).
type Machine struct {
	ID                string          `json:"id"`
	Host              string          `json:"host"`
	Platform          string          `json:"platform"`
	Version           string          `json:"version"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	MetadataVer       int             `json:"metadataVersion"`
	DaemonState       json.RawMessage `json:"daemonState,omitempty"`
	DaemonStateVer    int             `json:"daemonStateVersion"`
	EncryptionKey     string          `json:"encryptionKey,omitempty"`
	EncryptionVariant string          `json:"encryptionVariant,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Session is the backend-visible record of one spawned agent conversation.
type Session struct {
	ID                string          `json:"id"`
	Tag               string          `json:"tag"`
	MachineID         string          `json:"machineId"`
	Flavor            AgentFlavor     `json:"flavor"`
	Cwd               string          `json:"cwd"`
	PermissionMode    PermissionMode  `json:"permissionMode"`
	Mode              SessionMode     `json:"mode"`
	Active            bool            `json:"active"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	MetadataVer       int             `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState,omitempty"`
	AgentStateVer     int             `json:"agentStateVersion"`
	EncryptionKey     string          `json:"encryptionKey,omitempty"`
	EncryptionVariant string          `json:"encryptionVariant,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// TrackedSession is the daemon-local bookkeeping record for a spawned
// session's child process, independent of what the backend knows.
type TrackedSession struct {
	SessionID string      `json:"sessionId"`
	Tag       string      `json:"tag"`
	PID       int         `json:"pid"`
	Cwd       string      `json:"cwd"`
	Flavor    AgentFlavor `json:"flavor"`
	StartedBy string      `json:"startedBy"` // "daemon" or "external"
	StartedAt time.Time   `json:"startedAt"`
}

// ProcessRecord extends TrackedSession with spawn-failure diagnostics
// surfaced through the local control surface's list endpoint.
type ProcessRecord struct {
	TrackedSession
	DirectoryCreated bool   `json:"directoryCreated"`
	LastError        string `json:"lastError,omitempty"`
}

// CodexSessionMapEntry backs codex-session-map.json, giving resumed Codex
// threads a stable Session identity across daemon restarts.
type CodexSessionMapEntry struct {
	CodexSessionID string    `json:"codexSessionId"`
	Tag            string    `json:"tag"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PermissionDecision is the operator's answer to a tool-approval request.
type PermissionDecision string

const (
	DecisionApproved             PermissionDecision = "approved"
	DecisionApprovedForSession   PermissionDecision = "approved_for_session"
	DecisionApprovedWithAmend    PermissionDecision = "approved_with_amendment"
	DecisionDenied               PermissionDecision = "denied"
	DecisionAbort                PermissionDecision = "abort"
)

// PermissionRequest is a pending tool-approval round trip held by the broker.
type PermissionRequest struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	ToolName   string          `json:"toolName"`
	ToolInput  map[string]any  `json:"toolInput"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// PermissionResponse answers a PermissionRequest.
type PermissionResponse struct {
	RequestID   string             `json:"requestId"`
	Decision    PermissionDecision `json:"decision"`
	Amendment   map[string]any     `json:"amendment,omitempty"`
}

// CompletedStatus classifies how a PermissionRequest left the live table.
type CompletedStatus string

const (
	CompletedApproved CompletedStatus = "approved"
	CompletedDenied   CompletedStatus = "denied"
	CompletedCanceled CompletedStatus = "canceled"
)

// CompletedPermissionRequest is the wire-visible record a PermissionRequest
// becomes once resolved — moved atomically out of agentState.requests into
// agentState.completedRequests per §3's PermissionRequest invariant.
type CompletedPermissionRequest struct {
	PermissionRequest
	CompletedAt time.Time          `json:"completedAt"`
	Status      CompletedStatus    `json:"status"`
	Decision    PermissionDecision `json:"decision,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// EncryptedEnvelope is the tagged-union wire/at-rest encryption frame.
type EncryptedEnvelope struct {
	Variant string `json:"variant"` // "legacy" or "dataKey"
	Nonce   string `json:"nonce"`   // base64
	Cipher  string `json:"cipher"`  // base64
	WrappedKey string `json:"wrappedKey,omitempty"` // only for "dataKey"
}

// DaemonStateFile is the persisted content of daemon.state.json.
type DaemonStateFile struct {
	PID           int                        `json:"pid"`
	StartedAt     time.Time                  `json:"startedAt"`
	Version       string                     `json:"version"`
	ControlPort   int                        `json:"controlPort"`
	ControlToken  string                     `json:"controlToken"`
	MachineID     string                     `json:"machineId"`
	Sessions      map[string]TrackedSession  `json:"sessions"`
}
