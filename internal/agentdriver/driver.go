// Package agentdriver implements the stdio agent-driver contract (§6.3):
// a small interface the turn loop in internal/supervisor drives, plus two
// concrete transports — Codex's JSON-RPC-without-version protocol and
// Claude Code's stream-json/control-request protocol — normalized to one
// canonical Event stream and one elicitation (tool-approval) callback.
package agentdriver

import (
	"context"
	"time"
)

// EventKind names one of the canonical notification kinds the turn loop
// switches on (§4.6 step 4). The two transports translate their own
// native notifications down to this fixed vocabulary so the supervisor
// never branches on flavor.
type EventKind string

const (
	EventAgentMessage      EventKind = "agent_message"
	EventReasoningDelta    EventKind = "agent_reasoning_delta"
	EventReasoning         EventKind = "agent_reasoning"
	EventExecBegin         EventKind = "exec_command_begin"
	EventExecEnd           EventKind = "exec_command_end"
	EventExecApproval      EventKind = "exec_approval_request"
	EventPatchApplyBegin   EventKind = "patch_apply_begin"
	EventPatchApplyEnd     EventKind = "patch_apply_end"
	EventTurnDiff          EventKind = "turn_diff"
	EventTokenCount        EventKind = "token_count"
	EventTaskStarted       EventKind = "task_started"
	EventTaskComplete      EventKind = "task_complete"
	EventTurnAborted       EventKind = "turn_aborted"
)

// Event is one notification surfaced by a Driver's event stream.
type Event struct {
	Kind      EventKind
	Text      string         // agent_message / reasoning delta text
	ItemID    string         // identifies the exec/patch/message item this event belongs to
	Command   []string       // exec_command_begin/end
	ExitCode  *int           // exec_command_end
	Cwd       string         // exec_command_begin
	Diff      string         // turn_diff
	Usage     *TokenUsage    // token_count
	Approval  *ExecApproval  // exec_approval_request
	RawFields map[string]any // anything flavor-specific worth forwarding verbatim
}

// TokenUsage mirrors the fields sendUsageReport transforms into the wire
// "usage-report" shape (§4.3).
type TokenUsage struct {
	Total           int64
	Input           int64
	Output          int64
	CacheCreation   int64
	CacheRead       int64
}

// ExecApproval is the payload of an exec_approval_request event — a
// command the agent wants to run that its own approval policy routed to
// the elicitation handler instead of auto-approving.
type ExecApproval struct {
	CallID  string
	Command []string
	Cwd     string
}

// ApprovalPolicy and Sandbox are the agent-native parameters a
// PermissionMode maps onto (§4.6's mapping table).
type ApprovalPolicy string
type Sandbox string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalNever     ApprovalPolicy = "never"
	ApprovalOnFailure ApprovalPolicy = "on-failure"

	SandboxWorkspaceWrite   Sandbox = "workspace-write"
	SandboxReadOnly         Sandbox = "read-only"
	SandboxDangerFullAccess Sandbox = "danger-full-access"
)

// PermissionModeParams is one row of the §4.6 approval-policy/sandbox table.
type PermissionModeParams struct {
	Approval ApprovalPolicy
	Sandbox  Sandbox
}

// ModeParams is the full permissionMode → (approval-policy, sandbox) table.
var ModeParams = map[string]PermissionModeParams{
	"default":   {ApprovalUntrusted, SandboxWorkspaceWrite},
	"read-only": {ApprovalNever, SandboxReadOnly},
	"safe-yolo": {ApprovalOnFailure, SandboxWorkspaceWrite},
	"yolo":      {ApprovalOnFailure, SandboxDangerFullAccess},
}

// StartConfig builds a new agent session (§6.3 startSession params).
type StartConfig struct {
	Prompt         string
	Sandbox        Sandbox
	ApprovalPolicy ApprovalPolicy
	McpServers     map[string]McpServerSpec
	Cwd            string
	Model          string
	ResumePath     string
}

// McpServerSpec names an MCP server the agent subprocess should connect
// to, passed through verbatim from session config. Tool-call approval
// itself does not go through an MCP server in this repo: both transports
// expose it natively (Claude's can_use_tool control request, Codex's
// exec-approval notification) via SetElicitationHandler, which the
// supervisor wires straight to the permission broker.
type McpServerSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ElicitationKind distinguishes the two approval shapes §6.3 documents.
type ElicitationKind string

const (
	ElicitationExecApproval   ElicitationKind = "exec-approval"
	ElicitationPatchApproval  ElicitationKind = "patch-approval"
)

// ElicitationRequest is the normalized form of an approval request (§6.3),
// common to both transports: Codex's item/commandExecution/requestApproval
// and item/fileChange/requestApproval params, Claude's can_use_tool
// control request.
type ElicitationRequest struct {
	Kind       ElicitationKind
	CallID     string
	ToolCallID string
	EventID    string
	Command    []string
	Cwd        string
	Reason     string
	Changes    map[string]any
	Amendment  []string // proposed_execpolicy_amendment, cached from a prior notification
}

// ElicitationDecision is the handler's verdict, fed back through the
// transport's version-gated response encoder.
type ElicitationDecision struct {
	Decision  string // one of model.PermissionDecision's values
	Amendment []string
}

// ElicitationHandler answers one ElicitationRequest; normally wired straight
// into internal/permission.Broker.Request by the supervisor.
type ElicitationHandler func(ctx context.Context, req ElicitationRequest) (ElicitationDecision, error)

// Driver is the stdio agent-driver contract (§6.3).
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error

	StartSession(ctx context.Context, cfg StartConfig) error
	ContinueSession(ctx context.Context, prompt string) error

	// Events returns the channel of normalized notifications; closed on
	// Disconnect or when the underlying transport's read loop ends.
	Events() <-chan Event

	SetElicitationHandler(h ElicitationHandler)

	// Version returns the agent's cached --version output, queried once
	// at Connect time, used to select the elicitation response style (§9).
	Version() string
}

// callTimeout bounds individual request/response round trips to the
// agent subprocess (startSession, continueSession) —
// distinct from the permission broker's own, much longer, timeout.
const callTimeout = 30 * time.Second
