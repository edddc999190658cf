package agentdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/obslog"
)

// codexRequest/codexResponse/codexNotification mirror Codex's JSON-RPC
// variant: no "jsonrpc":"2.0" header, otherwise shaped like standard
// JSON-RPC 2.0. Grounded line-for-line on the teacher's pkg/codex/client.go.
type codexRequest struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type codexResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *codexError     `json:"error,omitempty"`
}

type codexNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type codexError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Codex method/notification names this transport uses.
const (
	codexMethodThreadStart   = "thread/start"
	codexMethodThreadResume  = "thread/resume"
	codexMethodTurnStart     = "turn/start"
	codexMethodConfigRead    = "config/read"

	codexNotifyTurnStarted        = "turn/started"
	codexNotifyTurnCompleted      = "turn/completed"
	codexNotifyTurnAborted        = "turn/aborted"
	codexNotifyTurnDiffUpdated    = "turn/diff/updated"
	codexNotifyAgentMessageDelta  = "item/agentMessage/delta"
	codexNotifyReasoningDelta     = "item/reasoning/textDelta"
	codexNotifyExecBegin          = "item/commandExecution/started"
	codexNotifyExecOutputDelta    = "item/commandExecution/outputDelta"
	codexNotifyExecCompleted      = "item/commandExecution/completed"
	codexNotifyExecApproval       = "item/commandExecution/requestApproval"
	codexNotifyPatchBegin         = "item/fileChange/started"
	codexNotifyPatchCompleted     = "item/fileChange/completed"
	codexNotifyPatchApproval      = "item/fileChange/requestApproval"
	codexNotifyTokenCount         = "turn/tokenCount"
)

// CodexTransport drives a Codex app-server subprocess: JSON-RPC over its
// stdin/stdout, thread/turn session model, elicitation routed through the
// item/commandExecution/requestApproval and item/fileChange/requestApproval
// exec/patch approval requests (§6.3).
type CodexTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	logger *obslog.Logger

	reqID   atomic.Int64
	pending sync.Map // id (int64) -> chan *codexResponse

	writeMu sync.Mutex

	events chan Event

	elicitMu sync.Mutex
	elicit   ElicitationHandler

	threadMu sync.Mutex
	threadID string
	turnID   string

	version string

	// proposedAmendment caches the last proposed_execpolicy_amendment
	// notification so an exec-approval elicitation can attach it (§6.3).
	amendMu           sync.Mutex
	proposedAmendment []string

	binary string
	args   []string
}

// NewCodexTransport builds a transport that will exec binary (args...) on Connect.
func NewCodexTransport(binary string, args []string, logger *obslog.Logger) *CodexTransport {
	return &CodexTransport{
		binary: binary,
		args:   args,
		logger: logger.With(zap.String("component", "codex-transport")),
		events: make(chan Event, 64),
	}
}

func (t *CodexTransport) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.binary, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agentdriver: codex stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agentdriver: codex stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agentdriver: start codex subprocess: %w", err)
	}

	t.cmd, t.stdin, t.stdout = cmd, stdin, stdout
	go t.readLoop()

	// Cache the agent's version once at connect time (§9); best-effort,
	// a probe failure never blocks the session from starting.
	if out, err := exec.CommandContext(ctx, t.binary, "--version").Output(); err == nil {
		t.version = trimVersion(string(out))
	}
	return nil
}

func (t *CodexTransport) Disconnect() error {
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	close(t.events)
	return nil
}

func (t *CodexTransport) Events() <-chan Event { return t.events }

func (t *CodexTransport) SetElicitationHandler(h ElicitationHandler) {
	t.elicitMu.Lock()
	t.elicit = h
	t.elicitMu.Unlock()
}

func (t *CodexTransport) Version() string { return t.version }

func (t *CodexTransport) StartSession(ctx context.Context, cfg StartConfig) error {
	method := codexMethodThreadStart
	params := map[string]any{
		"cwd":            cfg.Cwd,
		"approvalPolicy": string(cfg.ApprovalPolicy),
		"sandboxPolicy":  map[string]any{"type": sandboxPolicyType(cfg.Sandbox)},
	}
	if cfg.Model != "" {
		params["model"] = cfg.Model
	}
	if cfg.ResumePath != "" {
		method = codexMethodThreadResume
		params = map[string]any{"threadId": cfg.ResumePath}
	}

	resp, err := t.call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("agentdriver: codex %s: %w", method, err)
	}
	var result struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("agentdriver: decode %s result: %w", method, err)
	}

	t.threadMu.Lock()
	t.threadID = result.Thread.ID
	t.threadMu.Unlock()

	return t.ContinueSession(ctx, cfg.Prompt)
}

func (t *CodexTransport) ContinueSession(ctx context.Context, prompt string) error {
	t.threadMu.Lock()
	threadID := t.threadID
	t.threadMu.Unlock()

	params := map[string]any{
		"threadId": threadID,
		"input":    []map[string]string{{"type": "text", "text": prompt}},
	}
	_, err := t.call(ctx, codexMethodTurnStart, params)
	if err != nil {
		return fmt.Errorf("agentdriver: codex turn/start: %w", err)
	}
	return nil
}

func sandboxPolicyType(s Sandbox) string {
	switch s {
	case SandboxReadOnly:
		return "readOnly"
	case SandboxDangerFullAccess:
		return "dangerFullAccess"
	default:
		return "workspaceWrite"
	}
}

func (t *CodexTransport) call(ctx context.Context, method string, params any) (*codexResponse, error) {
	id := t.reqID.Add(1)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	respCh := make(chan *codexResponse, 1)
	t.pending.Store(id, respCh)
	defer t.pending.Delete(id)

	if err := t.send(codexRequest{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("codex error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (t *CodexTransport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agentdriver: marshal codex message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

func (t *CodexTransport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *codexError     `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			t.logger.Warn("agentdriver: malformed codex line, skipping", zap.Error(err))
			continue
		}

		switch {
		case probe.Method != "" && probe.ID != nil:
			t.handleServerRequest(probe.ID, probe.Method, probe.Params)
		case probe.Method != "":
			t.handleNotification(probe.Method, probe.Params)
		case probe.ID != nil:
			t.handleResponse(probe.ID, &codexResponse{ID: probe.ID, Result: probe.Result, Error: probe.Error})
		}
	}
}

func (t *CodexTransport) handleResponse(rawID any, resp *codexResponse) {
	id := normalizeCodexID(rawID)
	if ch, ok := t.pending.Load(id); ok {
		ch.(chan *codexResponse) <- resp
	}
}

func normalizeCodexID(id any) any {
	if f, ok := id.(float64); ok {
		return int64(f)
	}
	return id
}

// handleServerRequest answers an item/*/requestApproval exec/patch approval request by
// routing it through the elicitation handler, then replying with the
// version-gated shape (§6.3/§9).
func (t *CodexTransport) handleServerRequest(id any, method string, params json.RawMessage) {
	t.elicitMu.Lock()
	handler := t.elicit
	t.elicitMu.Unlock()

	req, err := t.normalizeElicitation(method, params)
	if err != nil || handler == nil {
		_ = t.send(codexResponse{ID: id, Error: &codexError{Code: -32601, Message: "no elicitation handler"}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout*4)
	defer cancel()
	decision, err := handler(ctx, req)
	if err != nil {
		_ = t.send(codexResponse{ID: id, Error: &codexError{Code: -32603, Message: err.Error()}})
		return
	}

	result := EncodeElicitationResponse(t.version, decision)
	_ = t.send(codexResponse{ID: id, Result: mustMarshal(result)})
}

func (t *CodexTransport) normalizeElicitation(method string, params json.RawMessage) (ElicitationRequest, error) {
	switch method {
	case codexNotifyExecApproval:
		var p struct {
			ItemID  string   `json:"itemId"`
			Command []string `json:"command"`
			Cwd     string   `json:"cwd"`
			Reason  string   `json:"reasoning"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return ElicitationRequest{}, err
		}
		t.amendMu.Lock()
		amend := t.proposedAmendment
		t.amendMu.Unlock()
		return ElicitationRequest{
			Kind:    ElicitationExecApproval,
			CallID:  p.ItemID,
			Command: p.Command,
			Cwd:     p.Cwd,
			Reason:  p.Reason,
			Amendment: amend,
		}, nil
	case codexNotifyPatchApproval:
		var p struct {
			ItemID  string         `json:"itemId"`
			Reason  string         `json:"reasoning"`
			Changes map[string]any `json:"changes"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return ElicitationRequest{}, err
		}
		return ElicitationRequest{
			Kind:    ElicitationPatchApproval,
			CallID:  p.ItemID,
			Reason:  p.Reason,
			Changes: p.Changes,
		}, nil
	default:
		return ElicitationRequest{}, fmt.Errorf("agentdriver: unknown elicitation method %q", method)
	}
}

func (t *CodexTransport) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codexNotifyAgentMessageDelta:
		var p struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventAgentMessage, ItemID: p.ItemID, Text: p.Delta})
	case codexNotifyReasoningDelta:
		var p struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventReasoningDelta, ItemID: p.ItemID, Text: p.Delta})
	case codexNotifyExecBegin:
		var p struct {
			ItemID  string   `json:"itemId"`
			Command []string `json:"command"`
			Cwd     string   `json:"cwd"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventExecBegin, ItemID: p.ItemID, Command: p.Command, Cwd: p.Cwd})
	case codexNotifyExecCompleted:
		var p struct {
			ItemID   string `json:"itemId"`
			ExitCode *int   `json:"exitCode"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventExecEnd, ItemID: p.ItemID, ExitCode: p.ExitCode})
	case codexNotifyExecApproval:
		var p struct {
			ItemID  string   `json:"itemId"`
			Command []string `json:"command"`
			Cwd     string   `json:"cwd"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventExecApproval, ItemID: p.ItemID, Approval: &ExecApproval{CallID: p.ItemID, Command: p.Command, Cwd: p.Cwd}})
	case codexNotifyPatchBegin:
		var p struct {
			ItemID string `json:"itemId"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventPatchApplyBegin, ItemID: p.ItemID})
	case codexNotifyPatchCompleted:
		var p struct {
			ItemID string `json:"itemId"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventPatchApplyEnd, ItemID: p.ItemID})
	case codexNotifyTurnDiffUpdated:
		var p struct {
			Diff string `json:"diff"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventTurnDiff, Diff: p.Diff})
	case codexNotifyTokenCount:
		var p struct {
			Total int64 `json:"total"`
			Input int64 `json:"input"`
			Output int64 `json:"output"`
			CacheCreation int64 `json:"cacheCreation"`
			CacheRead int64 `json:"cacheRead"`
		}
		_ = json.Unmarshal(params, &p)
		t.emit(Event{Kind: EventTokenCount, Usage: &TokenUsage{Total: p.Total, Input: p.Input, Output: p.Output, CacheCreation: p.CacheCreation, CacheRead: p.CacheRead}})
	case codexNotifyTurnStarted:
		t.emit(Event{Kind: EventTaskStarted})
	case codexNotifyTurnCompleted:
		t.emit(Event{Kind: EventTaskComplete})
	case codexNotifyTurnAborted:
		t.emit(Event{Kind: EventTurnAborted})
	case "turn/execpolicy/amendmentProposed":
		var p struct {
			Amendment []string `json:"proposedExecpolicyAmendment"`
		}
		_ = json.Unmarshal(params, &p)
		t.amendMu.Lock()
		t.proposedAmendment = p.Amendment
		t.amendMu.Unlock()
	default:
		t.logger.Debug("agentdriver: unhandled codex notification", zap.String("method", method))
	}
}

func (t *CodexTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("agentdriver: event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func trimVersion(s string) string {
	for i, r := range s {
		if r == '\n' || r == '\r' {
			return s[:i]
		}
	}
	return s
}
