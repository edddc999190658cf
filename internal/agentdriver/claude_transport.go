package agentdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
)

// claudeCLIMessage/claudeControlRequest mirror Claude Code's stream-json
// protocol, grounded on the teacher's pkg/claudecode/types.go (trimmed to
// the fields this transport actually consumes).
type claudeCLIMessage struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	Request   *claudeControlRequest  `json:"request,omitempty"`
	Response  *claudeControlResponse `json:"response,omitempty"`
	Message   *claudeAssistantMsg    `json:"message,omitempty"`
	Result    json.RawMessage        `json:"result,omitempty"`
	Subtype   string                 `json:"subtype,omitempty"`
}

type claudeAssistantMsg struct {
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// claudeControlRequest is a control_request sent *to* us — permission
// prompts (can_use_tool) in this transport's scope.
type claudeControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

type claudeControlResponse struct {
	Subtype string          `json:"subtype"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type claudeControlResponseMessage struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Response  claudeControlResponse `json:"response"`
}

type claudePermissionResult struct {
	Behavior string `json:"behavior"` // "allow" or "deny"
	Message  string `json:"message,omitempty"`
}

type claudeUserMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// ClaudeTransport drives a `claude` CLI subprocess in stream-json mode:
// user messages in, assistant text + can_use_tool control requests out.
// Grounded on the teacher's pkg/claudecode/client.go read loop.
type ClaudeTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	logger *obslog.Logger
	events chan Event

	elicitMu sync.Mutex
	elicit   ElicitationHandler

	writeMu sync.Mutex
	version string

	binary string
	args   []string
}

func NewClaudeTransport(binary string, args []string, logger *obslog.Logger) *ClaudeTransport {
	return &ClaudeTransport{
		binary: binary,
		args:   args,
		logger: logger.With(zap.String("component", "claude-transport")),
		events: make(chan Event, 64),
	}
}

func (t *ClaudeTransport) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.binary, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agentdriver: claude stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agentdriver: claude stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agentdriver: start claude subprocess: %w", err)
	}
	t.cmd, t.stdin, t.stdout = cmd, stdin, stdout
	go t.readLoop()

	if out, err := exec.CommandContext(ctx, t.binary, "--version").Output(); err == nil {
		t.version = trimVersion(string(out))
	}
	return nil
}

func (t *ClaudeTransport) Disconnect() error {
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	close(t.events)
	return nil
}

func (t *ClaudeTransport) Events() <-chan Event { return t.events }

func (t *ClaudeTransport) SetElicitationHandler(h ElicitationHandler) {
	t.elicitMu.Lock()
	t.elicit = h
	t.elicitMu.Unlock()
}

func (t *ClaudeTransport) Version() string { return t.version }

// StartSession for the Claude Code flavor is just the first prompt —
// Claude Code has no separate thread/turn handshake to perform first.
func (t *ClaudeTransport) StartSession(ctx context.Context, cfg StartConfig) error {
	return t.ContinueSession(ctx, cfg.Prompt)
}

func (t *ClaudeTransport) ContinueSession(ctx context.Context, prompt string) error {
	msg := claudeUserMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = prompt
	return t.send(msg)
}

func (t *ClaudeTransport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agentdriver: marshal claude message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

func (t *ClaudeTransport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg claudeCLIMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("agentdriver: malformed claude line, skipping", zap.Error(err))
			continue
		}
		t.handle(&msg)
	}
}

func (t *ClaudeTransport) handle(msg *claudeCLIMessage) {
	switch msg.Type {
	case "control_request":
		if msg.Request != nil && msg.Request.Subtype == "can_use_tool" {
			t.handlePermissionRequest(msg.RequestID, msg.Request)
		}
	case "assistant":
		t.emitAssistant(msg.Message)
	case "result":
		t.emit(Event{Kind: EventTaskComplete})
	}
}

func (t *ClaudeTransport) emitAssistant(m *claudeAssistantMsg) {
	if m == nil {
		return
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil && text != "" {
			t.emit(Event{Kind: EventAgentMessage, Text: text})
		}
		return
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			t.emit(Event{Kind: EventAgentMessage, Text: b.Text})
		case "thinking":
			t.emit(Event{Kind: EventReasoningDelta, Text: b.Thinking})
		case "tool_use":
			t.emit(Event{Kind: EventExecBegin, ItemID: b.ID, Command: []string{b.Name}, RawFields: map[string]any{"input": b.Input}})
		}
	}
}

// handlePermissionRequest routes a can_use_tool control request through
// the elicitation handler and replies with Claude Code's allow/deny shape
// — this flavor has no version-gated response style, only its own fixed
// behavior enum.
func (t *ClaudeTransport) handlePermissionRequest(requestID string, req *claudeControlRequest) {
	t.elicitMu.Lock()
	handler := t.elicit
	t.elicitMu.Unlock()

	reply := func(behavior, message string) {
		resp := claudeControlResponseMessage{
			Type:      "control_response",
			RequestID: requestID,
			Response:  claudeControlResponse{Subtype: "success", Result: mustMarshal(claudePermissionResult{Behavior: behavior, Message: message})},
		}
		_ = t.send(resp)
	}

	if handler == nil {
		reply("deny", "no elicitation handler registered")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout*4)
	defer cancel()

	decision, err := handler(ctx, ElicitationRequest{
		Kind:       ElicitationExecApproval,
		CallID:     uuid.NewString(),
		ToolCallID: req.ToolUseID,
		Command:    []string{req.ToolName},
	})
	if err != nil {
		reply("deny", err.Error())
		return
	}

	switch decision.Decision {
	case string(model.DecisionApproved), string(model.DecisionApprovedForSession), string(model.DecisionApprovedWithAmend):
		reply("allow", "")
	default:
		reply("deny", "denied by operator")
	}
}

func (t *ClaudeTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("agentdriver: event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
