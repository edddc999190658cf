package rollout

import "encoding/json"

// Record kinds found in a Codex rollout JSONL file (§4.9 step 4).
const (
	RecordSessionMeta  = "session_meta"
	RecordResponseItem = "response_item"
	RecordEventMsg     = "event_msg"
)

// rawRecord is the outer envelope every rollout line decodes into before
// its Type selects how Payload is interpreted.
type rawRecord struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionMeta establishes a rollout file's session identity.
type SessionMeta struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
	Git       struct {
		Branch string `json:"branch"`
	} `json:"git"`
}

// ResponseItem is a single turn artifact: an assistant message, a tool
// call, or a tool call's output. Fields beyond Type are a union; only the
// ones relevant to the item's Type are populated.
type ResponseItem struct {
	Type string `json:"type"`

	// assistant message
	Content []ResponseContentBlock `json:"content,omitempty"`

	// function_call / custom_tool_call / local_shell_call
	CallID string          `json:"call_id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"arguments,omitempty"`

	// function_call_output / custom_tool_call_output
	Output string `json:"output,omitempty"`

	// web_search_call
	Query string `json:"query,omitempty"`
}

type ResponseContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// EventMsg is a scanner-relevant sideband event, currently only
// token_count is forwarded verbatim per §4.9 step 4.
type EventMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// parseLine decodes one JSONL line into its typed record, or returns
// ok=false for a line that doesn't parse as a rollout record — the
// scanner skips these silently per §4.9 step 3.
func parseLine(line []byte) (kind string, sessionMeta *SessionMeta, item *ResponseItem, event *EventMsg, ok bool) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", nil, nil, nil, false
	}
	switch raw.Type {
	case RecordSessionMeta:
		var sm SessionMeta
		if err := json.Unmarshal(raw.Payload, &sm); err != nil {
			return "", nil, nil, nil, false
		}
		return raw.Type, &sm, nil, nil, true
	case RecordResponseItem:
		var it ResponseItem
		if err := json.Unmarshal(raw.Payload, &it); err != nil {
			return "", nil, nil, nil, false
		}
		return raw.Type, nil, &it, nil, true
	case RecordEventMsg:
		var ev EventMsg
		if err := json.Unmarshal(raw.Payload, &ev); err != nil {
			return "", nil, nil, nil, false
		}
		return raw.Type, nil, nil, &ev, true
	default:
		return "", nil, nil, nil, false
	}
}
