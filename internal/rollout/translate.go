package rollout

import "encoding/json"

// CanonicalMessage is what gets pushed onto the session link — the same
// shape the turn loop (§4.6 step 4) produces for live agent events, so
// the operator's client can render tailed history and live events with
// one code path.
type CanonicalMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	CallID string `json:"callId,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Args   any    `json:"args,omitempty"`
	Output string `json:"output,omitempty"`
	Data   any    `json:"data,omitempty"`
}

const (
	msgTypeMessage         = "message"
	msgTypeToolCall        = "tool-call"
	msgTypeToolCallResult  = "tool-call-result"
)

// translateResponseItem maps a response_item record's Type to zero or one
// canonical messages per §4.9 step 4.
func translateResponseItem(item *ResponseItem) (CanonicalMessage, bool) {
	switch item.Type {
	case "message", "assistant_message":
		text := firstText(item.Content)
		if text == "" {
			return CanonicalMessage{}, false
		}
		return CanonicalMessage{Type: msgTypeMessage, Text: text}, true

	case "function_call", "custom_tool_call", "local_shell_call":
		return CanonicalMessage{Type: msgTypeToolCall, CallID: item.CallID, Tool: item.Name, Args: rawOrNil(item.Args)}, true

	case "function_call_output", "custom_tool_call_output":
		return CanonicalMessage{Type: msgTypeToolCallResult, CallID: item.CallID, Output: item.Output}, true

	case "web_search_call":
		return CanonicalMessage{Type: msgTypeToolCall, CallID: item.CallID, Tool: "web_search", Args: map[string]string{"query": item.Query}}, true

	default:
		return CanonicalMessage{}, false
	}
}

func firstText(blocks []ResponseContentBlock) string {
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "output_text" {
			if b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
