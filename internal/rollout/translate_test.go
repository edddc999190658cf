package rollout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateResponseItemMessage(t *testing.T) {
	item := &ResponseItem{Type: "message", Content: []ResponseContentBlock{{Type: "text", Text: "hello"}}}
	msg, ok := translateResponseItem(item)
	assert.True(t, ok)
	assert.Equal(t, CanonicalMessage{Type: msgTypeMessage, Text: "hello"}, msg)
}

func TestTranslateResponseItemEmptyMessageSkipped(t *testing.T) {
	item := &ResponseItem{Type: "message"}
	_, ok := translateResponseItem(item)
	assert.False(t, ok)
}

func TestTranslateResponseItemFunctionCall(t *testing.T) {
	item := &ResponseItem{Type: "function_call", CallID: "c1", Name: "bash", Args: []byte(`{"cmd":"ls"}`)}
	msg, ok := translateResponseItem(item)
	assert.True(t, ok)
	assert.Equal(t, msgTypeToolCall, msg.Type)
	assert.Equal(t, "c1", msg.CallID)
	assert.Equal(t, "bash", msg.Tool)
	assert.Equal(t, map[string]any{"cmd": "ls"}, msg.Args)
}

func TestTranslateResponseItemFunctionCallOutput(t *testing.T) {
	item := &ResponseItem{Type: "function_call_output", CallID: "c1", Output: "done"}
	msg, ok := translateResponseItem(item)
	assert.True(t, ok)
	assert.Equal(t, msgTypeToolCallResult, msg.Type)
	assert.Equal(t, "done", msg.Output)
}

func TestTranslateResponseItemUnknownSkipped(t *testing.T) {
	_, ok := translateResponseItem(&ResponseItem{Type: "reasoning"})
	assert.False(t, ok)
}
