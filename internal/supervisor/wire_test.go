package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
)

func TestDecodeInboundMessagePlainText(t *testing.T) {
	msg, err := decodeInboundMessage([]byte(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Empty(t, msg.PermissionMode)
	assert.Empty(t, msg.Model)
}

func TestDecodeInboundMessageWithOverrides(t *testing.T) {
	msg, err := decodeInboundMessage([]byte(`{"text":"do it","permissionMode":"yolo","model":"o3"}`))
	require.NoError(t, err)
	assert.Equal(t, "do it", msg.Text)
	assert.Equal(t, model.PermissionYolo, msg.PermissionMode)
	assert.Equal(t, "o3", msg.Model)
}

func TestDecodeInboundMessageMalformedFails(t *testing.T) {
	_, err := decodeInboundMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewEventMergesFields(t *testing.T) {
	ev := newEvent("message", map[string]any{"text": "hi", "role": "system"})
	assert.Equal(t, "message", ev["type"])
	assert.Equal(t, "hi", ev["text"])
	assert.Equal(t, "system", ev["role"])
}

func TestNewEventWithNoFields(t *testing.T) {
	ev := newEvent("ready", nil)
	assert.Equal(t, sessionEvent{"type": "ready"}, ev)
}
