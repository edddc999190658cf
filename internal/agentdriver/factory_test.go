package agentdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
)

func TestNewPicksTransportByFlavor(t *testing.T) {
	logger := obslog.Default()

	codex, err := New(model.FlavorCodex, "codex", nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &CodexTransport{}, codex)

	claude, err := New(model.FlavorClaudeCode, "claude", nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &ClaudeTransport{}, claude)
}

func TestNewRejectsUnknownFlavor(t *testing.T) {
	_, err := New(model.AgentFlavor("unknown"), "bin", nil, obslog.Default())
	assert.Error(t, err)
}
