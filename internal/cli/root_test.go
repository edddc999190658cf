package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
)

func TestResolveDirectoryExplicit(t *testing.T) {
	dir, err := resolveDirectory("/tmp/some/explicit/path")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/some/explicit/path", dir)
}

func TestResolveDirectoryDefaultsToCwd(t *testing.T) {
	want, err := os.Getwd()
	require.NoError(t, err)

	got, err := resolveDirectory("")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAgentBinaryForDefaults(t *testing.T) {
	t.Setenv("HAPPY_CLAUDE_BINARY", "")
	t.Setenv("HAPPY_CODEX_BINARY", "")

	assert.Equal(t, "claude", agentBinaryFor(model.FlavorClaudeCode))
	assert.Equal(t, "codex", agentBinaryFor(model.FlavorCodex))
}

func TestAgentBinaryForEnvOverride(t *testing.T) {
	t.Setenv("HAPPY_CLAUDE_BINARY", "/opt/bin/claude-custom")
	t.Setenv("HAPPY_CODEX_BINARY", "/opt/bin/codex-custom")

	assert.Equal(t, "/opt/bin/claude-custom", agentBinaryFor(model.FlavorClaudeCode))
	assert.Equal(t, "/opt/bin/codex-custom", agentBinaryFor(model.FlavorCodex))
}

func TestRootCommandTreeShape(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "codex", "daemon", "doctor"} {
		assert.True(t, names[want], "expected rootCmd to register a %q subcommand", want)
	}
}

func TestDaemonCommandTreeShape(t *testing.T) {
	for _, c := range rootCmd.Commands() {
		if c.Name() != "daemon" {
			continue
		}
		sub := map[string]bool{}
		for _, s := range c.Commands() {
			sub[s.Name()] = true
		}
		for _, want := range []string{"start", "stop", "start-sync"} {
			assert.True(t, sub[want], "expected daemon command to register a %q subcommand", want)
		}
		return
	}
	t.Fatal("daemon subcommand not found on rootCmd")
}

func TestCodexResumeIsANestedSubcommand(t *testing.T) {
	for _, c := range rootCmd.Commands() {
		if c.Name() != "codex" {
			continue
		}
		for _, s := range c.Commands() {
			if s.Name() == "resume" {
				return
			}
		}
		t.Fatal("codex command has no resume subcommand")
	}
	t.Fatal("codex subcommand not found on rootCmd")
}
