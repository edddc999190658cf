package rollout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRolloutFile(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestListResumableFiltersByCwdAndRequiresUserMessage(t *testing.T) {
	dir := t.TempDir()

	writeRolloutFile(t, dir, "match.jsonl",
		`{"type":"session_meta","payload":{"id":"s1","cwd":"/work","timestamp":"2026-01-01T00:00:00Z"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","data":{"message":"fix the bug"}}}`,
	)
	writeRolloutFile(t, dir, "other-cwd.jsonl",
		`{"type":"session_meta","payload":{"id":"s2","cwd":"/elsewhere","timestamp":"2026-01-01T00:00:00Z"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","data":{"message":"hi"}}}`,
	)
	writeRolloutFile(t, dir, "no-user-message.jsonl",
		`{"type":"session_meta","payload":{"id":"s3","cwd":"/work","timestamp":"2026-01-01T00:00:00Z"}}`,
	)

	entries, err := ListResumable(dir, "/work", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "fix the bug", entries[0].Preview)
}

func TestListResumableAllowAllIgnoresCwd(t *testing.T) {
	dir := t.TempDir()
	writeRolloutFile(t, dir, "a.jsonl",
		`{"type":"session_meta","payload":{"id":"s1","cwd":"/somewhere","timestamp":"2026-01-01T00:00:00Z"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","data":{"message":"go"}}}`,
	)

	entries, err := ListResumable(dir, "/unrelated", true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestListResumableSkipsBootstrapPreview(t *testing.T) {
	dir := t.TempDir()
	writeRolloutFile(t, dir, "a.jsonl",
		`{"type":"session_meta","payload":{"id":"s1","cwd":"/work","timestamp":"2026-01-01T00:00:00Z"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","data":{"message":"<environment_context>stuff</environment_context>"}}}`,
		`{"type":"event_msg","payload":{"type":"user_message","data":{"message":"real question"}}}`,
	)

	entries, err := ListResumable(dir, "/work", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "real question", entries[0].Preview)
}

func TestSanitizePreviewStripsControlChars(t *testing.T) {
	got := sanitizePreview("hello\x1b[31mworld\x1b[0m")
	assert.Equal(t, "helloworld", got)
}
