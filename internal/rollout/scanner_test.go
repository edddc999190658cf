package rollout

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/obslog"
)

func writeLine(t *testing.T, f *os.File, line string) {
	t.Helper()
	_, err := f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Sync())
}

func TestScannerTracksByAllowAllAndForwardsMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var forwarded []CanonicalMessage
	s := NewScanner(dir, "/wherever", "", true, func(msg CanonicalMessage) error {
		forwarded = append(forwarded, msg)
		return nil
	}, obslog.Default())
	require.NoError(t, s.Start())
	defer s.Stop()

	writeLine(t, f, `{"type":"session_meta","payload":{"id":"s1","cwd":"/elsewhere"}}`)
	writeLine(t, f, `{"type":"response_item","payload":{"type":"message","content":[{"type":"text","text":"hi"}]}}`)

	assert.Eventually(t, func() bool { return len(forwarded) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hi", forwarded[0].Text)
}

func TestScannerSkipsUntrackedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var forwarded []CanonicalMessage
	s := NewScanner(dir, "/mine", "", false, func(msg CanonicalMessage) error {
		forwarded = append(forwarded, msg)
		return nil
	}, obslog.Default())
	require.NoError(t, s.Start())
	defer s.Stop()

	writeLine(t, f, `{"type":"session_meta","payload":{"id":"s1","cwd":"/not-mine"}}`)
	writeLine(t, f, `{"type":"response_item","payload":{"type":"message","content":[{"type":"text","text":"hi"}]}}`)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, forwarded)
}

func TestScannerTracksByResumeID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var forwarded []CanonicalMessage
	s := NewScanner(dir, "/mine", "target-id", false, func(msg CanonicalMessage) error {
		forwarded = append(forwarded, msg)
		return nil
	}, obslog.Default())
	require.NoError(t, s.Start())
	defer s.Stop()

	writeLine(t, f, `{"type":"session_meta","payload":{"id":"target-id","cwd":"/not-mine"}}`)
	writeLine(t, f, `{"type":"event_msg","payload":{"type":"token_count","data":{"total":5}}}`)

	assert.Eventually(t, func() bool { return len(forwarded) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "token_count", forwarded[0].Type)
}

func TestScannerIgnoresMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var forwarded []CanonicalMessage
	s := NewScanner(dir, "/x", "", true, func(msg CanonicalMessage) error {
		forwarded = append(forwarded, msg)
		return nil
	}, obslog.Default())
	require.NoError(t, s.Start())
	defer s.Stop()

	writeLine(t, f, `not json at all`)
	writeLine(t, f, `{"type":"session_meta","payload":{"id":"s1","cwd":"/x"}}`)
	writeLine(t, f, fmt.Sprintf(`{"type":"response_item","payload":{"type":"message","content":[{"type":"text","text":%q}]}}`, "ok"))

	assert.Eventually(t, func() bool { return len(forwarded) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", forwarded[0].Text)
}
