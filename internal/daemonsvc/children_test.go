package daemonsvc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
)

func TestRegisterSpawnedResolvesOnWebhook(t *testing.T) {
	c := newChildren()
	await := c.registerSpawned(4242, "remote-started-by-daemon", "/tmp/work", model.FlavorCodex, false)

	done := make(chan model.ProcessRecord, 1)
	go func() { done <- await() }()

	time.Sleep(10 * time.Millisecond)
	matched := c.resolveWebhook(4242, "s9", map[string]any{"cwd": "/tmp/work"})
	require.True(t, matched)

	select {
	case rec := <-done:
		assert.Equal(t, "s9", rec.SessionID)
	case <-time.After(time.Second):
		t.Fatal("await never resolved")
	}
}

func TestRegisterSpawnedLeavesAwaiterPending(t *testing.T) {
	c := newChildren()
	// the 10s webhook timeout can't be shortened from a test, so only
	// assert that registerSpawned leaves an awaiting entry for the pid.
	await := c.registerSpawned(4243, "remote-started-by-daemon", "/tmp/work", model.FlavorCodex, false)
	_ = await

	c.mu.Lock()
	_, stillAwaiting := c.awaiting[4243]
	c.mu.Unlock()
	assert.True(t, stillAwaiting)
}

func TestResolveWebhookRegistersExternalSession(t *testing.T) {
	c := newChildren()
	matched := c.resolveWebhook(os.Getpid(), "ext-1", map[string]any{"cwd": "/tmp/ext"})
	assert.False(t, matched)

	list := c.list()
	require.Len(t, list, 1)
	assert.Equal(t, "ext-1", list[0].SessionID)
	assert.Equal(t, "/tmp/ext", list[0].Cwd)
}

func TestFindBySessionIDFallsBackToPIDForm(t *testing.T) {
	c := newChildren()
	c.resolveWebhook(555, "", nil)

	pid, ok := c.findBySessionID("PID-555")
	require.True(t, ok)
	assert.Equal(t, 555, pid)
}

func TestPruneDeadRemovesDeadPID(t *testing.T) {
	c := newChildren()
	c.resolveWebhook(999999, "dead-session", nil)
	require.Len(t, c.list(), 1)

	c.pruneDead()
	assert.Empty(t, c.list())
}

func TestListAndRemove(t *testing.T) {
	c := newChildren()
	c.resolveWebhook(111, "a", nil)
	c.resolveWebhook(222, "b", nil)
	require.Len(t, c.list(), 2)

	c.remove(111)
	list := c.list()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].SessionID)
}
