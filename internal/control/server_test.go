package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
)

type fakeOps struct {
	sessions []model.ProcessRecord
	started  bool
	stopped  bool
	shutdown bool
}

func (f *fakeOps) SessionStarted(hostPID int, sessionID string, metadata map[string]any) bool {
	f.started = true
	return true
}

func (f *fakeOps) ListSessions() []model.ProcessRecord { return f.sessions }

func (f *fakeOps) SpawnSession(ctx context.Context, directory, sessionID string) (model.ProcessRecord, error) {
	rec := model.ProcessRecord{TrackedSession: model.TrackedSession{Cwd: directory, SessionID: sessionID}}
	f.sessions = append(f.sessions, rec)
	return rec, nil
}

func (f *fakeOps) StopSession(ctx context.Context, sessionID string) bool {
	f.stopped = sessionID != ""
	return f.stopped
}

func (f *fakeOps) Shutdown() { f.shutdown = true }

func startTestServer(t *testing.T, ops DaemonOps, token string) (*Client, int, func()) {
	t.Helper()
	srv := NewServer(ops, token, obslog.Default())
	port, err := srv.Listen(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()

	client := NewClient(port, token)
	return client, port, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func TestSessionStartedWebhook(t *testing.T) {
	ops := &fakeOps{}
	client, _, stop := startTestServer(t, ops, "secret")
	defer stop()

	err := client.NotifySessionStarted(context.Background(), "s1", map[string]any{"hostPid": float64(123)})
	require.NoError(t, err)
	assert.True(t, ops.started)
}

func TestListReturnsTrackedSessions(t *testing.T) {
	ops := &fakeOps{sessions: []model.ProcessRecord{{TrackedSession: model.TrackedSession{SessionID: "s1"}}}}
	client, _, stop := startTestServer(t, ops, "secret")
	defer stop()

	list, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].SessionID)
}

func TestSpawnAndStopSession(t *testing.T) {
	ops := &fakeOps{}
	client, _, stop := startTestServer(t, ops, "secret")
	defer stop()

	rec, err := client.SpawnSession(context.Background(), "/tmp/work", "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/work", rec.Cwd)

	require.NoError(t, client.StopSession(context.Background(), "s1"))
	assert.True(t, ops.stopped)
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	ops := &fakeOps{}
	_, port, stop := startTestServer(t, ops, "secret")
	defer stop()

	client := NewClient(port, "wrong-token")
	_, err := client.List(context.Background())
	assert.Error(t, err)
}
