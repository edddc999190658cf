package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/herr"
	"github.com/kandev/happy/internal/model"
)

func TestRequestRespondRoundTrip(t *testing.T) {
	b := NewBroker()

	var notified model.PermissionRequest
	b.OnNotify(func(req model.PermissionRequest) { notified = req })

	done := make(chan model.PermissionResponse, 1)
	go func() {
		resp, err := b.Request(context.Background(), model.PermissionRequest{ID: "r1", ToolName: "bash"})
		require.NoError(t, err)
		done <- resp
	}()

	assert.Eventually(t, func() bool { return notified.ID == "r1" }, time.Second, time.Millisecond)

	err := b.Respond(model.PermissionResponse{RequestID: "r1", Decision: model.DecisionApproved})
	require.NoError(t, err)

	resp := <-done
	assert.Equal(t, model.DecisionApproved, resp.Decision)

	assert.Empty(t, b.Pending())
	completed := b.CompletedRequests()
	require.Contains(t, completed, "r1")
	assert.Equal(t, model.CompletedApproved, completed["r1"].Status)
}

func TestRespondMismatchLeavesOtherPending(t *testing.T) {
	b := NewBroker()
	done := make(chan struct{})
	go func() {
		_, _ = b.Request(context.Background(), model.PermissionRequest{ID: "x"})
		close(done)
	}()
	assert.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, time.Millisecond)

	err := b.Respond(model.PermissionResponse{RequestID: "y", Decision: model.DecisionApproved})
	assert.ErrorIs(t, err, herr.NotFound)

	assert.Len(t, b.Pending(), 1)
	assert.Equal(t, "x", b.Pending()[0].ID)

	require.NoError(t, b.Respond(model.PermissionResponse{RequestID: "x", Decision: model.DecisionDenied}))
	<-done
}

func TestRequestTimesOutWhenUnanswered(t *testing.T) {
	b := NewBroker()
	b.timeout = 10 * time.Millisecond

	resp, err := b.Request(context.Background(), model.PermissionRequest{ID: "r2"})
	assert.ErrorIs(t, err, herr.Timeout)
	assert.Equal(t, model.DecisionAbort, resp.Decision)

	completed := b.CompletedRequests()
	require.Contains(t, completed, "r2")
	assert.Equal(t, model.CompletedCanceled, completed["r2"].Status)
	assert.Contains(t, completed["r2"].Reason, "ms")
}

func TestRespondUnknownRequestFails(t *testing.T) {
	b := NewBroker()
	err := b.Respond(model.PermissionResponse{RequestID: "missing"})
	assert.ErrorIs(t, err, herr.NotFound)
}

func TestRespondTwiceFailsSecondTime(t *testing.T) {
	b := NewBroker()
	done := make(chan struct{})
	go func() {
		_, _ = b.Request(context.Background(), model.PermissionRequest{ID: "r3"})
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Respond(model.PermissionResponse{RequestID: "r3", Decision: model.DecisionDenied}))
	<-done

	err := b.Respond(model.PermissionResponse{RequestID: "r3", Decision: model.DecisionApproved})
	assert.ErrorIs(t, err, herr.NotFound)
}

func TestAbortAllUnblocksPending(t *testing.T) {
	b := NewBroker()
	done := make(chan model.PermissionResponse, 1)
	go func() {
		resp, _ := b.Request(context.Background(), model.PermissionRequest{ID: "r4"})
		done <- resp
	}()

	assert.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, time.Millisecond)
	b.AbortAll()

	resp := <-done
	assert.Equal(t, model.DecisionAbort, resp.Decision)
}
