package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/permission"
)

func TestRPCPermissionApprovesPendingRequest(t *testing.T) {
	s := &Supervisor{broker: permission.NewBroker()}

	respCh := make(chan model.PermissionResponse, 1)
	go func() {
		resp, err := s.broker.Request(context.Background(), model.PermissionRequest{ID: "req-1", ToolName: "bash"})
		assert.NoError(t, err)
		respCh <- resp
	}()

	require.Eventually(t, func() bool { return len(s.broker.Pending()) == 1 }, time.Second, time.Millisecond)

	result, err := s.rpcPermission(context.Background(), []byte(`{"id":"req-1","approved":true}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ok": true}, result)

	resp := <-respCh
	assert.Equal(t, model.DecisionApproved, resp.Decision)
}

func TestRPCPermissionDeniedWithoutExplicitDecision(t *testing.T) {
	s := &Supervisor{broker: permission.NewBroker()}

	respCh := make(chan model.PermissionResponse, 1)
	go func() {
		resp, _ := s.broker.Request(context.Background(), model.PermissionRequest{ID: "req-2"})
		respCh <- resp
	}()
	require.Eventually(t, func() bool { return len(s.broker.Pending()) == 1 }, time.Second, time.Millisecond)

	_, err := s.rpcPermission(context.Background(), []byte(`{"id":"req-2","approved":false}`))
	require.NoError(t, err)

	resp := <-respCh
	assert.Equal(t, model.DecisionDenied, resp.Decision)
}

func TestRPCPermissionHonorsExplicitDecisionOverApproved(t *testing.T) {
	s := &Supervisor{broker: permission.NewBroker()}

	respCh := make(chan model.PermissionResponse, 1)
	go func() {
		resp, _ := s.broker.Request(context.Background(), model.PermissionRequest{ID: "req-3"})
		respCh <- resp
	}()
	require.Eventually(t, func() bool { return len(s.broker.Pending()) == 1 }, time.Second, time.Millisecond)

	_, err := s.rpcPermission(context.Background(), []byte(`{"id":"req-3","approved":true,"decision":"approved_for_session"}`))
	require.NoError(t, err)

	resp := <-respCh
	assert.Equal(t, model.DecisionApprovedForSession, resp.Decision)
}

func TestRPCPermissionUnknownIDReturnsError(t *testing.T) {
	s := &Supervisor{broker: permission.NewBroker()}
	_, err := s.rpcPermission(context.Background(), []byte(`{"id":"does-not-exist","approved":true}`))
	assert.Error(t, err)
}
