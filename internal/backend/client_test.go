package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/herr"
	"github.com/kandev/happy/internal/obslog"
)

func TestCreateSessionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]any{"id": "s1", "tag": "t1", "metadata": "enc"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "T", obslog.Default())
	sess, err := c.CreateSession(context.Background(), CreateSessionRequest{Tag: "t1", Metadata: "enc"})
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
}

func TestCreateMachineNotFoundIsEndpointMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "T", obslog.Default())
	_, err := c.CreateMachine(context.Background(), CreateMachineRequest{ID: "m1"})
	assert.ErrorIs(t, err, herr.EndpointMissing)
}

func TestCreateMachineServerErrorIsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "T", obslog.Default())
	_, err := c.CreateMachine(context.Background(), CreateMachineRequest{ID: "m1"})
	assert.ErrorIs(t, err, herr.AuthFailure)
}

func TestConnectionRefusedIsOffline(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "T", obslog.Default())
	_, err := c.CreateSession(context.Background(), CreateSessionRequest{Tag: "t1"})
	assert.ErrorIs(t, err, herr.Offline)
}

func TestConnectTokenRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/connect/github/token", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "abc"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "T", obslog.Default())
	tok, err := c.ConnectToken(context.Background(), "github")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}
