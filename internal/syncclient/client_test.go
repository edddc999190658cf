package syncclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/envelope"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/pkg/wireproto"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	var key envelope.SecretboxKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	logger, err := obslog.New(obslog.Config{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return New("wss://example.invalid", Auth{Token: "t", ClientType: ScopeSession, ScopeID: "s1", LegacyKey: key}, wireproto.NewRouter(), logger)
}

func TestSealJSONOpenJSONRoundTrip(t *testing.T) {
	c := testClient(t)

	type payload struct {
		Text string `json:"text"`
	}
	sealed, err := c.sealJSON(payload{Text: "hello operator"})
	require.NoError(t, err)

	var env struct {
		Variant string `json:"variant"`
	}
	require.NoError(t, json.Unmarshal(sealed, &env))
	assert.Equal(t, "legacy", env.Variant)

	var out payload
	require.NoError(t, c.openJSON(sealed, &out))
	assert.Equal(t, "hello operator", out.Text)
}

func TestOpenJSONRejectsWrongKey(t *testing.T) {
	c := testClient(t)
	sealed, err := c.sealJSON(map[string]string{"a": "b"})
	require.NoError(t, err)

	var otherKey envelope.SecretboxKey
	copy(otherKey[:], []byte("different-key-different-key-1234"))
	other := testClient(t)
	other.auth.LegacyKey = otherKey

	var out map[string]string
	assert.Error(t, other.openJSON(sealed, &out))
}
