package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/happy/internal/model"
)

func TestSealOpenLegacy(t *testing.T) {
	var key SecretboxKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	env, err := SealLegacy(key, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, VariantLegacy, env.Variant)

	plain, err := OpenLegacy(key, env)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plain))
}

func TestOpenLegacyWrongKeyFails(t *testing.T) {
	var key, wrongKey SecretboxKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(wrongKey[:], []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))

	env, err := SealLegacy(key, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenLegacy(wrongKey, env)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSealOpenDataKey(t *testing.T) {
	kp, err := GenerateBoxKeyPair()
	require.NoError(t, err)

	env, err := SealDataKey(kp.Public, []byte("per-entity payload"))
	require.NoError(t, err)
	assert.Equal(t, VariantDataKey, env.Variant)
	assert.NotEmpty(t, env.WrappedKey)

	plain, err := OpenDataKey(*kp, env)
	require.NoError(t, err)
	assert.Equal(t, "per-entity payload", string(plain))
}

func TestOpenDataKeyWrongRecipientFails(t *testing.T) {
	kp, err := GenerateBoxKeyPair()
	require.NoError(t, err)
	other, err := GenerateBoxKeyPair()
	require.NoError(t, err)

	env, err := SealDataKey(kp.Public, []byte("payload"))
	require.NoError(t, err)

	_, err = OpenDataKey(*other, env)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenDispatchesOnVariant(t *testing.T) {
	var legacyKey SecretboxKey
	copy(legacyKey[:], []byte("0123456789abcdef0123456789abcdef"))
	kp, err := GenerateBoxKeyPair()
	require.NoError(t, err)

	legacyEnv, err := SealLegacy(legacyKey, []byte("a"))
	require.NoError(t, err)
	dataKeyEnv, err := SealDataKey(kp.Public, []byte("b"))
	require.NoError(t, err)

	plainA, err := Open(legacyKey, *kp, legacyEnv)
	require.NoError(t, err)
	assert.Equal(t, "a", string(plainA))

	plainB, err := Open(legacyKey, *kp, dataKeyEnv)
	require.NoError(t, err)
	assert.Equal(t, "b", string(plainB))
}

func TestOpenUnknownVariant(t *testing.T) {
	var legacyKey SecretboxKey
	kp, _ := GenerateBoxKeyPair()
	_, err := Open(legacyKey, *kp, &model.EncryptedEnvelope{Variant: "bogus"})
	assert.Error(t, err)
}
