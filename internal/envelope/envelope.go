// Package envelope implements the symmetric authenticated encryption and
// anonymous public-key key-wrap used for every payload written to the
// backend or persisted at rest: XSalsa20-Poly1305 via nacl/secretbox, with
// content keys wrapped for a recipient's box public key via nacl/box's
// anonymous sealing.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/kandev/happy/internal/model"
)

const (
	VariantLegacy  = "legacy"
	VariantDataKey = "dataKey"

	secretboxKeySize = 32
	nonceSize        = 24
)

var ErrDecrypt = errors.New("envelope: decryption failed")

// SecretboxKey is a 32-byte XSalsa20-Poly1305 key.
type SecretboxKey [secretboxKeySize]byte

// BoxKeyPair is a nacl/box keypair used to wrap per-entity content keys.
type BoxKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// DecodeSecretboxKey parses the base64 legacy shared key persisted in
// credentials.json's dataKey field.
func DecodeSecretboxKey(b64 string) (SecretboxKey, error) {
	var key SecretboxKey
	b, err := decodeB64(b64)
	if err != nil {
		return key, err
	}
	if len(b) != secretboxKeySize {
		return key, fmt.Errorf("envelope: legacy key must be %d bytes, got %d", secretboxKeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

// GenerateBoxKeyPair creates a fresh keypair for the local credentials file.
func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate keypair: %w", err)
	}
	return &BoxKeyPair{Public: *pub, Private: *priv}, nil
}

// SealLegacy encrypts plaintext with a process-wide shared secretbox key.
func SealLegacy(key SecretboxKey, plaintext []byte) (*model.EncryptedEnvelope, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	cipher := secretbox.Seal(nil, plaintext, &nonce, (*[32]byte)(&key))
	return &model.EncryptedEnvelope{
		Variant: VariantLegacy,
		Nonce:   encodeB64(nonce[:]),
		Cipher:  encodeB64(cipher),
	}, nil
}

// OpenLegacy reverses SealLegacy.
func OpenLegacy(key SecretboxKey, env *model.EncryptedEnvelope) ([]byte, error) {
	if env.Variant != VariantLegacy {
		return nil, fmt.Errorf("envelope: expected legacy variant, got %q", env.Variant)
	}
	nonce, err := decodeNonce(env.Nonce)
	if err != nil {
		return nil, err
	}
	cipher, err := decodeB64(env.Cipher)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, cipher, nonce, (*[32]byte)(&key))
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// SealDataKey generates a fresh per-entity content key, encrypts plaintext
// with it, and anonymously wraps the content key for recipientPub so only
// the holder of the matching private key can recover it.
func SealDataKey(recipientPub [32]byte, plaintext []byte) (*model.EncryptedEnvelope, error) {
	var contentKey SecretboxKey
	if _, err := rand.Read(contentKey[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate content key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	cipher := secretbox.Seal(nil, plaintext, &nonce, (*[32]byte)(&contentKey))

	wrapped, err := box.SealAnonymous(nil, contentKey[:], &recipientPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: wrap content key: %w", err)
	}

	return &model.EncryptedEnvelope{
		Variant:    VariantDataKey,
		Nonce:      encodeB64(nonce[:]),
		Cipher:     encodeB64(cipher),
		WrappedKey: encodeB64(wrapped),
	}, nil
}

// OpenDataKey reverses SealDataKey given the recipient's keypair.
func OpenDataKey(kp BoxKeyPair, env *model.EncryptedEnvelope) ([]byte, error) {
	if env.Variant != VariantDataKey {
		return nil, fmt.Errorf("envelope: expected dataKey variant, got %q", env.Variant)
	}
	wrapped, err := decodeB64(env.WrappedKey)
	if err != nil {
		return nil, err
	}
	contentKeyBytes, ok := box.OpenAnonymous(nil, wrapped, &kp.Public, &kp.Private)
	if !ok || len(contentKeyBytes) != secretboxKeySize {
		return nil, ErrDecrypt
	}
	var contentKey SecretboxKey
	copy(contentKey[:], contentKeyBytes)

	nonce, err := decodeNonce(env.Nonce)
	if err != nil {
		return nil, err
	}
	cipher, err := decodeB64(env.Cipher)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, cipher, nonce, (*[32]byte)(&contentKey))
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Open dispatches on env.Variant: a legacy envelope is opened with the
// legacy key, a dataKey envelope with the per-entity keypair, matching the
// tagged-union description.
func Open(legacyKey SecretboxKey, kp BoxKeyPair, env *model.EncryptedEnvelope) ([]byte, error) {
	switch env.Variant {
	case VariantLegacy:
		return OpenLegacy(legacyKey, env)
	case VariantDataKey:
		return OpenDataKey(kp, env)
	default:
		return nil, fmt.Errorf("envelope: unknown variant %q", env.Variant)
	}
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode base64: %w", err)
	}
	return b, nil
}

func decodeNonce(s string) (*[nonceSize]byte, error) {
	b, err := decodeB64(s)
	if err != nil {
		return nil, err
	}
	if len(b) != nonceSize {
		return nil, fmt.Errorf("envelope: nonce must be %d bytes, got %d", nonceSize, len(b))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], b)
	return &nonce, nil
}
