package snacl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Fast scrypt parameters for tests.
const (
	testN = 16
	testR = 8
	testP = 1
)

func TestSecretKeyRoundTrip(t *testing.T) {
	password := []byte("sikrit")
	key, err := NewSecretKey(&password, testN, testR, testP)
	require.NoError(t, err)

	blob, err := key.Encrypt([]byte("this is a test"))
	require.NoError(t, err)
	plain, err := key.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte("this is a test"), plain)
}

func TestSecretKeyRederive(t *testing.T) {
	password := []byte("sikrit")
	key, err := NewSecretKey(&password, testN, testR, testP)
	require.NoError(t, err)

	blob, err := key.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// Simulate a restart: only the marshalled parameters survive.
	marshalled := key.Marshal()
	key.Zero()

	var restored SecretKey
	require.NoError(t, restored.Unmarshal(marshalled))

	wrong := []byte("hunter2")
	require.ErrorIs(t, restored.DeriveKey(&wrong), ErrInvalidPassword)

	require.NoError(t, restored.DeriveKey(&password))
	plain, err := restored.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plain)
}

func TestUnmarshalRejectsBadLength(t *testing.T) {
	var key SecretKey
	require.ErrorIs(t, key.Unmarshal([]byte("short")), ErrMalformed)
}

func TestCryptoKey(t *testing.T) {
	key, err := GenerateCryptoKey()
	require.NoError(t, err)

	blob, err := key.Encrypt([]byte("data"))
	require.NoError(t, err)
	plain, err := key.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), plain)

	// Tampered ciphertext must not decrypt.
	blob[len(blob)-1] ^= 0xff
	_, err = key.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptFailed)

	_, err = key.Decrypt([]byte("tiny"))
	require.ErrorIs(t, err, ErrMalformed)

	key.Zero()
	require.Equal(t, CryptoKey{}, *key)
}
