package cipher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/kernel/pkg/ipc/cipher"
)

func TestXORStreamRoundTrips(t *testing.T) {
	kr, err := cipher.NewKeyRing(cipher.Config{Algorithm: cipher.AlgoXORStream, Key: []byte("key")})
	require.NoError(t, err)

	ct, err := kr.Encrypt([]byte("hello world"), time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, []byte("hello world"), ct)

	pt, err := kr.Decrypt(ct, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(pt))
}

func TestChaCha20Poly1305RoundTrips(t *testing.T) {
	key := make([]byte, 32)
	kr, err := cipher.NewKeyRing(cipher.Config{Algorithm: cipher.AlgoChaCha20Poly1305, Key: key})
	require.NoError(t, err)

	ct, err := kr.Encrypt([]byte("authenticated payload"), time.Now())
	require.NoError(t, err)

	pt, err := kr.Decrypt(ct, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "authenticated payload", string(pt))
}

func TestChaCha20Poly1305RejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	kr, err := cipher.NewKeyRing(cipher.Config{Algorithm: cipher.AlgoChaCha20Poly1305, Key: key})
	require.NoError(t, err)

	ct, err := kr.Encrypt([]byte("payload"), time.Now())
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = kr.Decrypt(ct, time.Now())
	require.Error(t, err)
}

func TestKeyRotatesAfterInterval(t *testing.T) {
	kr, err := cipher.NewKeyRing(cipher.Config{
		Algorithm:        cipher.AlgoXORStream,
		Key:              []byte("initial"),
		RotationInterval: time.Millisecond,
	})
	require.NoError(t, err)

	ct1, err := kr.Encrypt([]byte("same"), time.Now())
	require.NoError(t, err)
	ct2, err := kr.Encrypt([]byte("same"), time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}
