// Package cipher is the optional per-object IPC encryption layer (spec
// §4.6.4). The default algorithm is a placeholder XOR stream cipher keyed
// per object and rotated on a configurable interval — matching the
// original design exactly, which is NOT confidential and NOT authenticated
// (see the §9 caveat in SPEC_FULL.md). An authenticated alternative,
// ChaCha20-Poly1305, is wired in as the recommended upgrade path but is not
// the default, so the placeholder's documented weaknesses stay visible
// rather than silently papered over.
package cipher

import (
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// Algorithm identifies the configured cipher for an object.
type Algorithm int

const (
	// AlgoXORStream is the placeholder: NOT confidential, NOT
	// authenticated. It exists to match the current behavior this core is
	// distilled from; replace with AlgoChaCha20Poly1305 before any
	// production use.
	AlgoXORStream Algorithm = iota
	AlgoChaCha20Poly1305
)

// Config is the per-object encryption configuration (spec §4.6.4).
type Config struct {
	Algorithm        Algorithm
	Key              []byte
	RotationInterval time.Duration
}

// KeyRing rotates an object's key on the configured interval; rotation is
// lazy (checked on Encrypt only; Decrypt uses whatever key is current), not
// a background goroutine.
type KeyRing struct {
	mu         sync.Mutex
	cfg        Config
	lastRotate time.Time
}

func NewKeyRing(cfg Config) (*KeyRing, error) {
	if len(cfg.Key) == 0 {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "cipher.NewKeyRing", "key required")
	}
	switch cfg.Algorithm {
	case AlgoChaCha20Poly1305:
		if len(cfg.Key) != chacha20poly1305.KeySize {
			return nil, kerrors.Newf(kerrors.InvalidArgument, "cipher.NewKeyRing",
				"chacha20-poly1305 requires a %d-byte key", chacha20poly1305.KeySize)
		}
	}
	return &KeyRing{cfg: cfg, lastRotate: time.Now()}, nil
}

func (k *KeyRing) maybeRotateLocked(now time.Time) {
	if k.cfg.RotationInterval <= 0 {
		return
	}
	if now.Sub(k.lastRotate) < k.cfg.RotationInterval {
		return
	}
	fresh := make([]byte, len(k.cfg.Key))
	if _, err := rand.Read(fresh); err == nil {
		k.cfg.Key = fresh
	}
	k.lastRotate = now
}

// Encrypt encrypts plaintext under the current key, rotating first if due.
func (k *KeyRing) Encrypt(plaintext []byte, now time.Time) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.maybeRotateLocked(now)

	switch k.cfg.Algorithm {
	case AlgoXORStream:
		return xorStream(plaintext, k.cfg.Key), nil
	case AlgoChaCha20Poly1305:
		aead, err := chacha20poly1305.New(k.cfg.Key)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.IoError, "cipher.Encrypt", "aead init", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, kerrors.Wrap(kerrors.IoError, "cipher.Encrypt", "nonce", err)
		}
		return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
	default:
		return nil, kerrors.Newf(kerrors.NotSupported, "cipher.Encrypt", "unknown algorithm %d", k.cfg.Algorithm)
	}
}

// Decrypt reverses Encrypt. Per spec §4.6.1, decryption failure results in
// the message being dropped (IoError), not a panic.
func (k *KeyRing) Decrypt(ciphertext []byte, now time.Time) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch k.cfg.Algorithm {
	case AlgoXORStream:
		return xorStream(ciphertext, k.cfg.Key), nil
	case AlgoChaCha20Poly1305:
		aead, err := chacha20poly1305.New(k.cfg.Key)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.IoError, "cipher.Decrypt", "aead init", err)
		}
		if len(ciphertext) < aead.NonceSize() {
			return nil, kerrors.Newf(kerrors.IoError, "cipher.Decrypt", "ciphertext too short")
		}
		nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
		pt, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.IoError, "cipher.Decrypt", "authentication failed", err)
		}
		return pt, nil
	default:
		return nil, kerrors.Newf(kerrors.NotSupported, "cipher.Decrypt", "unknown algorithm %d", k.cfg.Algorithm)
	}
}

// xorStream is the placeholder cipher: each byte is XORed with the key,
// repeating the key as needed. Symmetric: the same function encrypts and
// decrypts.
func xorStream(data, key []byte) []byte {
	if len(key) == 0 {
		return append([]byte(nil), data...)
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
