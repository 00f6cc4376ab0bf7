package server

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

const (
	masterKeySize  = 32
	derivedKeySize = 32
	gcmNonceSize   = 12

	// Salt prefix gives every derivation context its own key space, so the
	// same password can never unlock a wrapped key from a different
	// environment or a different user.
	kdfSaltPrefix = "envoix.kdf.v1:"

	defaultKDFIterations = 210_000
)

// cryptoService derives keys and seals/opens payload boxes. It holds no
// mutable state beyond a gate bounding concurrent derivations; instances may
// be shared freely.
type cryptoService struct {
	iterations int
	gate       chan struct{}
}

func newCryptoService(iterations int) *cryptoService {
	if iterations <= 0 {
		iterations = defaultKDFIterations
	}
	return &cryptoService{
		iterations: iterations,
		gate:       make(chan struct{}, runtime.GOMAXPROCS(0)),
	}
}

// deriveKey turns a caller-supplied secret and a context string into 32 bytes
// of key material via PBKDF2-SHA256. Identical inputs always produce the
// identical key. The gate bounds the number of in-flight derivations to the
// core count.
func (c *cryptoService) deriveKey(secret []byte, context string) []byte {
	c.gate <- struct{}{}
	defer func() { <-c.gate }()
	return pbkdf2.Key(secret, []byte(kdfSaltPrefix+context), c.iterations, derivedKeySize, sha256.New)
}

// sealPayload encrypts plaintext under a key derived from (secret, context)
// with AES-256-GCM, binding the context as associated data. A fresh nonce is
// drawn per call and prepended to the box, so repeated calls over identical
// inputs never yield identical bytes.
func (c *cryptoService) sealPayload(plaintext, secret []byte, context string) ([]byte, error) {
	key := c.deriveKey(secret, context)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(context)), nil
}

// openPayload reverses sealPayload. Any secret or context mismatch, and any
// truncated or tampered box, returns errCryptoFailure; no partial plaintext
// is ever exposed.
func (c *cryptoService) openPayload(box, secret []byte, context string) ([]byte, error) {
	if len(box) < gcmNonceSize {
		return nil, errCryptoFailure
	}
	key := c.deriveKey(secret, context)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, box[:gcmNonceSize], box[gcmNonceSize:], []byte(context))
	if err != nil {
		return nil, errCryptoFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// newMasterKey draws a fresh per-environment MEK. The MEK only ever exists in
// process memory for the duration of a single request.
func newMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
