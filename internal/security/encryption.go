package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"medrouter/internal/domain"
)

const (
	encPrefix = "enc:"
	saltLen   = 16
	keyLen    = 32
)

// AESContentEncryptor implements domain.ContentEncryptor using AES-256-GCM.
// Keys are derived from a passphrase via Argon2id. Every ciphertext carries
// the salt it was sealed with, so another process holding the same passphrase
// can open it.
type AESContentEncryptor struct {
	mu         sync.RWMutex
	passphrase []byte
	salt       []byte            // salt used for new ciphertexts
	keys       map[string][]byte // salt -> derived key
	zeroized   bool
}

// NewAESContentEncryptor creates an encryptor from a passphrase.
// Returns error if passphrase is empty.
func NewAESContentEncryptor(passphrase string) (*AESContentEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	e := &AESContentEncryptor{
		passphrase: []byte(passphrase),
		salt:       salt,
		keys:       make(map[string][]byte),
	}
	e.keys[string(salt)] = deriveContentKey(e.passphrase, salt)
	return e, nil
}

// Encrypt returns "enc:" + base64(salt + nonce + ciphertext).
func (e *AESContentEncryptor) Encrypt(plaintext string) (string, error) {
	e.mu.RLock()
	if e.zeroized {
		e.mu.RUnlock()
		return "", fmt.Errorf("%w: encryptor zeroized", domain.ErrEncryption)
	}
	salt := e.salt
	key := e.keys[string(salt)]
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}

	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Input without the "enc:" prefix
// is returned as-is so that data written before encryption was enabled
// stays readable.
func (e *AESContentEncryptor) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", domain.ErrDecryption, err)
	}
	if len(data) < saltLen {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	key, err := e.keyFor(data[:saltLen])
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	rest := data[saltLen:]
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	plaintext, err := gcm.Open(nil, rest[:nonceSize], rest[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// keyFor returns the key for salt, deriving and caching it on first use.
func (e *AESContentEncryptor) keyFor(salt []byte) ([]byte, error) {
	e.mu.RLock()
	if e.zeroized {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: encryptor zeroized", domain.ErrDecryption)
	}
	key, ok := e.keys[string(salt)]
	passphrase := append([]byte(nil), e.passphrase...)
	e.mu.RUnlock()
	if ok {
		return key, nil
	}

	key = deriveContentKey(passphrase, salt)
	clear(passphrase)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.zeroized {
		return nil, fmt.Errorf("%w: encryptor zeroized", domain.ErrDecryption)
	}
	e.keys[string(salt)] = key
	return key, nil
}

// IsEncrypted checks if a string has the "enc:" prefix.
func (e *AESContentEncryptor) IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

// Zeroize clears all key material. The encryptor is unusable afterwards.
func (e *AESContentEncryptor) Zeroize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.passphrase)
	for _, k := range e.keys {
		clear(k)
	}
	clear(e.keys)
	e.zeroized = true
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

// deriveContentKey uses Argon2id to derive a 32-byte key.
func deriveContentKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keyLen)
}
