package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations follows the teacher's SCRAM key-derivation iteration
// count (pool/scram.go used 4096 for a live SASL exchange); at-rest secrets
// are derived far less often than a login handshake, so this engine uses a
// higher count suited to a static KDF rather than a per-connection one.
const pbkdf2Iterations = 100_000

const (
	pbkdf2KeyLen = 32 // AES-256
	pbkdf2SaltLen = 16
	gcmNonceLen   = 12
)

// deriveKey derives an AES-256 key from passphrase and salt via
// PBKDF2-HMAC-SHA256, the same primitive the teacher's SCRAM implementation
// used (golang.org/x/crypto/pbkdf2), repurposed here for at-rest password
// encryption rather than a live SASL challenge.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// Encrypt encrypts plaintext with a key derived from passphrase, returning
// a base64 string storing salt‖nonce‖ciphertext. Intended for an operator
// tool that prepares a ServerConfig.EncryptedPassword value offline; the
// engine itself only ever calls Decrypt.
func Encrypt(passphrase, plaintext string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("building GCM mode: %w", err)
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt, given the same passphrase.
func Decrypt(passphrase, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < pbkdf2SaltLen+gcmNonceLen {
		return "", errors.New("ciphertext too short")
	}

	salt := raw[:pbkdf2SaltLen]
	nonce := raw[pbkdf2SaltLen : pbkdf2SaltLen+gcmNonceLen]
	sealed := raw[pbkdf2SaltLen+gcmNonceLen:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("building GCM mode: %w", err)
	}

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: wrong passphrase or corrupt ciphertext")
	}
	return string(plain), nil
}
