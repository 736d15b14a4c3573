// Package vault encrypts tenant connection strings at rest.
//
// Sealed values are text so they fit a varchar column:
//
//	enc:v1:<base64url(version || nonce || ciphertext+tag)>
//
// The version byte is authenticated as additional data, so a tampered
// or foreign blob fails to open instead of decrypting to garbage.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// Prefix tags every sealed value. Encryption state is read from this
	// tag, never inferred from the shape of the plaintext.
	Prefix = "enc:v1:"

	blobVersion byte = 0x01
	keySize          = chacha20poly1305.KeySize
	blobOverhead     = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("shopcore.vault.connection-string.v1")

// CryptoError is returned for every decrypt failure.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

var (
	ErrNotSealed      = errors.New("value is not sealed")
	ErrMalformed      = errors.New("malformed ciphertext")
	ErrVersion        = errors.New("unsupported ciphertext version")
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

type Vault struct {
	key []byte
}

// New derives the process-wide key from the configured secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault secret must not be empty")
	}

	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	return &Vault{key: key}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, blobOverhead+len(plaintext))
	blob[0] = blobVersion
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("generating nonce: %w", err)}
	}

	blob = aead.Seal(blob, nonce, []byte(plaintext), blob[:1])
	return Prefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !IsSealed(ciphertext) {
		return "", &CryptoError{Op: "decrypt", Err: ErrNotSealed}
	}

	blob, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: ErrMalformed}
	}
	if len(blob) < blobOverhead {
		return "", &CryptoError{Op: "decrypt", Err: ErrMalformed}
	}
	if blob[0] != blobVersion {
		return "", &CryptoError{Op: "decrypt", Err: ErrVersion}
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: ErrAuthentication}
	}

	return string(plaintext), nil
}

// Seal encrypts s unless it already carries the sealed tag, in which
// case it is stored as is. This keeps a connection string from being
// wrapped twice when a record is rewritten.
func (v *Vault) Seal(s string) (string, error) {
	if IsSealed(s) {
		return s, nil
	}
	return v.Encrypt(s)
}

func IsSealed(s string) bool {
	return strings.HasPrefix(s, Prefix)
}
