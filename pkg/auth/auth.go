package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// hashLen is the length of a base64-encoded SHA256 digest, which prefixes
// every stored key hash. The salt follows it.
const hashLen = 44

var (
	// ErrMalformedHash indicates the stored key hash is too short to hold a digest.
	ErrMalformedHash = errors.New("malformed key hash")
	// ErrKeyMismatch indicates the presented key does not hash to the stored value.
	ErrKeyMismatch = errors.New("key does not match")
)

// HashKey returns base64(SHA256(key + salt)).
func HashKey(key, salt string) string {
	sum := sha256.Sum256([]byte(key + salt))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify checks key against a stored keyHash of the form hash||salt.
func Verify(keyHash, key string) error {
	if len(keyHash) < hashLen {
		return ErrMalformedHash
	}
	want, salt := keyHash[:hashLen], keyHash[hashLen:]
	got := HashKey(key, salt)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrKeyMismatch
	}
	return nil
}

// NewKey generates a fresh builder key and the keyHash to store for it.
func NewKey() (key string, keyHash string, err error) {
	entropy := make([]byte, 150)
	if _, err := rand.Read(entropy); err != nil {
		return "", "", fmt.Errorf("read entropy: %w", err)
	}
	sum := sha256.Sum256(entropy)
	key = hex.EncodeToString(sum[:])

	saltBytes := make([]byte, 6)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("read entropy: %w", err)
	}
	salt := base64.StdEncoding.EncodeToString(saltBytes)[:4]

	return key, HashKey(key, salt) + salt, nil
}
