package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Fixed so hashes minted by scripts/adminkey stay
// verifiable across releases.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, so 64 MiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var errHashFormat = errors.New("auth: malformed key hash")

func deriveKey(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashKey hashes an ops key (e.g. the admin API key) with Argon2id and
// encodes it as "<base64 salt>$<base64 hash>", the form KOKORO_ADMIN_KEY_HASH
// expects.
func HashKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(deriveKey(key, salt)), nil
}

// VerifyKey checks a key against an encoded hash in constant time.
func VerifyKey(key, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, errHashFormat
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	return subtle.ConstantTimeCompare(want, deriveKey(key, salt)) == 1, nil
}

// DummyVerify burns the same Argon2id work as a real verification. Auth
// failure paths that skipped the hash check call this so response timing
// does not reveal whether an admin key is configured.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}
