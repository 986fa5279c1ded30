// Command adminkey generates an admin API key and its Argon2id hash.
//
// Usage (run from the repo root):
//
//	go run ./scripts/adminkey
//
// Prints the plaintext key once and the encoded hash to set as
// KOKORO_ADMIN_KEY_HASH. Only the hash is stored server-side; if the key is
// lost, generate a new pair and update the env var. Clients send the key in
// the X-Admin-Key header on policy and ops endpoints.
//
// To hash an existing key instead of generating one, pass it as the sole
// argument:
//
//	go run ./scripts/adminkey 'my-existing-key'
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/ashita-ai/kokoro/internal/auth"
)

func main() {
	var key string
	switch len(os.Args) {
	case 1:
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
			os.Exit(1)
		}
		key = base64.RawURLEncoding.EncodeToString(raw)
	case 2:
		key = os.Args[1]
		if key == "" {
			fmt.Fprintln(os.Stderr, "error: key must not be empty")
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: adminkey [existing-key]")
		os.Exit(1)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) == 1 {
		fmt.Printf("admin key (save it now, it is not shown again):\n  %s\n\n", key)
	}
	fmt.Printf("KOKORO_ADMIN_KEY_HASH=%s\n", hash)
}
