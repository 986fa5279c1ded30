// genkey generates an Ed25519 key pair for kokoro JWT signing, and mints
// development tokens against it.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//	go run ./scripts/genkey token [user-id] [tier]
//
// The first form writes:
//
//	data/jwt_private.pem  (mode 0600; keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// Point KOKORO_JWT_PRIVATE_KEY and KOKORO_JWT_PUBLIC_KEY at these paths. The
// data/ directory is gitignored. Run once before first launch; keys persist
// across restarts.
//
// The second form signs a 24-hour user token with the keys in data/ and
// prints it, for exercising the API locally. user-id defaults to a fresh
// UUID, tier to pro. Production tokens come from the identity service, never
// from here.
//
// The server auto-generates ephemeral keys when KOKORO_JWT_PRIVATE_KEY is
// unset, but those are discarded on every restart, invalidating all existing
// tokens. Persistent keys prevent that.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/model"
)

func main() {
	dir := "data"
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if len(os.Args) > 1 && os.Args[1] == "token" {
		mintToken(privPath, pubPath, os.Args[2:])
		return
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	// Refuse to overwrite existing keys; rotating by accident invalidates
	// every live token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "error: %s already exists, delete it first if you want to rotate keys\n", path)
			os.Exit(1)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: marshal private key: %v\n", err)
		os.Exit(1)
	}

	privFile, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: create %s: %v\n", privPath, err)
		os.Exit(1)
	}
	if err := pem.Encode(privFile, &pem.Block{Type: "PRIVATE KEY", Bytes: privDER}); err != nil {
		fmt.Fprintf(os.Stderr, "error: write private key: %v\n", err)
		os.Exit(1)
	}
	privFile.Close()

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: marshal public key: %v\n", err)
		os.Exit(1)
	}

	pubFile, err := os.OpenFile(pubPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: create %s: %v\n", pubPath, err)
		os.Exit(1)
	}
	if err := pem.Encode(pubFile, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}); err != nil {
		fmt.Fprintf(os.Stderr, "error: write public key: %v\n", err)
		os.Exit(1)
	}
	pubFile.Close()

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println("set KOKORO_JWT_PRIVATE_KEY and KOKORO_JWT_PUBLIC_KEY to these paths")
}

func mintToken(privPath, pubPath string, args []string) {
	if len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: genkey token [user-id] [tier]")
		os.Exit(1)
	}

	userID := uuid.New()
	if len(args) > 0 {
		parsed, err := uuid.Parse(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: user-id %q is not a UUID\n", args[0])
			os.Exit(1)
		}
		userID = parsed
	}

	tier := model.QuotaTierPro
	if len(args) > 1 {
		tier = model.QuotaTier(args[1])
		if !model.ValidQuotaTier(tier) {
			fmt.Fprintf(os.Stderr, "error: unknown tier %q (want free_trial, basic, or pro)\n", args[1])
			os.Exit(1)
		}
	}

	mgr, err := auth.NewJWTManager(privPath, pubPath, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v (run without arguments first to generate keys)\n", err)
		os.Exit(1)
	}

	token, exp, err := mgr.IssueToken(userID, tier, auth.RoleUser)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("user_id: %s\n", userID)
	fmt.Printf("tier:    %s\n", tier)
	fmt.Printf("expires: %s\n", exp.Format(time.RFC3339))
	fmt.Printf("\n%s\n", token)
}
