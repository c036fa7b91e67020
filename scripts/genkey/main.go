// genkey generates an Ed25519 key pair for CIRISLens JWT signing.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// Point CIRISLENS_JWT_PRIVATE_KEY and CIRISLENS_JWT_PUBLIC_KEY at these
// files. Run once before first launch; keys persist across restarts.
//
// The server auto-generates ephemeral keys when CIRISLENS_JWT_PRIVATE_KEY is
// unset, but those are discarded on every restart, invalidating all existing
// repository tokens. Persistent keys prevent that.
//
// With -agent, the pair is written as agent_private.pem / agent_public.pem
// instead and the raw public key is printed base64-encoded, ready for
// POST /covenant/public-keys registration.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	agent := flag.Bool("agent", false, "generate an agent trace-signing key instead of the JWT pair")
	flag.Parse()

	dir := "data"
	base := "jwt"
	if *agent {
		base = "agent"
	}
	privPath := filepath.Join(dir, base+"_private.pem")
	pubPath := filepath.Join(dir, base+"_public.pem")

	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	// Refuse to overwrite existing keys. Overwriting would invalidate
	// live tokens or registered signer keys.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "error: %s already exists; delete it first if you want to rotate keys\n", path)
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
	if *agent {
		fmt.Printf("public_key (for POST /covenant/public-keys): %s\n", base64.StdEncoding.EncodeToString(pub))
	} else {
		fmt.Println("Keys are ready. docker compose up -d will use them automatically.")
	}
}
