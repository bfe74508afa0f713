// tracekit-server runs the development backend for tracekit devices: it
// serves the discovery document, accepts key reports, and publishes signed
// case buckets on the standard batch boundaries.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/shalteor/tracekit/internal/crypto"
	"github.com/shalteor/tracekit/internal/devserver"
)

func main() {
	var (
		port            = flag.String("port", "8080", "Server port")
		baseURL         = flag.String("base-url", "", "Externally visible base URL (default http://localhost:<port>)")
		authCode        = flag.String("auth-code", "", "Health-authority code authorizing reports (required)")
		exposureWindows = flag.Int("exposure-windows", 15, "Window-count threshold for an exposure day")
	)
	flag.Parse()

	if *authCode == "" {
		authCodeEnv := os.Getenv("TRACEKIT_AUTH_CODE")
		if authCodeEnv == "" {
			log.Fatal("Auth code is required. Provide via -auth-code flag or TRACEKIT_AUTH_CODE env var")
		}
		*authCode = authCodeEnv
	}
	if *baseURL == "" {
		*baseURL = fmt.Sprintf("http://localhost:%s", *port)
	}

	authSecret, err := crypto.DeriveAuthSecret(*authCode)
	if err != nil {
		log.Fatalf("Failed to derive auth secret: %v", err)
	}

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate signing key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&signKey.PublicKey)
	if err != nil {
		log.Fatalf("Failed to encode signing key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	server := devserver.NewServer(*baseURL, *exposureWindows, authSecret, signKey)
	router := devserver.NewRouter(server, pubPEM)

	addr := fmt.Sprintf(":%s", *port)
	log.Printf("Starting dev backend on %s", addr)
	log.Printf("Bucket signature public key:\n%s", pubPEM)
	log.Printf("API endpoints:")
	log.Printf("  GET  /v1/config")
	log.Printf("  GET  /v1/exposed/{batchReleaseTime}")
	log.Printf("  GET  /v1/hashes/{batchReleaseTime}")
	log.Printf("  POST /v1/exposed (authenticated)")
	log.Printf("  GET  /v1/signature-key")

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
