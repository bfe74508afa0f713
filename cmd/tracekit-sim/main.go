// tracekit-sim walks two simulated devices through the full protocol: A
// broadcasts an identifier, B observes it, A reports as infected, and B's
// next sync flags the exposure. Everything runs in-process against the dev
// backend with a clock shifted one day back, so the reported batch is
// already released when B syncs.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/shalteor/tracekit"
	"github.com/shalteor/tracekit/internal/crypto"
	"github.com/shalteor/tracekit/internal/devserver"
)

func main() {
	authCode := flag.String("auth-code", "simulation", "Health-authority code used for the report")
	flag.Parse()

	ctx := context.Background()
	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)

	authSecret, err := crypto.DeriveAuthSecret(*authCode)
	if err != nil {
		log.Fatalf("Failed to derive auth secret: %v", err)
	}
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate signing key: %v", err)
	}

	// Threshold of 1 so a single observed window is enough to flag a day.
	server := devserver.NewServer("", 1, authSecret, signKey)
	server.SetNow(func() time.Time { return yesterday })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	baseURL := "http://" + listener.Addr().String()
	server.SetBaseURL(baseURL)
	go http.Serve(listener, devserver.NewRouter(server, nil))
	log.Printf("Dev backend listening on %s", baseURL)

	dir, err := os.MkdirTemp("", "tracekit-sim")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// Device A lives yesterday: the identifier it broadcasts comes from
	// yesterday's day key.
	deviceA, err := tracekit.New(tracekit.Config{
		DBPath:             filepath.Join(dir, "device-a.db"),
		DiscoveryURL:       baseURL + "/v1/config",
		BucketSignatureKey: &signKey.PublicKey,
		Now:                func() time.Time { return yesterday },
	})
	if err != nil {
		log.Fatalf("Failed to create device A: %v", err)
	}
	defer deviceA.Close()

	broadcast, err := deviceA.CurrentEphID(ctx)
	if err != nil {
		log.Fatalf("Failed to derive broadcast identifier: %v", err)
	}
	log.Printf("Device A broadcasts identifier %x", broadcast)

	exposed := false
	deviceB, err := tracekit.New(tracekit.Config{
		DBPath:             filepath.Join(dir, "device-b.db"),
		DiscoveryURL:       baseURL + "/v1/config",
		BucketSignatureKey: &signKey.PublicKey,
		OnExposureChanged:  func() { exposed = true },
	})
	if err != nil {
		log.Fatalf("Failed to create device B: %v", err)
	}
	defer deviceB.Close()

	if err := deviceB.RecordObservation(ctx, tracekit.Observation{
		EphID:        broadcast[:],
		Timestamp:    yesterday,
		TxPowerLevel: -20,
		RSSI:         -60,
	}); err != nil {
		log.Fatalf("Failed to record observation: %v", err)
	}
	log.Printf("Device B observed the identifier")

	// A needs one sync to discover the report endpoint, then discloses its
	// key for yesterday.
	if err := deviceA.Sync(ctx); err != nil {
		log.Fatalf("Device A sync failed: %v", err)
	}
	if err := deviceA.SendIAmInfected(ctx, yesterday, *authCode); err != nil {
		log.Fatalf("Device A report failed: %v", err)
	}
	log.Printf("Device A reported as infected")

	if err := deviceB.Sync(ctx); err != nil {
		log.Fatalf("Device B sync failed: %v", err)
	}
	status, err := deviceB.Status(ctx)
	if err != nil {
		log.Fatalf("Failed to query status: %v", err)
	}

	if !exposed || len(status.ExposureDays) == 0 {
		log.Fatal("Simulation failed: device B was not flagged as exposed")
	}
	log.Printf("Device B is exposed on %s", status.ExposureDays[0].Format("2006-01-02"))
}
